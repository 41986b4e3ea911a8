package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Invoker performs the call against a probe target. Implementations exist
// for HTTP endpoints; function invocations plug in the same way.
type Invoker interface {
	Call(ctx context.Context, target string, timeout time.Duration) (Response, error)
}

// Response is the invoker's view of the target's answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPInvoker probes HTTP(S) endpoints with a per-call timeout.
type HTTPInvoker struct {
	Client *http.Client
}

func (h *HTTPInvoker) Call(ctx context.Context, target string, timeout time.Duration) (Response, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("read body: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Engine runs declared probes and classifies answers against expectations.
type Engine struct {
	invoker Invoker
	logger  *zap.Logger
}

func NewEngine(invoker Invoker, logger *zap.Logger) *Engine {
	if invoker == nil {
		invoker = &HTTPInvoker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{invoker: invoker, logger: logger}
}

// Run executes one probe. It never returns an error: engine failures become
// Fail results so one bad probe cannot abort the batch.
func (e *Engine) Run(ctx context.Context, spec Spec) Result {
	if err := spec.Validate(); err != nil {
		return Result{Spec: spec, Outcome: OutcomeFail, Detail: err.Error()}
	}
	start := time.Now()
	resp, err := e.invoker.Call(ctx, spec.Target, spec.Timeout)
	latency := time.Since(start)
	res := Result{Spec: spec, Latency: latency}
	if err != nil {
		res.Outcome = OutcomeFail
		res.Detail = err.Error()
		e.logger.Warn("probe call failed", zap.String("probe", spec.Name), zap.Error(err))
		return res
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if spec.Expect == ExpectAuthRequired {
			res.Outcome = OutcomeWarn
			res.Detail = fmt.Sprintf("expected an auth rejection but got %d: endpoint is less protected than intended", resp.StatusCode)
		} else {
			res.Outcome = OutcomePass
			res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if spec.Expect == ExpectAuthRequired {
			res.Outcome = OutcomePass
			res.Detail = fmt.Sprintf("status %d (auth rejection expected)", resp.StatusCode)
		} else {
			res.Outcome = OutcomeFail
			res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		}
	default:
		res.Outcome = OutcomeFail
		res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
	}
	e.logger.Debug("probe completed",
		zap.String("probe", spec.Name),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("latency", latency))
	return res
}

// RunAll probes every spec in declaration order and collects the results.
func (e *Engine) RunAll(ctx context.Context, specs []Spec) []Result {
	out := make([]Result, 0, len(specs))
	for _, spec := range specs {
		out = append(out, e.Run(ctx, spec))
	}
	return out
}

// LoadSpecFile reads a standalone probe spec file for ad-hoc diagnostics.
func LoadSpecFile(path string) ([]Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read probe spec: %w", err)
	}
	var file struct {
		Probes []Spec `yaml:"probes"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse probe spec %s: %w", path, err)
	}
	if len(file.Probes) == 0 {
		return nil, fmt.Errorf("probe spec %s declares no probes", path)
	}
	for _, spec := range file.Probes {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("probe spec %s: %w", path, err)
		}
	}
	return file.Probes, nil
}
