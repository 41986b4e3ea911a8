// File: internal/rollout/run.go
// Brief: Wave orchestrator (deploy, secrets, trust, probes).

package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/rollctl/internal/deployer"
	"github.com/example/rollctl/internal/plan"
	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/secrets"
	"github.com/example/rollctl/internal/trust"
)

const defaultConcurrency = 4

// Options configures one run.
type Options struct {
	Plan        *plan.Plan
	Deployer    deployer.Interface
	SecretStore secrets.Store
	Trust       *trust.Validator
	Probes      *probe.Engine

	Concurrency int
	MaxAttempts int
	Logger      *zap.Logger
	Observers   []Observer
	State       *StateStore

	RunID string
}

type runState struct {
	mu       sync.Mutex
	runID    string
	statuses map[string]plan.Status
	attempts map[string]int
	errs     map[string]error
	outputs  map[string]map[string]string

	seq       int64
	observers []Observer
	state     *StateStore
	logger    *zap.Logger
}

func newRunState(p *plan.Plan, opts Options) *runState {
	runID := opts.RunID
	if runID == "" {
		runID = time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	}
	rs := &runState{
		runID:     runID,
		statuses:  map[string]plan.Status{},
		attempts:  map[string]int{},
		errs:      map[string]error{},
		outputs:   map[string]map[string]string{},
		observers: append([]Observer(nil), opts.Observers...),
		state:     opts.State,
		logger:    opts.Logger,
	}
	for _, s := range p.Stacks {
		rs.statuses[s.Name] = plan.StatusPending
	}
	return rs
}

func (rs *runState) emit(ctx context.Context, ev Event) {
	rs.mu.Lock()
	rs.seq++
	ev.Seq = rs.seq
	ev.RunID = rs.runID
	ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	observers := rs.observers
	rs.mu.Unlock()
	for _, obs := range observers {
		obs.ObserveEvent(ev)
	}
	if rs.state != nil {
		if err := rs.state.AppendEvent(ctx, ev); err != nil {
			rs.logger.Warn("append run event", zap.Error(err))
		}
	}
}

func (rs *runState) status(name string) plan.Status {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.statuses[name]
}

func (rs *runState) setStatus(name string, st plan.Status) {
	rs.mu.Lock()
	rs.statuses[name] = st
	rs.mu.Unlock()
}

// Run executes the plan: waves of stack deployments in dependency order,
// then secret bindings for deployed sources, then trust verification, then
// endpoint probes. Every phase contributes to the report even when an
// earlier one failed partially.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if opts.Deployer == nil {
		return nil, fmt.Errorf("deployer is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	p := opts.Plan
	rs := newRunState(p, opts)
	report := &Report{
		RunID:       rs.runID,
		PlanName:    p.Name,
		Environment: p.Environment,
		StartedAt:   time.Now().UTC(),
	}
	if opts.State != nil {
		if err := opts.State.CreateRun(ctx, rs.runID, p.Environment, p.Name); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}
	rs.emit(ctx, Event{Type: RunStarted, Message: fmt.Sprintf("%d stacks in %d waves", len(p.Stacks), len(p.Waves))})

	runWaves(ctx, opts, rs, concurrency, maxAttempts)

	cancelled := ctx.Err() != nil
	if !cancelled {
		runSecretsPhase(ctx, opts, rs, report, maxAttempts)
		runTrustPhase(ctx, opts, rs, report)
		runProbePhase(ctx, opts, rs, report)
	}

	finishReport(p, rs, report, cancelled)
	rs.emit(ctx, Event{Type: RunCompleted, Message: report.Status})
	if opts.State != nil {
		if err := opts.State.FinalizeRun(ctx, report); err != nil {
			opts.Logger.Warn("finalize run record", zap.Error(err))
		}
	}
	return report, nil
}

func runTrustPhase(ctx context.Context, opts Options, rs *runState, report *Report) {
	if len(opts.Plan.Trust) == 0 {
		return
	}
	if opts.Trust == nil {
		for _, rel := range opts.Plan.Trust {
			report.Trust = append(report.Trust, TrustOutcome{
				Relationship: rel,
				ErrorClass:   trust.ClassTransient,
				Error:        "no trust validator configured",
			})
		}
		return
	}
	rels, errs := opts.Trust.VerifyAll(ctx, opts.Plan.Trust)
	for i, rel := range rels {
		outcome := TrustOutcome{Relationship: rel}
		if errs[i] != nil {
			outcome.Error = errs[i].Error()
			if verr, isVerr := errs[i].(*trust.VerifyError); isVerr {
				outcome.ErrorClass = verr.Class
			} else {
				outcome.ErrorClass = trust.ClassTransient
			}
			rs.emit(ctx, Event{Type: TrustFailed, Message: rel.RoleARN(),
				Error: &RunError{Class: outcome.ErrorClass, Message: outcome.Error}})
		} else {
			rs.emit(ctx, Event{Type: TrustVerified, Message: rel.RoleARN()})
		}
		report.Trust = append(report.Trust, outcome)
	}
}

func runWaves(ctx context.Context, opts Options, rs *runState, concurrency, maxAttempts int) {
	p := opts.Plan
	for _, wave := range p.Waves {
		if ctx.Err() != nil {
			break
		}
		var runnable []string
		for _, name := range wave {
			if rs.status(name) == plan.StatusPending {
				runnable = append(runnable, name)
			}
		}
		if len(runnable) == 0 {
			continue
		}
		limit := int64(concurrency)
		if int64(len(runnable)) < limit {
			limit = int64(len(runnable))
		}
		sem := semaphore.NewWeighted(limit)
		var wg sync.WaitGroup
		for _, name := range runnable {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				defer sem.Release(1)
				deployNode(ctx, opts, rs, p.ByName[name], maxAttempts)
			}(name)
		}
		wg.Wait()
	}
	// Anything never reached stays pending until here; a cancelled run leaves
	// untouched stacks skipped so the report has a terminal status for each.
	if ctx.Err() != nil {
		for _, name := range p.Order {
			if !rs.status(name).Terminal() && rs.status(name) != plan.StatusDeploying {
				rs.setStatus(name, plan.StatusSkipped)
			}
		}
	}
}

func deployNode(ctx context.Context, opts Options, rs *runState, stack *plan.Stack, maxAttempts int) {
	rs.setStatus(stack.Name, plan.StatusDeploying)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rs.mu.Lock()
		rs.attempts[stack.Name] = attempt
		rs.mu.Unlock()
		rs.emit(ctx, Event{Type: StackDeploying, Stack: stack.Name, Attempt: attempt})

		res, err := opts.Deployer.Deploy(ctx, stack)
		if err == nil {
			rs.mu.Lock()
			rs.statuses[stack.Name] = plan.StatusDeployed
			rs.outputs[stack.Name] = res.Outputs
			rs.mu.Unlock()
			msg := "deployed"
			if !res.Changed {
				msg = "already current"
			}
			rs.emit(ctx, Event{Type: StackDeployed, Stack: stack.Name, Attempt: attempt, Message: msg})
			return
		}

		class := classifyError(err)
		if isRetryableClass(class) && attempt < maxAttempts && ctx.Err() == nil {
			delay := retryBackoff(attempt)
			rs.emit(ctx, Event{Type: RetryScheduled, Stack: stack.Name, Attempt: attempt,
				Message: fmt.Sprintf("retrying in %s", delay.Round(time.Millisecond)),
				Error:   &RunError{Class: class, Message: err.Error()}})
			select {
			case <-ctx.Done():
				// Cancellation between attempts: the stack keeps its last
				// attempt's failure, nothing new is started.
			case <-time.After(delay):
				continue
			}
		}
		markFailed(ctx, opts, rs, stack.Name, attempt, class, err)
		return
	}
}

func markFailed(ctx context.Context, opts Options, rs *runState, name string, attempt int, class string, err error) {
	rs.mu.Lock()
	rs.statuses[name] = plan.StatusFailed
	rs.errs[name] = err
	rs.mu.Unlock()
	rs.emit(ctx, Event{Type: StackFailed, Stack: name, Attempt: attempt,
		Error: &RunError{Class: class, Message: err.Error()}})

	// A failed stack blocks its transitive dependents; siblings keep going.
	for _, dep := range opts.Plan.DependentsOf(name) {
		rs.mu.Lock()
		already := rs.statuses[dep].Terminal()
		if !already {
			rs.statuses[dep] = plan.StatusSkipped
		}
		rs.mu.Unlock()
		if !already {
			rs.emit(ctx, Event{Type: StackSkipped, Stack: dep,
				Message: fmt.Sprintf("dependency %s failed", name)})
		}
	}
}

func runSecretsPhase(ctx context.Context, opts Options, rs *runState, report *Report, maxAttempts int) {
	if len(opts.Plan.Secrets) == 0 {
		return
	}
	prov := secrets.NewProvisioner(opts.SecretStore, opts.Logger)
	for _, binding := range opts.Plan.Secrets {
		outcome := BindingOutcome{SecretID: binding.SecretID, SourceStack: binding.SourceStack}
		if rs.status(binding.SourceStack) != plan.StatusDeployed {
			outcome.Skipped = true
			report.Bindings = append(report.Bindings, outcome)
			continue
		}
		rs.mu.Lock()
		outputs := rs.outputs[binding.SourceStack]
		rs.mu.Unlock()

		res, err := provisionWithRetry(ctx, prov, binding, outputs, maxAttempts)
		if err != nil {
			outcome.ErrorClass = classifyError(err)
			outcome.Error = err.Error()
			rs.emit(ctx, Event{Type: SecretFailed, Stack: binding.SourceStack, Message: binding.SecretID,
				Error: &RunError{Class: outcome.ErrorClass, Message: err.Error()}})
		} else {
			outcome.Outcome = res
			rs.emit(ctx, Event{Type: SecretProvisioned, Stack: binding.SourceStack,
				Message: fmt.Sprintf("%s (%s)", binding.SecretID, res)})
		}
		report.Bindings = append(report.Bindings, outcome)
	}
}

func provisionWithRetry(ctx context.Context, prov *secrets.Provisioner, binding secrets.Binding, outputs map[string]string, maxAttempts int) (secrets.Outcome, error) {
	for attempt := 1; ; attempt++ {
		res, err := prov.Provision(ctx, binding, outputs)
		if err == nil {
			return res, nil
		}
		if attempt >= maxAttempts || !isRetryableClass(classifyError(err)) || ctx.Err() != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", err
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

func runProbePhase(ctx context.Context, opts Options, rs *runState, report *Report) {
	if len(opts.Plan.Probes) == 0 || opts.Probes == nil {
		return
	}
	results := opts.Probes.RunAll(ctx, opts.Plan.Probes)
	for _, res := range results {
		rs.emit(ctx, Event{Type: ProbeCompleted,
			Message: fmt.Sprintf("%s: %s", res.Spec.Name, res.Outcome)})
	}
	report.Probes = results
}

func finishReport(p *plan.Plan, rs *runState, report *Report, cancelled bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	allDeployed := true
	for _, name := range p.Order {
		stack := p.ByName[name]
		st := rs.statuses[name]
		if !st.Terminal() {
			st = plan.StatusSkipped
		}
		if st != plan.StatusDeployed {
			allDeployed = false
		}
		outcome := StackOutcome{
			Name:       name,
			RemoteName: stack.RemoteName,
			Status:     st,
			Attempts:   rs.attempts[name],
		}
		if err := rs.errs[name]; err != nil {
			outcome.ErrorClass = classifyError(err)
			outcome.Error = err.Error()
		}
		report.Stacks = append(report.Stacks, outcome)
	}

	report.FinishedAt = time.Now().UTC()
	switch {
	case cancelled:
		report.Status = RunCancelled
	case !allDeployed:
		report.Status = RunFailed
	default:
		report.Status = RunSucceeded
		for _, t := range report.Trust {
			if !t.Relationship.Verified {
				report.Status = RunFailed
			}
		}
		for _, pr := range report.Probes {
			if pr.Outcome == probe.OutcomeFail {
				report.Status = RunFailed
			}
		}
	}
}
