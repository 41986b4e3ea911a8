package probe

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Expectation states what a healthy target should answer with.
type Expectation string

const (
	// ExpectSuccess means the target should answer 2xx.
	ExpectSuccess Expectation = "success"
	// ExpectAuthRequired means the target should reject anonymous calls.
	// Receiving the rejection is the success signal.
	ExpectAuthRequired Expectation = "auth-required"
)

// Outcome classifies one probe execution.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	// OutcomeWarn flags an endpoint that answered openly although it was
	// expected to require authentication.
	OutcomeWarn Outcome = "warn"
)

const defaultTimeout = 10 * time.Second

// Spec declares a single post-deploy check.
type Spec struct {
	Name    string        `yaml:"name" json:"name"`
	Target  string        `yaml:"target" json:"target"`
	Expect  Expectation   `yaml:"expect,omitempty" json:"expect,omitempty"`
	Timeout time.Duration `yaml:"-" json:"timeout,omitempty"`
}

// UnmarshalYAML accepts timeout as a duration string ("10s", "1m30s").
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name    string `yaml:"name"`
		Target  string `yaml:"target"`
		Expect  string `yaml:"expect"`
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Name = strings.TrimSpace(raw.Name)
	s.Target = strings.TrimSpace(raw.Target)
	switch strings.ToLower(strings.TrimSpace(raw.Expect)) {
	case "", "success", "ok":
		s.Expect = ExpectSuccess
	case "auth-required", "auth_required", "authrequired":
		s.Expect = ExpectAuthRequired
	default:
		return fmt.Errorf("probe %q: unsupported expect %q (use success|auth-required)", s.Name, raw.Expect)
	}
	if strings.TrimSpace(raw.Timeout) == "" {
		s.Timeout = defaultTimeout
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
	if err != nil {
		return fmt.Errorf("probe %q: parse timeout: %w", s.Name, err)
	}
	s.Timeout = d
	return nil
}

// Validate checks the spec is complete enough to run.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("probe name is required")
	}
	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("probe %q: target is required", s.Name)
	}
	return nil
}

// Result is the immutable record of one probe execution.
type Result struct {
	Spec    Spec          `json:"spec"`
	Outcome Outcome       `json:"outcome"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}
