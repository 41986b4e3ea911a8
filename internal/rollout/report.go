// File: internal/rollout/report.go
// Brief: Run report aggregation, exit codes, and remediation hints.

package rollout

import (
	"fmt"
	"time"

	"github.com/example/rollctl/internal/plan"
	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/secrets"
	"github.com/example/rollctl/internal/trust"
)

// Run-level terminal statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// StackOutcome is the terminal record for one stack of a run.
type StackOutcome struct {
	Name       string      `json:"name"`
	RemoteName string      `json:"remoteName"`
	Status     plan.Status `json:"status"`
	Attempts   int         `json:"attempts"`
	ErrorClass string      `json:"errorClass,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// BindingOutcome records one secret binding execution.
type BindingOutcome struct {
	SecretID    string          `json:"secretId"`
	SourceStack string          `json:"sourceStack"`
	Outcome     secrets.Outcome `json:"outcome,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
	ErrorClass  string          `json:"errorClass,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TrustOutcome records one trust relationship verification.
type TrustOutcome struct {
	Relationship trust.Relationship `json:"relationship"`
	ErrorClass   string             `json:"errorClass,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Report aggregates every outcome of one run. It is owned by that run and
// rendered once; re-runs produce fresh reports.
type Report struct {
	RunID       string    `json:"runId"`
	PlanName    string    `json:"planName,omitempty"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`

	Stacks   []StackOutcome   `json:"stacks"`
	Bindings []BindingOutcome `json:"bindings,omitempty"`
	Trust    []TrustOutcome   `json:"trust,omitempty"`
	Probes   []probe.Result   `json:"probes,omitempty"`
}

// ExitCode maps the report to the process exit status: 0 only when every
// reachable stack deployed, every trust relationship verified, and no probe
// failed. Probe warnings are surfaced but do not fail the run.
func (r *Report) ExitCode() int {
	if r.Status == RunCancelled {
		return 1
	}
	for _, s := range r.Stacks {
		if s.Status != plan.StatusDeployed {
			return 1
		}
	}
	for _, t := range r.Trust {
		if !t.Relationship.Verified {
			return 1
		}
	}
	for _, p := range r.Probes {
		if p.Outcome == probe.OutcomeFail {
			return 1
		}
	}
	return 0
}

// Hints returns one remediation hint per failure category present in the
// report, mapped from the error classification rather than generic text.
func (r *Report) Hints() []string {
	var hints []string
	add := func(seen map[string]struct{}, key, hint string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		hints = append(hints, hint)
	}
	seen := map[string]struct{}{}
	for _, s := range r.Stacks {
		switch s.ErrorClass {
		case classStructural:
			add(seen, classStructural, fmt.Sprintf("stack %s failed structurally: fix the template or deployment permissions and re-run; retries will not help", s.Name))
		case classRateLimit, classTimeout, classTransport, classUnavailable, classServer5xx:
			add(seen, "TRANSIENT", fmt.Sprintf("stack %s exhausted its retry budget on transient errors: re-run, or lower --concurrency to ease provider rate limits", s.Name))
		}
		if s.Status == plan.StatusSkipped {
			add(seen, "SKIPPED", "skipped stacks were blocked by a failed dependency: fix the failed stack and re-run; already-deployed stacks are no-ops")
		}
	}
	for _, b := range r.Bindings {
		switch b.ErrorClass {
		case classBindingData:
			add(seen, classBindingData, fmt.Sprintf("secret %s: source stack %s produced no such output; check the stack's output declarations", b.SecretID, b.SourceStack))
		case "":
		default:
			add(seen, "STORE", fmt.Sprintf("secret %s could not be written: verify the secret store is reachable and re-run", b.SecretID))
		}
	}
	for _, t := range r.Trust {
		switch t.ErrorClass {
		case trust.ClassRoleNotFound:
			add(seen, trust.ClassRoleNotFound, fmt.Sprintf("role %s does not exist in the target account: provision it out-of-band before deploying", t.Relationship.RoleARN()))
		case trust.ClassTrustPolicyMismatch:
			add(seen, trust.ClassTrustPolicyMismatch, fmt.Sprintf("role %s denies this caller/external-id combination: update its trust policy to allow the deploying principal with the declared external id", t.Relationship.RoleARN()))
		case trust.ClassTransient:
			add(seen, trust.ClassTransient, "trust verification was throttled or unreachable: re-run verify-trust")
		}
	}
	for _, p := range r.Probes {
		switch p.Outcome {
		case probe.OutcomeFail:
			add(seen, "PROBE_FAIL", fmt.Sprintf("probe %s failed (%s): check the target's logs and configuration", p.Spec.Name, p.Detail))
		case probe.OutcomeWarn:
			add(seen, "PROBE_WARN", fmt.Sprintf("probe %s answered openly although authentication was expected: the endpoint is less protected than intended", p.Spec.Name))
		}
	}
	return hints
}
