// File: internal/rollout/events.go
// Brief: Append-only run event log.

package rollout

// EventType names one step of a run's event stream.
type EventType string

const (
	RunStarted        EventType = "RUN_STARTED"
	StackDeploying    EventType = "STACK_DEPLOYING"
	StackDeployed     EventType = "STACK_DEPLOYED"
	StackFailed       EventType = "STACK_FAILED"
	StackSkipped      EventType = "STACK_SKIPPED"
	RetryScheduled    EventType = "RETRY_SCHEDULED"
	SecretProvisioned EventType = "SECRET_PROVISIONED"
	SecretFailed      EventType = "SECRET_FAILED"
	TrustVerified     EventType = "TRUST_VERIFIED"
	TrustFailed       EventType = "TRUST_FAILED"
	ProbeCompleted    EventType = "PROBE_COMPLETED"
	RunCompleted      EventType = "RUN_COMPLETED"
)

// RunError is the classified cause attached to failure events.
type RunError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Event is one immutable entry of a run's event stream.
type Event struct {
	Seq     int64     `json:"seq"`
	TS      string    `json:"ts"`
	RunID   string    `json:"runId"`
	Stack   string    `json:"stack,omitempty"`
	Type    EventType `json:"type"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   *RunError `json:"error,omitempty"`
}

// Observer receives run events as they are appended. Observers must not
// block; they run on the emitting goroutine.
type Observer interface {
	ObserveEvent(ev Event)
}
