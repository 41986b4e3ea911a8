package deployer

import (
	"context"
	"fmt"

	"github.com/example/rollctl/internal/plan"
)

// Result is the live output of one stack deploy. Output values are captured
// here rather than re-queried later, to avoid racing the provider's
// eventually consistent metadata.
type Result struct {
	StackID string
	Outputs map[string]string
	// Changed is false when the provider reported nothing to do, which is
	// how re-runs over an already-deployed plan stay idempotent.
	Changed bool
}

// Interface is the narrow contract the orchestrator deploys through. The
// orchestrator performs no cloud mutations itself.
type Interface interface {
	Deploy(ctx context.Context, stack *plan.Stack) (Result, error)
}

// StructuralError marks a deploy failure that retrying cannot fix: invalid
// template, denied permission, broken resource definition. It fails the
// stack (and its dependents) immediately.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return fmt.Sprintf("structural deploy error: %v", e.Err) }
func (e *StructuralError) Unwrap() error { return e.Err }

func structural(format string, args ...any) error {
	return &StructuralError{Err: fmt.Errorf(format, args...)}
}
