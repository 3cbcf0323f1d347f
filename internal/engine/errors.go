package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds, generalized from the teacher's
// internal/dag.ErrInvalidGraph/ErrCycleFound pair into the engine's full
// error taxonomy.
var (
	ErrTaskFailure   = errors.New("engine: task body returned an error")
	ErrCycle         = errors.New("engine: cycle detected")
	ErrCancelled     = errors.New("engine: task was cancelled")
	ErrInvariant     = errors.New("engine: internal invariant violated")
	ErrUnknownHandle = errors.New("engine: unknown task handle")
)

// EngineError wraps one of the sentinel kinds above with the node/task
// context that produced it, mirroring the teacher's GraphError
// kind-plus-message wrapping (internal/dag/errors.go).
type EngineError struct {
	Kind error
	Msg  string
}

func (e *EngineError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *EngineError) Unwrap() error { return e.Kind }

func taskFailure(fn string, cause error) error {
	return &EngineError{Kind: ErrTaskFailure, Msg: fmt.Sprintf("fn=%s: %v", fn, cause)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + joinPath(path)
	}
	return &EngineError{Kind: ErrCycle, Msg: msg}
}

func joinPath(path []string) string {
	out := path[0]
	for _, p := range path[1:] {
		out += " -> " + p
	}
	return out
}

// invariantViolation wraps with a stack trace via pkg/errors, since
// invariant violations are bugs in the engine itself rather than in a
// task body, and are worth a full stack when logged.
func invariantViolation(format string, args ...any) error {
	return errors.WithStack(&EngineError{Kind: ErrInvariant, Msg: fmt.Sprintf(format, args...)})
}
