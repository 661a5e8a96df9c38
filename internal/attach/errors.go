package attach

import (
	"errors"
	"fmt"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

var (
	ErrInitFailure        = errors.New("attach: runtime init failed")
	ErrMalformedResponse  = errors.New("attach: malformed query response")
	ErrSpawnFailed        = errors.New("attach: daemon spawn failed")
	ErrRegistrationFailed = errors.New("attach: handler registration failed")
	ErrProtocolViolation  = errors.New("attach: protocol violation")
)

// StatusError carries the runtime status that failed an operation so the
// process exit code can propagate it.
type StatusError struct {
	Op     string
	Status rtms.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Op, e.Status)
}

func statusErr(sentinel error, op string, st rtms.Status) error {
	return fmt.Errorf("%w: %w", sentinel, &StatusError{Op: op, Status: st})
}

// InitError wraps a failure to reach the runtime endpoint so the process
// exits with the init status code.
func InitError(err error) error {
	return fmt.Errorf("%w: %w: %w", ErrInitFailure,
		&StatusError{Op: "runtime connection", Status: rtms.ErrStatusInit}, err)
}

// ExitCode maps an attach error onto a process exit code: the embedded
// runtime status when one exists, 1 otherwise, 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		if code := se.Status.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}
