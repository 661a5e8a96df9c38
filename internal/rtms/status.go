package rtms

import "fmt"

// Status is the runtime interface result and event code space.
type Status int32

const (
	StatusOK Status = 0

	// StatusEventActionComplete is returned by an event handler's done
	// callback to tell the dispatch chain no further handler needs to run.
	StatusEventActionComplete Status = 1

	ErrStatusGeneral      Status = -1
	ErrStatusBadParam     Status = -2
	ErrStatusNotFound     Status = -3
	ErrStatusUnreachable  Status = -4
	ErrStatusNotSupported Status = -5
	ErrStatusTimeout      Status = -6
	ErrStatusInit         Status = -7
	ErrStatusSpawn        Status = -8

	// EventJobTerminated is the event code meaning the watched job ended.
	EventJobTerminated Status = -145
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEventActionComplete:
		return "event_action_complete"
	case ErrStatusGeneral:
		return "general_error"
	case ErrStatusBadParam:
		return "bad_param"
	case ErrStatusNotFound:
		return "not_found"
	case ErrStatusUnreachable:
		return "unreachable"
	case ErrStatusNotSupported:
		return "not_supported"
	case ErrStatusTimeout:
		return "timeout"
	case ErrStatusInit:
		return "init_failed"
	case ErrStatusSpawn:
		return "spawn_failed"
	case EventJobTerminated:
		return "job_terminated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ExitCode maps a status onto a process exit code: success is zero, every
// error status is its negated code so calling shell scripts can branch on it.
func (s Status) ExitCode() int {
	if s >= 0 {
		return 0
	}
	return int(-s)
}
