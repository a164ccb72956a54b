// Package errs defines the structured error taxonomy shared by every core
// component (spec §7). Components return sentinel-wrapped errors; the
// Broker and HTTP layer map them with errors.Is rather than parsing strings.
package errs

import "errors"

// Kind is one of the taxonomy's fixed error kinds.
type Kind string

const (
	AuthFailed       Kind = "AUTH_FAILED"
	SessionNotFound  Kind = "SESSION_NOT_FOUND"
	PathError        Kind = "PATH_ERROR"
	WorkspaceError   Kind = "WORKSPACE_ERROR"
	PTYError         Kind = "PTY_ERROR"
	ExecutionError   Kind = "EXECUTION_ERROR"
	ExecutionTimeout Kind = "EXECUTION_TIMEOUT"
	Backpressure     Kind = "BACKPRESSURE"
	IdleTimeout      Kind = "IDLE_TIMEOUT"
	InternalError    Kind = "INTERNAL_ERROR"
)

// Sentinel errors, one per kind, matched with errors.Is after wrapping.
var (
	ErrAuthFailed       = errors.New(string(AuthFailed))
	ErrSessionNotFound  = errors.New(string(SessionNotFound))
	ErrPathError        = errors.New(string(PathError))
	ErrWorkspaceError   = errors.New(string(WorkspaceError))
	ErrPTYError         = errors.New(string(PTYError))
	ErrExecutionError   = errors.New(string(ExecutionError))
	ErrExecutionTimeout = errors.New(string(ExecutionTimeout))
	ErrBackpressure     = errors.New(string(Backpressure))
	ErrIdleTimeout      = errors.New(string(IdleTimeout))
	ErrInternalError    = errors.New(string(InternalError))
)

var sentinels = map[Kind]error{
	AuthFailed:       ErrAuthFailed,
	SessionNotFound:  ErrSessionNotFound,
	PathError:        ErrPathError,
	WorkspaceError:   ErrWorkspaceError,
	PTYError:         ErrPTYError,
	ExecutionError:   ErrExecutionError,
	ExecutionTimeout: ErrExecutionTimeout,
	Backpressure:     ErrBackpressure,
	IdleTimeout:      ErrIdleTimeout,
	InternalError:    ErrInternalError,
}

// KindOf reports which taxonomy kind err wraps, if any.
func KindOf(err error) (Kind, bool) {
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}
