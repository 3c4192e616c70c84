package sshexec

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Failure Classification
// =============================================================================

// Kind is the terminal failure class of a remote operation.
type Kind string

const (
	// KindConnectFailed covers dial and transport failures before
	// authentication completed. Retryable.
	KindConnectFailed Kind = "connect-failed"

	// KindAuthFailed covers rejected credentials. Retryable, since key
	// propagation on a freshly provisioned host can lag.
	KindAuthFailed Kind = "auth-failed"

	// KindExecFailed means the remote procedure ran and returned
	// failure. Never retried within a run.
	KindExecFailed Kind = "exec-failed"
)

// Error is the failure of one remote operation against one host.
type Error struct {
	Host string
	Kind Kind
	Step string // state at failure: connecting, transferring, executing
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("host %q: %s during %s: %v", e.Host, e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is transient. Exec
// failures are not: the procedure already ran on the host.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectFailed || e.Kind == KindAuthFailed
}

// Retryable classifies any error from this package. Unknown errors are
// treated as non-retryable.
func Retryable(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Retryable()
	}
	return false
}

// classifyDial separates rejected credentials from transport failures.
// The ssh package reports auth rejection with a recognizable message
// rather than a typed error.
func classifyDial(err error) Kind {
	if err != nil && strings.Contains(err.Error(), "unable to authenticate") {
		return KindAuthFailed
	}
	return KindConnectFailed
}
