package netconf

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a session failure.  Transport-level kinds (framing,
// handshake, timeout) are fatal to the session; RPC errors are per-call and
// leave the session usable.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota

	// ErrKindUnreachable means the TCP reachability probe failed before any
	// SSH traffic was attempted.
	ErrKindUnreachable

	// ErrKindAuth means SSH authentication failed or the host key was
	// rejected under strict checking.
	ErrKindAuth

	// ErrKindHandshake means the hello exchange failed: malformed hello,
	// missing session-id, or no hello within the connect timeout.
	ErrKindHandshake

	// ErrKindFraming means the RFC6242 framing was violated (bad chunk
	// header, EOF mid-frame).
	ErrKindFraming

	// ErrKindProtocol means the peer broke the request/reply contract, such
	// as a missing or mismatched message-id.
	ErrKindProtocol

	// ErrKindTimeout means the command timeout expired while waiting for a
	// reply.
	ErrKindTimeout

	// ErrKindRPC means the reply parsed but carried one or more rpc-errors
	// of severity error.
	ErrKindRPC

	// ErrKindClosed means the operation was attempted on a session that is
	// not ready.
	ErrKindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindUnreachable:
		return "unreachable"
	case ErrKindAuth:
		return "auth"
	case ErrKindHandshake:
		return "handshake"
	case ErrKindFraming:
		return "framing"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindRPC:
		return "rpc"
	case ErrKindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by sessions and transports.  Op names
// the operation that failed (e.g. "dial", "hello", "get-config").
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("netconf: %s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("netconf: %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, unwrapping as needed.  Errors that
// are not a *Error report ErrKindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}

// LockError is returned by lock/unlock operations when the server refuses,
// typically with the lock-denied error-tag.
type LockError struct {
	Target string
	Errs   RPCErrors
}

func (e *LockError) Error() string {
	return fmt.Sprintf("netconf: lock %s: %s", e.Target, e.Errs.Error())
}

func (e *LockError) Unwrap() error { return e.Errs }

// SessionID reports the session holding the lock, taken from the error-info
// of the lock-denied error.  Zero-value string if the server did not say.
func (e *LockError) SessionID() string {
	for _, err := range e.Errs {
		if err.Tag == ErrLockDenied && err.Info != nil {
			return err.Info.SessionID
		}
	}
	return ""
}

// CommitError is returned by commit, confirmed-commit and cancel-commit
// operations that the server rejected.
type CommitError struct {
	Errs RPCErrors
}

func (e *CommitError) Error() string {
	return "netconf: commit: " + e.Errs.Error()
}

func (e *CommitError) Unwrap() error { return e.Errs }

// LoadError is returned when a Juniper load-configuration reports per
// fragment errors of severity error in its load-configuration-results.
type LoadError struct {
	Action string
	Errs   RPCErrors
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("netconf: load-configuration action=%s: %s", e.Action, e.Errs.Error())
}

func (e *LoadError) Unwrap() error { return e.Errs }
