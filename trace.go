package netconf

import (
	"context"
	"log"
	"time"

	"github.com/imdario/mergo"
)

// unique type to prevent assignment.
type clientEventContextKey struct{}

// ContextClientTrace returns the ClientTrace associated with the provided
// context.  If none is attached the no-op hooks are returned, so callers can
// invoke hooks unconditionally.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	trace, _ := ctx.Value(clientEventContextKey{}).(*ClientTrace)
	if trace == nil {
		trace = NoOpLoggingHooks
	} else {
		// fill any unset hooks with no-ops
		_ = mergo.Merge(trace, NoOpLoggingHooks)
	}
	return trace
}

// WithClientTrace returns a new context based on the provided parent ctx.
// Sessions and transports created with the returned context will use the
// provided trace hooks.
func WithClientTrace(ctx context.Context, trace *ClientTrace) context.Context {
	return context.WithValue(ctx, clientEventContextKey{}, trace)
}

// ClientTrace defines hooks invoked at points in a session's life, in the
// manner of net/http/httptrace.  All hooks are optional.
type ClientTrace struct {
	// ConnectStart is called when starting to establish a transport
	// connection to target (host:port).
	ConnectStart func(target string)

	// ConnectDone is called when the transport connection attempt completes,
	// with err indicating whether it was successful.
	ConnectDone func(target string, err error, d time.Duration)

	// HelloDone is called when the hello exchange completes.  chunked
	// reports whether the session negotiated base:1.1 chunked framing.
	HelloDone func(msg *HelloMsg, chunked bool)

	// ExecuteStart is called before an rpc is written to the transport.
	ExecuteStart func(messageID string)

	// ExecuteDone is called once the rpc's reply has been read (or the call
	// failed).
	ExecuteDone func(messageID string, err error, d time.Duration)

	// Error is called after an error condition has been detected.
	Error func(context string, err error)

	// SessionClosed is called when the session reaches the closed or broken
	// state.  stderr holds any diagnostic output captured from the
	// transport.
	SessionClosed func(err error, stderr []byte)
}

// DefaultLoggingHooks provides a default logging hook to report errors.
var DefaultLoggingHooks = &ClientTrace{
	Error: func(context string, err error) {
		log.Printf("netconf: error context:%s err:%v", context, err)
	},
}

// DiagnosticLoggingHooks provides a set of hooks that log session activity.
var DiagnosticLoggingHooks = &ClientTrace{
	ConnectStart: func(target string) {
		log.Printf("netconf: connect start target:%s", target)
	},
	ConnectDone: func(target string, err error, d time.Duration) {
		log.Printf("netconf: connect done target:%s err:%v took:%dms", target, err, d.Milliseconds())
	},
	HelloDone: func(msg *HelloMsg, chunked bool) {
		log.Printf("netconf: hello done session-id:%d chunked:%v", msg.SessionID, chunked)
	},
	ExecuteStart: func(messageID string) {
		log.Printf("netconf: execute start message-id:%s", messageID)
	},
	ExecuteDone: func(messageID string, err error, d time.Duration) {
		log.Printf("netconf: execute done message-id:%s err:%v took:%dms", messageID, err, d.Milliseconds())
	},
	Error: DefaultLoggingHooks.Error,
	SessionClosed: func(err error, stderr []byte) {
		log.Printf("netconf: session closed err:%v stderr:%q", err, stderr)
	},
}

// NoOpLoggingHooks provides a set of hooks that do nothing.
var NoOpLoggingHooks = &ClientTrace{
	ConnectStart:  func(target string) {},
	ConnectDone:   func(target string, err error, d time.Duration) {},
	HelloDone:     func(msg *HelloMsg, chunked bool) {},
	ExecuteStart:  func(messageID string) {},
	ExecuteDone:   func(messageID string, err error, d time.Duration) {},
	Error:         func(context string, err error) {},
	SessionClosed: func(err error, stderr []byte) {},
}
