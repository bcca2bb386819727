package transport

import (
	"io"
	"sync"
)

// TestTransport is an in-memory Transport for tests.  Reads pop canned
// messages queued with AddResponse or AddError; writes are recorded in Sent.
// It is safe for concurrent use.
type TestTransport struct {
	mu    sync.Mutex
	queue []queued

	// Sent holds every message written, in order.
	Sent [][]byte

	// WriteErr, when set, fails every WriteMsg.
	WriteErr error

	// StderrData is returned by Stderr, mimicking a transport that captures
	// diagnostic output.
	StderrData []byte

	Upgraded bool
	Closed   bool
}

type queued struct {
	msg []byte
	err error
}

var _ Transport = (*TestTransport)(nil)
var _ Stderrer = (*TestTransport)(nil)

// AddResponse queues a message to be returned by a future ReadMsg.
func (t *TestTransport) AddResponse(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, queued{msg: []byte(msg)})
}

// AddError queues an error to be returned by a future ReadMsg.
func (t *TestTransport) AddError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, queued{err: err})
}

func (t *TestTransport) ReadMsg() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return nil, io.EOF
	}
	if len(t.queue) == 0 {
		return nil, io.ErrUnexpectedEOF
	}

	next := t.queue[0]
	t.queue = t.queue[1:]
	return next.msg, next.err
}

func (t *TestTransport) WriteMsg(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return io.ErrClosedPipe
	}
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.Sent = append(t.Sent, append([]byte(nil), p...))
	return nil
}

func (t *TestTransport) Upgrade() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Upgraded = true
}

func (t *TestTransport) Stderr() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.StderrData
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// LastSent returns the most recently written message, or nil.
func (t *TestTransport) LastSent() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Sent) == 0 {
		return nil
	}
	return t.Sent[len(t.Sent)-1]
}
