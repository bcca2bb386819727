package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/netpilot-io/netconf/transport"
)

var ErrClosed = errors.New("closed connection")

const (
	// DefaultConnectTimeout bounds the TCP connect and the hello exchange.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultCommandTimeout bounds each rpc exchange after the hello.
	DefaultCommandTimeout = 30 * time.Second
)

// SessionState tracks where a session is in its life.  Broken is absorbing:
// it is entered from any non-closed state on a fatal transport, framing or
// timeout error and the only way out is building a new session.
type SessionState int

const (
	StateNew SessionState = iota
	StateConnecting
	StateHello
	StateReady
	StateClosing
	StateClosed
	StateBroken
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateHello:
		return "hello"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return "invalid"
	}
}

type sessionConfig struct {
	clientCaps     []string
	connectTimeout time.Duration
	commandTimeout time.Duration
}

type SessionOption interface {
	apply(*sessionConfig)
}

type capabilityOpt []string

func (o capabilityOpt) apply(cfg *sessionConfig) {
	caps := []string(o)

	// base:1.0 is mandatory and base:1.1 is the default advertisement; put
	// them back if the caller's list omits them.
	for _, base := range []string{CapBase11, CapBase10} {
		if !slices.Contains(caps, base) {
			caps = append([]string{base}, caps...)
		}
	}
	cfg.clientCaps = caps
}

// WithCapability replaces the default capability advertisement.  The base
// capabilities are always injected if absent.
func WithCapability(capabilities ...string) SessionOption {
	return capabilityOpt(capabilities)
}

type connectTimeoutOpt time.Duration

func (o connectTimeoutOpt) apply(cfg *sessionConfig) {
	cfg.connectTimeout = time.Duration(o)
}

// WithConnectTimeout bounds how long the hello exchange may take.
func WithConnectTimeout(d time.Duration) SessionOption {
	return connectTimeoutOpt(d)
}

type commandTimeoutOpt time.Duration

func (o commandTimeoutOpt) apply(cfg *sessionConfig) {
	cfg.commandTimeout = time.Duration(o)
}

// WithCommandTimeout bounds each rpc call.  A reply that doesn't arrive in
// time leaves the stream mid-frame, so expiry breaks the session.
func WithCommandTimeout(d time.Duration) SessionOption {
	return commandTimeoutOpt(d)
}

// Session represents a netconf session to one given device.  All rpc calls
// on a session are serialized: a second caller blocks until the first
// exchange completes, which is what makes message-id correlation sound.
type Session struct {
	tr    transport.Transport
	cfg   sessionConfig
	trace *ClientTrace

	sessionID  uint64
	clientCaps CapabilitySet
	serverCaps CapabilitySet
	chunked    bool

	// mu guards state, seq and the write→read exchange pair.
	mu    sync.Mutex
	state SessionState
	seq   uint64
}

func newSession(tr transport.Transport, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		clientCaps:     DefaultCapabilities,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
	}

	for _, opt := range opts {
		opt.apply(&cfg)
	}

	return &Session{
		tr:         tr,
		cfg:        cfg,
		clientCaps: NewCapabilitySet(cfg.clientCaps...),
		state:      StateNew,
	}
}

// Open creates a new Session over the given transport and performs the hello
// exchange.  On failure the transport is closed.
func Open(ctx context.Context, tr transport.Transport, opts ...SessionOption) (*Session, error) {
	s := newSession(tr, opts...)
	s.trace = ContextClientTrace(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnecting
	if err := s.handshake(ctx); err != nil {
		s.breakSession(err)
		return nil, err
	}

	s.state = StateReady
	return s, nil
}

// handshake exchanges hello messages and negotiates the framing mode.  Both
// hellos always travel in end-of-message framing: the server's hello has not
// been read yet, so the base version is still unknown.
func (s *Session) handshake(ctx context.Context) error {
	s.state = StateHello

	clientMsg := HelloMsg{
		Capabilities: slices.Collect(s.clientCaps.All()),
	}
	payload, err := xml.Marshal(&clientMsg)
	if err != nil {
		return &Error{Kind: ErrKindHandshake, Op: "hello", Err: err}
	}

	raw, err := s.exchange(ctx, payload, s.cfg.connectTimeout)
	if err != nil {
		// framing and timeout errors keep their own kind
		var serr *Error
		if errors.As(err, &serr) {
			return err
		}
		return &Error{Kind: ErrKindHandshake, Op: "hello", Err: err}
	}

	var serverMsg HelloMsg
	if err := xml.Unmarshal(raw, &serverMsg); err != nil {
		return &Error{Kind: ErrKindHandshake, Op: "hello",
			Err: fmt.Errorf("failed to parse server hello: %w", err)}
	}

	if serverMsg.SessionID == 0 {
		return &Error{Kind: ErrKindHandshake, Op: "hello",
			Err: errors.New("server did not return a session-id")}
	}

	if len(serverMsg.Capabilities) == 0 {
		return &Error{Kind: ErrKindHandshake, Op: "hello",
			Err: errors.New("server did not return any capabilities")}
	}

	s.serverCaps = NewCapabilitySet(serverMsg.Capabilities...)
	s.sessionID = serverMsg.SessionID

	// chunked framing iff both sides advertised base:1.1.  The mode is set
	// exactly once; it never changes again for the life of the session.
	if s.serverCaps.Has(CapBase11) && s.clientCaps.Has(CapBase11) {
		if upgrader, ok := s.tr.(interface{ Upgrade() }); ok {
			upgrader.Upgrade()
			s.chunked = true
		}
	}

	s.trace.HelloDone(&serverMsg, s.chunked)
	return nil
}

// SessionID returns the session ID allocated by the server in its hello
// message.
func (s *Session) SessionID() uint64 {
	return s.sessionID
}

// ClientCaps will return the capabilities initialized with the session.
func (s *Session) ClientCaps() *CapabilitySet {
	return &s.clientCaps
}

// ServerCaps will return the capabilities returned by the server in
// it's hello message.
func (s *Session) ServerCaps() *CapabilitySet {
	return &s.serverCaps
}

// Chunked reports whether the session negotiated base:1.1 chunked framing.
func (s *Session) Chunked() bool {
	return s.chunked
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stderr returns any diagnostic output the transport captured on its stderr
// stream, if it has one.
func (s *Session) Stderr() []byte {
	if st, ok := s.tr.(transport.Stderrer); ok {
		return st.Stderr()
	}
	return nil
}

type exchangeResult struct {
	data []byte
	err  error
}

// exchange performs one framed write→read pair bounded by timeout and the
// context.  On expiry the transport is left mid-frame and unusable; callers
// must break the session.  Callers hold s.mu.
func (s *Session) exchange(ctx context.Context, msg []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan exchangeResult, 1)
	go func() {
		if err := s.tr.WriteMsg(msg); err != nil {
			ch <- exchangeResult{err: err}
			return
		}
		data, err := s.tr.ReadMsg()
		ch <- exchangeResult{data: data, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, s.mapTransportErr(res.err)
		}
		return res.data, nil
	case <-expired:
		return nil, &Error{Kind: ErrKindTimeout, Op: "rpc", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		// external cancellation also leaves the stream indeterminate
		return nil, &Error{Kind: ErrKindTimeout, Op: "rpc", Err: ctx.Err()}
	}
}

func (s *Session) mapTransportErr(err error) error {
	if errors.Is(err, transport.ErrMalformedChunk) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: ErrKindFraming, Op: "rpc", Err: err}
	}
	return err
}

// breakSession transitions to the absorbing broken state and tears down the
// transport.  The stream position is indeterminate; no recovery is
// attempted.  Callers hold s.mu.
func (s *Session) breakSession(cause error) {
	if s.state == StateClosed || s.state == StateBroken {
		return
	}
	s.state = StateBroken
	_ = s.tr.Close()
	if s.trace != nil {
		s.trace.SessionClosed(cause, s.Stderr())
	}
}

// buildRPC normalizes the request forms accepted by Do into an <rpc>
// envelope:
//
//   - a typed operation struct (anything marshalable) becomes the rpc body
//   - a string or []byte holding a payload element is passed through
//   - a string or []byte holding a full <rpc> document keeps its body and
//     extra attributes; its message-id is discarded
//   - a bare operation name (no angle brackets) becomes an empty element,
//     e.g. "get-chassis-inventory" -> <get-chassis-inventory/>
func buildRPC(req any) (*RPC, error) {
	switch v := req.(type) {
	case *RPC:
		return v, nil
	case RPC:
		return &v, nil
	case string:
		return buildRawRPC([]byte(v))
	case []byte:
		return buildRawRPC(v)
	default:
		return &RPC{Operation: req}, nil
	}
}

func buildRawRPC(doc []byte) (*RPC, error) {
	trimmed := strings.TrimSpace(string(doc))
	if trimmed == "" {
		return nil, errors.New("netconf: empty request")
	}

	if !strings.Contains(trimmed, "<") {
		// named operation
		return &RPC{Operation: RawXML("<" + trimmed + "/>")}, nil
	}

	root, err := rootElement([]byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("netconf: invalid request document: %w", err)
	}

	if root.Name.Local != "rpc" {
		return &RPC{Operation: RawXML(trimmed)}, nil
	}

	// caller supplied a full <rpc>; unwrap it so the session controls the
	// envelope and the message-id
	var wrapper struct {
		Attrs []xml.Attr `xml:",any,attr"`
		Inner RawXML     `xml:",innerxml"`
	}
	if err := xml.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return nil, fmt.Errorf("netconf: invalid rpc document: %w", err)
	}

	rpc := &RPC{Operation: wrapper.Inner}
	for _, attr := range wrapper.Attrs {
		if attr.Name.Local == "message-id" || attr.Name.Local == "xmlns" && attr.Name.Space == "" {
			continue
		}
		rpc.Attributes = append(rpc.Attributes, attr)
	}
	return rpc, nil
}

// rootElement returns the first start element of an XML document.
func rootElement(doc []byte) (*xml.StartElement, error) {
	d := xml.NewDecoder(strings.NewReader(string(doc)))
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return &start, nil
		}
	}
}

// Do issues one rpc and returns the raw rpc-reply document.  The reply's
// message-id is verified against the request; on mismatch the session is
// broken, because a stray reply means request/reply pairing has been lost.
func (s *Session) Do(ctx context.Context, req any) ([]byte, error) {
	rpc, err := buildRPC(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.do(ctx, rpc)
}

// do performs one serialized exchange.  Callers hold s.mu.
func (s *Session) do(ctx context.Context, rpc *RPC) ([]byte, error) {
	if s.state != StateReady && s.state != StateClosing {
		return nil, &Error{Kind: ErrKindClosed, Op: "rpc", Err: ErrClosed}
	}

	s.seq++
	msgID := strconv.FormatUint(s.seq, 10)
	rpc.MessageID = msgID

	payload, err := xml.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	s.trace.ExecuteStart(msgID)
	begin := time.Now()

	raw, err := s.exchange(ctx, payload, s.cfg.commandTimeout)
	if err != nil {
		s.breakSession(err)
		s.trace.ExecuteDone(msgID, err, time.Since(begin))
		return nil, err
	}

	var reply RPCReply
	if err := xml.Unmarshal(raw, &reply); err != nil {
		err = &Error{Kind: ErrKindProtocol, Op: "rpc",
			Err: fmt.Errorf("failed to parse rpc-reply: %w", err)}
		s.breakSession(err)
		s.trace.ExecuteDone(msgID, err, time.Since(begin))
		return nil, err
	}

	if reply.MessageID != msgID {
		err = &Error{Kind: ErrKindProtocol, Op: "rpc",
			Err: fmt.Errorf("reply message-id %q does not match request %q", reply.MessageID, msgID)}
		s.breakSession(err)
		s.trace.ExecuteDone(msgID, err, time.Since(begin))
		return nil, err
	}

	s.trace.ExecuteDone(msgID, nil, time.Since(begin))
	return raw, nil
}

// Exec issues an rpc with `op` as the body and decodes the reply into a
// pointer at `reply`, which must map the full <rpc-reply> structure.  Any
// rpc-error of severity error in the reply is returned as an ErrKindRPC
// error; such errors are per-call and leave the session usable.
func (s *Session) Exec(ctx context.Context, op any, reply any) error {
	raw, err := s.Do(ctx, op)
	if err != nil {
		return err
	}

	rpcReply, err := ParseReply(raw)
	if err != nil {
		return &Error{Kind: ErrKindProtocol, Op: "rpc", Err: err}
	}

	// Errors nested inside load-configuration-results are not filtered
	// here; the load-configuration operation owns that policy.
	if rpcErrors := rpcReply.Errors.Filter(SevError); len(rpcErrors) > 0 {
		return &Error{Kind: ErrKindRPC, Op: "rpc", Err: rpcErrors}
	}

	if reply != nil {
		if err := xml.Unmarshal(raw, reply); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// Close gracefully closes the session, first by sending a best-effort
// `close-session` operation to the remote and then closing the underlying
// transport.  Close is idempotent; a closed session cannot be reopened.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StateBroken:
		// transport already torn down when the session broke
		s.state = StateClosed
		return nil
	}

	s.state = StateClosing

	type closeSession struct {
		XMLName xml.Name `xml:"close-session"`
	}

	// This may fail so ignore the error and still close the underlying
	// transport.
	_, _ = s.do(ctx, &RPC{Operation: &closeSession{}})

	if s.state == StateBroken {
		// do already tore down the transport and reported the close
		s.state = StateClosed
		return nil
	}

	err := s.tr.Close()
	if err != nil &&
		(errors.Is(err, net.ErrClosed) ||
			errors.Is(err, io.EOF) ||
			errors.Is(err, syscall.EPIPE)) {
		// the remote side hung up first
		err = nil
	}

	s.state = StateClosed
	s.trace.SessionClosed(err, s.Stderr())
	return err
}
