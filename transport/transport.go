package transport

// Transport carries NETCONF messages between a netconf.Session and a device.
// It is message oriented: framing (RFC6242 end-of-message or chunked) is
// handled below this interface and callers only ever see complete messages.
type Transport interface {
	// ReadMsg blocks until a complete inbound message has been received and
	// returns its payload with all framing removed.
	ReadMsg() ([]byte, error)

	// WriteMsg frames and writes a complete message, flushing it to the
	// underlying stream.
	WriteMsg(p []byte) error

	Close() error
}

// Stderrer is implemented by transports that capture out-of-band diagnostic
// output (e.g. the stderr stream of an SSH channel).  Sessions check for it
// with a type assertion when reporting failures.
type Stderrer interface {
	Stderr() []byte
}
