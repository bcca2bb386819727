package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformedChunk is returned when a chunk header violates the chunked
// framing rules of RFC6242 (non-digit size, zero size, or size above 2^32-1).
var ErrMalformedChunk = errors.New("netconf: invalid chunk")

const (
	// maxChunkSize is the largest chunk payload permitted by RFC6242.
	maxChunkSize = 1<<32 - 1

	// writeChunkSize caps the payload of a single emitted chunk.  Messages
	// larger than this are split across chunks; everything smaller goes out
	// as exactly one chunk.
	writeChunkSize = 1 << 20
)

var (
	endOfMsg    = []byte("]]>]]>")
	endOfChunks = []byte("\n##\n")
)

// Framer implements the two RFC6242 framing methods on top of a byte stream.
// It starts in End-of-Message framing and switches permanently to chunked
// framing once Upgrade is called, which the session does after the hello
// exchange when both peers advertise base:1.1.
//
// This is not a transport on its own (it has no Close method) and is intended
// to be embedded into transports such as the ssh one.
type Framer struct {
	br *bufio.Reader
	bw *bufio.Writer

	mu      sync.Mutex
	chunked bool
}

// NewFramer returns a Framer reading messages from r and writing them to w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		br: bufio.NewReader(r),
		bw: bufio.NewWriter(w),
	}
}

// Upgrade switches the framer from End-of-Message to chunked framing.  The
// switch is one-way; there is no path back to End-of-Message framing.
func (f *Framer) Upgrade() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunked = true
}

// ReadMsg reads one complete message off the stream and returns its payload
// with framing removed.  An EOF in the middle of a frame is reported as
// io.ErrUnexpectedEOF: the stream position is indeterminate and the
// connection cannot be reused.
func (f *Framer) ReadMsg() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chunked {
		return f.readChunked()
	}
	return f.readMarked()
}

// WriteMsg frames p, writes it and flushes the underlying writer.
func (f *Framer) WriteMsg(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chunked {
		return f.writeChunked(p)
	}
	return f.writeMarked(p)
}

// readMarked consumes bytes up to (and including) the `]]>]]>` delimiter and
// returns everything before it.
func (f *Framer) readMarked() ([]byte, error) {
	var msg bytes.Buffer
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if b == endOfMsg[0] {
			rest, err := f.br.Peek(len(endOfMsg) - 1)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, err
			}
			if bytes.Equal(rest, endOfMsg[1:]) {
				if _, err := f.br.Discard(len(endOfMsg) - 1); err != nil {
					return nil, err
				}
				return msg.Bytes(), nil
			}
		}

		msg.WriteByte(b)
	}
}

func (f *Framer) writeMarked(p []byte) error {
	if _, err := f.bw.Write(p); err != nil {
		return err
	}
	if _, err := f.bw.Write(endOfMsg); err != nil {
		return err
	}
	return f.bw.Flush()
}

// readChunked concatenates chunk payloads until the end-of-chunks marker.
func (f *Framer) readChunked() ([]byte, error) {
	var msg bytes.Buffer
	for {
		size, err := f.readChunkHeader()
		if err != nil {
			return nil, err
		}
		if size == 0 {
			// end-of-chunks marker
			return msg.Bytes(), nil
		}

		if _, err := io.CopyN(&msg, f.br, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// readChunkHeader parses either a chunk header (`\n#<size>\n`) or the
// end-of-chunks marker (`\n##\n`).  It returns the chunk payload size, with
// zero signaling end-of-chunks.
func (f *Framer) readChunkHeader() (uint64, error) {
	marker, err := f.br.Peek(3)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}

	if marker[0] != '\n' || marker[1] != '#' {
		return 0, ErrMalformedChunk
	}

	if marker[2] == '#' {
		if _, err := f.br.Discard(3); err != nil {
			return 0, err
		}
		b, err := f.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b != '\n' {
			return 0, ErrMalformedChunk
		}
		return 0, nil
	}

	if _, err := f.br.Discard(2); err != nil {
		return 0, err
	}

	line, err := f.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	digits := line[:len(line)-1]

	var size uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, ErrMalformedChunk
		}
		size = size*10 + uint64(c-'0')
		if size > maxChunkSize {
			return 0, ErrMalformedChunk
		}
	}

	// chunks must carry at least one byte of payload
	if size == 0 {
		return 0, ErrMalformedChunk
	}

	return size, nil
}

func (f *Framer) writeChunked(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > writeChunkSize {
			n = writeChunkSize
		}

		if _, err := fmt.Fprintf(f.bw, "\n#%d\n", n); err != nil {
			return err
		}
		if _, err := f.bw.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}

	if _, err := f.bw.Write(endOfChunks); err != nil {
		return err
	}
	return f.bw.Flush()
}
