package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rfcChunkedRPC = []byte(`
#4
<rpc
#18
 message-id="102"

#79
     xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <close-session/>
</rpc>
##
`)

	rfcUnchunkedRPC = []byte(`<rpc message-id="102"
     xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <close-session/>
</rpc>`)
)

func TestReadMsgMarked(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   error
	}{
		{"normal", "foo]]>]]>", "foo", nil},
		{"empty frame", "]]>]]>", "", nil},
		{"next message pending", "foo]]>]]>bar]]>]]>", "foo", nil},
		{"partial delim in payload", "foo]]>]]bar]]>]]>", "foo]]>]]bar", nil},
		{"no delim", "uhohwhathappened", "", io.ErrUnexpectedEOF},
		{"truncated delim", "foo]]>", "", io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer(strings.NewReader(tt.input), io.Discard)

			got, err := f.ReadMsg()
			assert.ErrorIs(t, err, tt.err)
			if tt.err == nil {
				assert.Equal(t, tt.want, string(got))
			}
		})
	}
}

func TestReadMsgMarkedSequence(t *testing.T) {
	f := NewFramer(strings.NewReader("first]]>]]>second]]>]]>"), io.Discard)

	msg, err := f.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg))

	msg, err = f.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg))

	_, err = f.ReadMsg()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteMsgMarked(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(strings.NewReader(""), &buf)

	require.NoError(t, f.WriteMsg([]byte("foo")))
	assert.Equal(t, "foo]]>]]>", buf.String())

	require.NoError(t, f.WriteMsg([]byte("bar")))
	assert.Equal(t, "foo]]>]]>bar]]>]]>", buf.String())
}

func TestReadMsgChunked(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
		err   error
	}{
		{"single chunk", []byte("\n#3\nfoo\n##\n"), []byte("foo"), nil},
		{"empty frame", []byte("\n##\n"), []byte(""), nil},
		{"multichunk", []byte("\n#3\nfoo\n#3\nbar\n##\n"), []byte("foobar"), nil},
		{"split element", []byte("\n#4\n<ok/\n#2\n>\n\n##\n"), []byte("<ok/>\n"), nil},
		{"missing header", []byte("uhoh"), nil, ErrMalformedChunk},
		{"eof in header", []byte("\n#"), nil, io.ErrUnexpectedEOF},
		{"eof in size", []byte("\n#12"), nil, io.ErrUnexpectedEOF},
		{"eof in payload", []byte("\n#10\nshort"), nil, io.ErrUnexpectedEOF},
		{"missing hash", []byte("\n!3\nfoo\n##\n"), nil, ErrMalformedChunk},
		{"non digit size", []byte("\n#big\n"), nil, ErrMalformedChunk},
		{"mixed digits", []byte("\n#12a3\n"), nil, ErrMalformedChunk},
		{"negative size", []byte("\n#-5\n"), nil, ErrMalformedChunk},
		{"zero size", []byte("\n#0\n"), nil, ErrMalformedChunk},
		{"many zeros", []byte("\n#000\n"), nil, ErrMalformedChunk},
		{"size overflow", []byte("\n#4294967296\n"), nil, ErrMalformedChunk},
		{"huge overflow", []byte("\n#99999999999999999999\n"), nil, ErrMalformedChunk},
		{"bad end marker", []byte("\n#3\nfoo\n##x"), nil, ErrMalformedChunk},
		{"rfc example rpc", rfcChunkedRPC, rfcUnchunkedRPC, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer(bytes.NewReader(tt.input), io.Discard)
			f.Upgrade()

			got, err := f.ReadMsg()
			assert.ErrorIs(t, err, tt.err)
			if tt.err == nil {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestWriteMsgChunked(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(strings.NewReader(""), &buf)
	f.Upgrade()

	require.NoError(t, f.WriteMsg([]byte("<ok/>")))
	assert.Equal(t, "\n#5\n<ok/>\n##\n", buf.String())

	buf.Reset()
	require.NoError(t, f.WriteMsg(nil))
	assert.Equal(t, "\n##\n", buf.String())
}

func TestWriteMsgChunkedSplit(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(strings.NewReader(""), &buf)
	f.Upgrade()

	payload := bytes.Repeat([]byte("x"), writeChunkSize+10)
	require.NoError(t, f.WriteMsg(payload))

	want := fmt.Sprintf("\n#%d\n", writeChunkSize)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte(want)))
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n#10\nxxxxxxxxxx\n##\n")))
}

// Round-trips a message through the encoder and decoder in both framing
// modes.
func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("<rpc><get/></rpc>"),
		[]byte("a"),
		bytes.Repeat([]byte("0123456789abcdef"), 64*1024),
	}

	for _, upgrade := range []bool{false, true} {
		for i, payload := range payloads {
			name := fmt.Sprintf("chunked=%v/payload%d", upgrade, i)
			t.Run(name, func(t *testing.T) {
				var wire bytes.Buffer
				enc := NewFramer(strings.NewReader(""), &wire)
				if upgrade {
					enc.Upgrade()
				}
				require.NoError(t, enc.WriteMsg(payload))

				dec := NewFramer(&wire, io.Discard)
				if upgrade {
					dec.Upgrade()
				}
				got, err := dec.ReadMsg()
				require.NoError(t, err)
				assert.Equal(t, payload, got)
			})
		}
	}
}

func BenchmarkReadMsg(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"Small_200B", 200},
		{"Medium_128KB", 128 * 1024},
		{"Large_10MB", 10 * 1024 * 1024},
	}

	for _, mode := range []string{"marked", "chunked"} {
		for _, bm := range sizes {
			b.Run(mode+"/"+bm.name, func(b *testing.B) {
				payload := bytes.Repeat([]byte("z"), bm.size)

				var wire bytes.Buffer
				enc := NewFramer(strings.NewReader(""), &wire)
				if mode == "chunked" {
					enc.Upgrade()
				}
				if err := enc.WriteMsg(payload); err != nil {
					b.Fatal(err)
				}
				data := wire.Bytes()

				src := bytes.NewReader(data)
				dec := NewFramer(src, io.Discard)
				if mode == "chunked" {
					dec.Upgrade()
				}

				b.SetBytes(int64(len(data)))
				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					src.Reset(data)
					dec.br.Reset(src)
					if _, err := dec.ReadMsg(); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
