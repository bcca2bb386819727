// Package ssh implements NETCONF over the SSH "netconf" subsystem as defined
// in RFC6242.
package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netpilot-io/netconf"
	"github.com/netpilot-io/netconf/transport"
)

// HostKeyPolicy controls how the server's host key is verified.
type HostKeyPolicy string

const (
	// HostKeyStrict requires a known-hosts file containing a matching key;
	// anything else fails the connect with an auth error.
	HostKeyStrict HostKeyPolicy = "strict"

	// HostKeyLoose accepts any host key.
	HostKeyLoose HostKeyPolicy = "loose"
)

// Config describes how to reach and authenticate to a device.  Zero fields
// are filled from DefaultConfig.
type Config struct {
	// Host is the device address and is required.
	Host string
	Port int

	// Username is required.  One of Password or KeyFile must also be set;
	// when both are present the key is offered first.
	Username string
	Password string

	// KeyFile is the path to a PEM-encoded private key, optionally
	// protected by KeyPassphrase.
	KeyFile       string
	KeyPassphrase string

	// KnownHostsFile is consulted under the strict host key policy.
	KnownHostsFile string
	HostKeyPolicy  HostKeyPolicy

	// ConnectTimeout bounds the TCP probe, the SSH handshake and (via
	// SessionOptions) the hello exchange.  CommandTimeout bounds each rpc.
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// DefaultConfig holds the values merged into a Config's unset fields.
var DefaultConfig = &Config{
	Port:           830,
	HostKeyPolicy:  HostKeyStrict,
	ConnectTimeout: netconf.DefaultConnectTimeout,
	CommandTimeout: netconf.DefaultCommandTimeout,
}

func (cfg *Config) resolve() (*Config, error) {
	resolved := Config{}
	if cfg != nil {
		resolved = *cfg
	}
	_ = mergo.Merge(&resolved, DefaultConfig)

	if resolved.Host == "" {
		return nil, errors.New("config: host is required")
	}
	if resolved.Username == "" {
		return nil, errors.New("config: username is required")
	}
	if resolved.Password == "" && resolved.KeyFile == "" {
		return nil, errors.New("config: either password or key file is required")
	}
	return &resolved, nil
}

func (cfg *Config) addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// SessionOptions translates the config's timeouts into options for
// netconf.Open, so both layers share one configuration surface.
func (cfg *Config) SessionOptions() []netconf.SessionOption {
	resolved, err := cfg.resolve()
	if err != nil {
		resolved = DefaultConfig
	}
	return []netconf.SessionOption{
		netconf.WithConnectTimeout(resolved.ConnectTimeout),
		netconf.WithCommandTimeout(resolved.CommandTimeout),
	}
}

func (cfg *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read private key")
		}

		var signer ssh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch cfg.HostKeyPolicy {
	case HostKeyLoose:
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	case HostKeyStrict:
		if cfg.KnownHostsFile == "" {
			return nil, errors.New("strict host key checking requires a known hosts file")
		}
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load known hosts")
		}
		hostKeyCallback = cb
	default:
		return nil, errors.Errorf("invalid host key policy %q", cfg.HostKeyPolicy)
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Probe checks device reachability with a bare TCP connect, so that "the
// network path is down" is reported distinctly from "the credentials are
// wrong".
func Probe(host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return &netconf.Error{Kind: netconf.ErrKindUnreachable, Op: "probe",
			Err: errors.Wrapf(err, "device %s unreachable", addr)}
	}
	return conn.Close()
}

// how much captured stderr we hold on to
const maxStderr = 64 * 1024

// alias it to a private type so we can make it private when embedding
type framer = transport.Framer

// Transport implements RFC6242 for implementing NETCONF protocol over SSH.
// The channel's stderr stream is drained in the background and surfaced via
// Stderr; it never interrupts message flow.
type Transport struct {
	c     *ssh.Client
	sess  *ssh.Session
	stdin io.WriteCloser

	mu     sync.Mutex
	stderr bytes.Buffer

	*framer
}

// Dial probes the device, establishes an SSH connection per the config and
// opens the netconf subsystem on it.  Closing the returned transport closes
// the whole connection.
func Dial(ctx context.Context, cfg *Config) (t *Transport, err error) {
	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	addr := resolved.addr()
	trace := netconf.ContextClientTrace(ctx)
	trace.ConnectStart(addr)
	defer func(begin time.Time) {
		trace.ConnectDone(addr, err, time.Since(begin))
	}(time.Now())

	if err := Probe(resolved.Host, resolved.Port, resolved.ConnectTimeout); err != nil {
		return nil, err
	}

	clientConfig, err := resolved.clientConfig()
	if err != nil {
		return nil, &netconf.Error{Kind: netconf.ErrKindAuth, Op: "dial", Err: err}
	}

	d := net.Dialer{Timeout: resolved.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &netconf.Error{Kind: netconf.ErrKindUnreachable, Op: "dial", Err: err}
	}

	// The ssh library doesn't support contexts for dialing, so monitor the
	// context and close the connection to approximate cancelation of the
	// ssh handshake.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		// ssh.NewClientConn closes the underlying connection on failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &netconf.Error{Kind: netconf.ErrKindAuth, Op: "dial",
			Err: errors.Wrap(err, "ssh handshake failed")}
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	t, err = newTransport(client)
	if err != nil {
		// Close the client to not leak it on transport failure.
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return t, nil
}

func newTransport(client *ssh.Client) (*Transport, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ssh session")
	}

	w, err := sess.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	r, err := sess.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}

	errPipe, err := sess.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}

	const subsystem = "netconf"
	if err := sess.RequestSubsystem(subsystem); err != nil {
		return nil, errors.Wrap(err, "failed to start netconf ssh subsystem")
	}

	t := &Transport{
		c:     client,
		sess:  sess,
		stdin: w,

		framer: transport.NewFramer(r, w),
	}
	go t.drainStderr(errPipe)

	return t, nil
}

// drainStderr runs until the channel's stderr stream hits EOF, keeping up to
// maxStderr bytes for diagnostics.
func (t *Transport) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.mu.Lock()
			if t.stderr.Len() < maxStderr {
				room := maxStderr - t.stderr.Len()
				if n > room {
					n = room
				}
				t.stderr.Write(buf[:n])
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Stderr returns a snapshot of the diagnostic output captured from the
// channel's stderr stream.
func (t *Transport) Stderr() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stderr.Len() == 0 {
		return nil
	}
	return append([]byte(nil), t.stderr.Bytes()...)
}

// Close will close the ssh session, subsystem channel and the underlying
// connection.
func (t *Transport) Close() error {
	// will save previous errors but try to close everything returning just
	// the "lowest" abstraction layer error
	var retErr error

	if err := t.stdin.Close(); err != nil {
		retErr = errors.Wrap(err, "failed to close ssh stdin")
	}

	if err := t.sess.Close(); err != nil && retErr == nil {
		retErr = errors.Wrap(err, "failed to close ssh channel")
	}

	if err := t.c.Close(); err != nil {
		return errors.Wrap(err, "failed to close ssh connection")
	}

	return retErr
}
