package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/netpilot-io/netconf"
)

const (
	testUser     = "admin"
	testPassword = "secret"
)

type testServer struct {
	t               *testing.T
	listener        net.Listener
	config          *ssh.ServerConfig
	errCh           chan error
	RejectSubsystem bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	return &testServer{
		t:        t,
		listener: ln,
		config:   config,
		errCh:    make(chan error, 1),
	}
}

func (s *testServer) ClientConfig() *Config {
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	require.NoError(s.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(s.t, err)

	return &Config{
		Host:          host,
		Port:          port,
		Username:      testUser,
		Password:      testPassword,
		HostKeyPolicy: HostKeyLoose,
	}
}

func (s *testServer) Serve(handler func(ssh.Channel) error) {
	go func() {
		defer close(s.errCh)
		defer func() {
			if err := s.listener.Close(); err != nil {
				s.t.Logf("testServer listener close: %v", err)
			}
		}()

		// the reachability probe makes a throwaway connection first
		probe, err := s.listener.Accept()
		if err != nil {
			s.errCh <- fmt.Errorf("accept probe: %w", err)
			return
		}
		_ = probe.Close()

		conn, err := s.listener.Accept()
		if err != nil {
			s.errCh <- fmt.Errorf("accept: %w", err)
			return
		}

		_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
		if err != nil {
			s.errCh <- fmt.Errorf("handshake: %w", err)
			return
		}
		go ssh.DiscardRequests(reqs)

		for newChannel := range chans {
			if newChannel.ChannelType() != "session" {
				if err := newChannel.Reject(ssh.UnknownChannelType, "unknown channel type"); err != nil {
					s.t.Logf("failed to reject channel: %v", err)
				}
				continue
			}
			ch, reqs, err := newChannel.Accept()
			if err != nil {
				s.errCh <- fmt.Errorf("channel accept: %w", err)
				return
			}

			go func(in <-chan *ssh.Request) {
				for req := range in {
					if req.Type == "subsystem" {
						if err := req.Reply(!s.RejectSubsystem, nil); err != nil {
							s.t.Logf("failed to reply to subsystem req: %v", err)
						}
					}
				}
			}(reqs)

			if err := handler(ch); err != nil {
				s.errCh <- err
			}
			return
		}
	}()
}

func (s *testServer) Wait(t *testing.T) error {
	t.Helper()
	return <-s.errCh
}

func TestDial(t *testing.T) {
	srv := newTestServer(t)
	var serverSeen []byte

	srv.Serve(func(ch ssh.Channel) error {
		if _, err := io.WriteString(ch, "muffins]]>]]>"); err != nil {
			return err
		}

		var err error
		serverSeen, err = io.ReadAll(ch)
		return err
	})

	tr, err := Dial(t.Context(), srv.ClientConfig())
	require.NoError(t, err)

	greeting, err := tr.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "muffins", string(greeting))

	require.NoError(t, tr.WriteMsg([]byte("a man a plan a canal panama")))
	require.NoError(t, tr.Close())

	require.NoError(t, srv.Wait(t))
	assert.Equal(t, "a man a plan a canal panama]]>]]>", string(serverSeen))
}

func TestDialMultipleMessages(t *testing.T) {
	srv := newTestServer(t)
	var serverSeen []byte

	srv.Serve(func(ch ssh.Channel) error {
		if _, err := io.WriteString(ch, "muffins]]>]]>"); err != nil {
			return err
		}

		var err error
		serverSeen, err = io.ReadAll(ch)
		return err
	})

	tr, err := Dial(t.Context(), srv.ClientConfig())
	require.NoError(t, err)

	_, err = tr.ReadMsg() // clear greeting
	require.NoError(t, err)

	require.NoError(t, tr.WriteMsg([]byte("msg1")))
	require.NoError(t, tr.WriteMsg([]byte("msg2")))
	require.NoError(t, tr.Close())

	require.NoError(t, srv.Wait(t))
	assert.Equal(t, "msg1]]>]]>msg2]]>]]>", string(serverSeen))
}

func TestDialUnreachable(t *testing.T) {
	cfg := &Config{
		Host:           "127.0.0.1",
		Port:           1,
		Username:       testUser,
		Password:       testPassword,
		HostKeyPolicy:  HostKeyLoose,
		ConnectTimeout: 100 * time.Millisecond,
	}

	tr, err := Dial(t.Context(), cfg)
	assert.Error(t, err)
	assert.Nil(t, tr)
	assert.Equal(t, netconf.ErrKindUnreachable, netconf.KindOf(err))
}

func TestDialAuthFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.Serve(func(ch ssh.Channel) error { return nil })

	cfg := srv.ClientConfig()
	cfg.Password = "wrong"

	tr, err := Dial(t.Context(), cfg)
	assert.Error(t, err)
	assert.Nil(t, tr)
	assert.Equal(t, netconf.ErrKindAuth, netconf.KindOf(err))

	assert.ErrorContains(t, srv.Wait(t), "handshake")
}

func TestDialSubsystemFails(t *testing.T) {
	srv := newTestServer(t)
	srv.RejectSubsystem = true

	srv.Serve(func(ch ssh.Channel) error {
		_, err := io.ReadAll(ch)
		return err
	})

	tr, err := Dial(t.Context(), srv.ClientConfig())
	assert.Error(t, err)
	assert.Nil(t, tr)

	require.NoError(t, srv.Wait(t))
}

func TestDialContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer func() {
		if err := ln.Close(); err != nil {
			t.Logf("failed to close listener: %v", err)
		}
	}()

	// accept connections but never speak ssh, so the handshake hangs
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &Config{
		Host:          host,
		Port:          port,
		Username:      testUser,
		Password:      testPassword,
		HostKeyPolicy: HostKeyLoose,
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Dial(ctx, cfg)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.WithinDuration(t, start, time.Now(), 2*time.Second)
}

func TestStderrCapture(t *testing.T) {
	srv := newTestServer(t)

	srv.Serve(func(ch ssh.Channel) error {
		if _, err := io.WriteString(ch.Stderr(), "subsystem warning\n"); err != nil {
			return err
		}
		if _, err := io.WriteString(ch, "hi]]>]]>"); err != nil {
			return err
		}
		_, err := io.ReadAll(ch)
		return err
	})

	tr, err := Dial(t.Context(), srv.ClientConfig())
	require.NoError(t, err)

	_, err = tr.ReadMsg()
	require.NoError(t, err)

	// stderr is drained by a background goroutine
	assert.Eventually(t, func() bool {
		return string(tr.Stderr()) == "subsystem warning\n"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, srv.Wait(t))
}

func TestConfigResolve(t *testing.T) {
	tt := []struct {
		name      string
		cfg       *Config
		shouldErr bool
		check     func(t *testing.T, resolved *Config)
	}{
		{
			name: "defaults",
			cfg:  &Config{Host: "r1.example.net", Username: testUser, Password: testPassword},
			check: func(t *testing.T, resolved *Config) {
				assert.Equal(t, 830, resolved.Port)
				assert.Equal(t, HostKeyStrict, resolved.HostKeyPolicy)
				assert.Equal(t, netconf.DefaultConnectTimeout, resolved.ConnectTimeout)
				assert.Equal(t, netconf.DefaultCommandTimeout, resolved.CommandTimeout)
				assert.Equal(t, "r1.example.net:830", resolved.addr())
			},
		},
		{
			name: "explicitPort",
			cfg:  &Config{Host: "r1", Port: 22, Username: testUser, Password: testPassword},
			check: func(t *testing.T, resolved *Config) {
				assert.Equal(t, 22, resolved.Port)
			},
		},
		{
			name:      "missingHost",
			cfg:       &Config{Username: testUser, Password: testPassword},
			shouldErr: true,
		},
		{
			name:      "missingUsername",
			cfg:       &Config{Host: "r1", Password: testPassword},
			shouldErr: true,
		},
		{
			name:      "missingAuth",
			cfg:       &Config{Host: "r1", Username: testUser},
			shouldErr: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			resolved, err := tc.cfg.resolve()
			if tc.shouldErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, resolved)
		})
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("strictRequiresKnownHosts", func(t *testing.T) {
		cfg := &Config{
			Host:          "r1",
			Username:      testUser,
			Password:      testPassword,
			HostKeyPolicy: HostKeyStrict,
		}
		_, err := cfg.clientConfig()
		assert.ErrorContains(t, err, "known hosts")
	})

	t.Run("invalidPolicy", func(t *testing.T) {
		cfg := &Config{
			Host:          "r1",
			Username:      testUser,
			Password:      testPassword,
			HostKeyPolicy: HostKeyPolicy("paranoid"),
		}
		_, err := cfg.clientConfig()
		assert.ErrorContains(t, err, "host key policy")
	})

	t.Run("loose", func(t *testing.T) {
		cfg := &Config{
			Host:          "r1",
			Username:      testUser,
			Password:      testPassword,
			HostKeyPolicy: HostKeyLoose,
		}
		cc, err := cfg.clientConfig()
		require.NoError(t, err)
		assert.Equal(t, testUser, cc.User)
		assert.Len(t, cc.Auth, 1)
	})
}

func TestSessionOptions(t *testing.T) {
	cfg := &Config{
		Host:           "r1",
		Username:       testUser,
		Password:       testPassword,
		ConnectTimeout: time.Second,
		CommandTimeout: 2 * time.Second,
	}
	assert.Len(t, cfg.SessionOptions(), 2)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	assert.NoError(t, Probe(host, port, time.Second))

	err = Probe("127.0.0.1", 1, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, netconf.ErrKindUnreachable, netconf.KindOf(err))
}
