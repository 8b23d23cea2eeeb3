package testutil

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandHandler runs one exec request and returns its exit status. ctx is
// cancelled when the client connection goes away or the server stops.
type CommandHandler func(ctx context.Context, cmd string, stdout, stderr io.Writer) int

// SSHServerConfig configures the mock SSH server.
type SSHServerConfig struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey
	Handler       CommandHandler
	// OmitExitStatus closes the channel without sending exit-status.
	OmitExitStatus bool
}

// MockSSHServer is an in-process SSH server accepting exec requests.
type MockSSHServer struct {
	config   SSHServerConfig
	sshCfg   *ssh.ServerConfig
	hostKey  ssh.Signer
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[net.Conn]struct{}
	commands []string
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// NewMockSSHServer creates a server with a fresh ed25519 host key. A nil
// Handler falls back to ShellHandler.
func NewMockSSHServer(config SSHServerConfig) (*MockSSHServer, error) {
	if config.Handler == nil {
		config.Handler = ShellHandler
	}
	if config.User == "" {
		config.User = "root"
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("host signer: %w", err)
	}

	s := &MockSSHServer{
		config:  config,
		hostKey: hostKey,
		conns:   make(map[net.Conn]struct{}),
	}

	s.sshCfg = &ssh.ServerConfig{}
	if config.Password != "" {
		s.sshCfg.PasswordCallback = func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == config.User && string(pw) == config.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		}
	}
	if config.AuthorizedKey != nil {
		want := config.AuthorizedKey.Marshal()
		s.sshCfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == config.User && bytes.Equal(key.Marshal(), want) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", meta.User())
		}
	}
	s.sshCfg.AddHostKey(hostKey)
	return s, nil
}

// Start starts the server on a random port.
func (s *MockSSHServer) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *MockSSHServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *MockSSHServer) handleConn(nc net.Conn) {
	defer func() {
		nc.Close()
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
	}()

	sc, chans, reqs, err := ssh.NewServerConn(nc, s.sshCfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		sc.Wait()
		cancel()
	}()

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(ctx, ch, chReqs)
		}()
	}
}

func (s *MockSSHServer) handleSession(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		code := s.config.Handler(ctx, payload.Command, ch, ch.Stderr())
		if ctx.Err() != nil {
			return
		}
		if !s.config.OmitExitStatus {
			status := struct{ Status uint32 }{uint32(code)}
			ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		}
		return
	}
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return.
func (s *MockSSHServer) Stop() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the server's address.
func (s *MockSSHServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Host returns the listening IP.
func (s *MockSSHServer) Host() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the server's port.
func (s *MockSSHServer) Port() uint16 {
	if s.listener == nil {
		return 0
	}
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// HostKey returns the server's public host key.
func (s *MockSSHServer) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Commands returns every exec command received so far.
func (s *MockSSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ShellHandler understands a handful of shell builtins:
//
//	echo ARGS...   prints ARGS
//	sleep SECONDS  sleeps, interrupted when the client goes away
//	exit CODE      exits with CODE, printing to stderr first
//	repeat N       prints N bytes of 'x'
//
// Anything else exits 127.
func ShellHandler(ctx context.Context, cmd string, stdout, stderr io.Writer) int {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return 0
	}
	switch fields[0] {
	case "echo":
		fmt.Fprintln(stdout, strings.Join(fields[1:], " "))
		return 0
	case "sleep":
		secs := 1.0
		if len(fields) > 1 {
			secs, _ = strconv.ParseFloat(fields[1], 64)
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return 0
		case <-ctx.Done():
			return 130
		}
	case "exit":
		code := 1
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		fmt.Fprintf(stderr, "exiting with %d\n", code)
		return code
	case "repeat":
		n := 0
		if len(fields) > 1 {
			n, _ = strconv.Atoi(fields[1])
		}
		io.WriteString(stdout, strings.Repeat("x", n))
		return 0
	default:
		fmt.Fprintf(stderr, "%s: command not found\n", fields[0])
		return 127
	}
}

// GenerateClientKey returns a PEM-encoded ed25519 private key, protected by
// passphrase when it is non-empty, and its public half.
func GenerateClientKey(passphrase string) ([]byte, ssh.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	}
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(block), sshPub, nil
}

// ClosedPort returns a local port nothing listens on.
func ClosedPort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()
	return port, nil
}
