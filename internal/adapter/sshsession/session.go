package sshsession

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultTeardownGrace  = 2 * time.Second
	DefaultMaxOutputBytes = 1 << 20
)

// Session executes one command per call over a fresh SSH connection.
// The zero value is usable; a Session is safe for concurrent use.
type Session struct {
	// DefaultTimeout applies when the command carries no timeout.
	DefaultTimeout time.Duration
	// DialTimeout bounds the TCP connect, inside the command deadline.
	DialTimeout time.Duration
	// TeardownGrace is how long Execute waits for the session to unwind
	// after the deadline closed the connection.
	TeardownGrace time.Duration
	// MaxOutputBytes caps the combined stdout and stderr kept per call.
	MaxOutputBytes int
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts string
	Log        *logrus.Entry

	hostKeysOnce sync.Once
	hostKeys     ssh.HostKeyCallback
	hostKeysErr  error
}

// New returns a Session with default limits.
func New(knownHosts string, log *logrus.Entry) *Session {
	return &Session{
		DefaultTimeout: DefaultTimeout,
		DialTimeout:    DefaultDialTimeout,
		TeardownGrace:  DefaultTeardownGrace,
		MaxOutputBytes: DefaultMaxOutputBytes,
		KnownHosts:     knownHosts,
		Log:            log,
	}
}

// Execute connects to t, runs cmd and closes the connection. It never
// returns an error: dial, auth and command failures, deadlines and
// cancellation are all reported in the result.
func (s *Session) Execute(ctx context.Context, t domain.Target, cmd domain.RemoteCommand) domain.ExecutionResult {
	start := time.Now()
	res := domain.ExecutionResult{TargetID: t.ID, ExitCode: -1}
	secrets := t.Credential.Secrets()
	log := s.logger().WithFields(logrus.Fields{"target": t.ID, "addr": t.HostPort()})

	finish := func(status domain.Status, kind domain.ErrorKind, err error) domain.ExecutionResult {
		res.Status = status
		res.ErrorKind = kind
		if err != nil {
			res.Error = scrub(err.Error(), secrets)
		}
		res.Duration = time.Since(start)
		log.WithFields(logrus.Fields{
			"status":   res.Status,
			"exit":     res.ExitCode,
			"duration": res.Duration.Round(time.Millisecond),
		}).Debug("ssh command finished")
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(domain.StatusCancelled, domain.KindNone, err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := s.clientConfig(t)
	if err != nil {
		return finish(domain.StatusFailure, domain.KindConnect, domain.E("ssh.config", domain.KindConnect, t.ID, err))
	}

	dialer := net.Dialer{Timeout: s.dialTimeout()}
	conn, err := dialer.DialContext(runCtx, "tcp", t.HostPort())
	if err != nil {
		if status, ok := interrupted(ctx, runCtx); ok {
			return finish(status, domain.KindConnect, err)
		}
		return finish(domain.StatusFailure, domain.KindConnect, domain.E("ssh.dial", domain.KindConnect, t.HostPort(), err))
	}
	defer conn.Close()

	// Closing the conn unblocks the handshake and any running session.
	stop := context.AfterFunc(runCtx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, t.HostPort(), cfg)
	if err != nil {
		if status, ok := interrupted(ctx, runCtx); ok {
			return finish(status, domain.KindConnect, err)
		}
		return finish(domain.StatusFailure, domain.KindConnect, domain.E("ssh.handshake", domain.KindConnect, t.HostPort(), err))
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		if status, ok := interrupted(ctx, runCtx); ok {
			return finish(status, domain.KindNone, err)
		}
		return finish(domain.StatusFailure, domain.KindCommand, domain.E("ssh.session", domain.KindCommand, t.ID, err))
	}
	defer sess.Close()

	out := &cappedBuffer{limit: s.maxOutput()}
	sess.Stdout = out
	sess.Stderr = out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.Script) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		select {
		case runErr = <-done:
		case <-time.After(s.teardownGrace()):
		}
		res.Output = scrub(out.String(), secrets)
		status, _ := interrupted(ctx, runCtx)
		return finish(status, domain.KindNone, runCtx.Err())
	}

	res.Output = scrub(out.String(), secrets)

	if runErr == nil {
		res.ExitCode = 0
		return finish(domain.StatusSuccess, domain.KindNone, nil)
	}
	if status, ok := interrupted(ctx, runCtx); ok {
		return finish(status, domain.KindNone, runErr)
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
	}
	return finish(domain.StatusFailure, domain.KindCommand, domain.E("ssh.run", domain.KindCommand, t.ID, runErr))
}

func (s *Session) clientConfig(t domain.Target) (*ssh.ClientConfig, error) {
	auth, err := authMethods(t.Credential)
	if err != nil {
		return nil, err
	}
	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.dialTimeout(),
	}, nil
}

// interrupted classifies a context-driven stop. Parent cancellation wins
// over the command deadline.
func interrupted(parent, run context.Context) (domain.Status, bool) {
	if errors.Is(parent.Err(), context.Canceled) {
		return domain.StatusCancelled, true
	}
	if run.Err() != nil {
		return domain.StatusTimeout, true
	}
	return "", false
}

func (s *Session) logger() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (s *Session) defaultTimeout() time.Duration {
	if s.DefaultTimeout > 0 {
		return s.DefaultTimeout
	}
	return DefaultTimeout
}

func (s *Session) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return DefaultDialTimeout
}

func (s *Session) teardownGrace() time.Duration {
	if s.TeardownGrace > 0 {
		return s.TeardownGrace
	}
	return DefaultTeardownGrace
}

func (s *Session) maxOutput() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// cappedBuffer keeps the first limit bytes written to it. Stdout and stderr
// are copied by separate goroutines, so writes are serialized.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
