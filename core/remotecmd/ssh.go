package remotecmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dmitrymomot/certops/core/device"
)

// Dialer opens SSH sessions to appliance CLIs.
type Dialer struct {
	port            int
	timeout         time.Duration
	privateKey      []byte
	hostKeyCallback ssh.HostKeyCallback
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithSSHPort overrides the SSH port; defaults to 22.
func WithSSHPort(port int) DialerOption {
	return func(d *Dialer) { d.port = port }
}

// WithDialTimeout sets the TCP/handshake timeout.
func WithDialTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) { d.timeout = timeout }
}

// WithPrivateKey adds private-key auth alongside the target's password.
func WithPrivateKey(pemBytes []byte) DialerOption {
	return func(d *Dialer) { d.privateKey = pemBytes }
}

// WithHostKeyCallback sets host key verification. The default accepts any
// host key: appliance host keys rotate with the platform and are rarely
// distributed out of band.
func WithHostKeyCallback(cb ssh.HostKeyCallback) DialerOption {
	return func(d *Dialer) { d.hostKeyCallback = cb }
}

// NewDialer creates an SSH dialer.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		port:            22,
		timeout:         30 * time.Second,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Open connects to the target's CLI and returns a ready session.
func (d *Dialer) Open(ctx context.Context, target *device.Target) (Session, error) {
	var methods []ssh.AuthMethod
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(d.privateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(d.privateKey)
		if err != nil {
			return nil, &TransportError{Op: "parse key", Err: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            methods,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.timeout,
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", d.port))

	netConn, err := (&net.Dialer{Timeout: d.timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, &TransportError{Op: "session", Err: err}
	}

	return &sshSession{client: client, sess: sess}, nil
}

type sshSession struct {
	client *ssh.Client
	sess   *ssh.Session

	closeOnce sync.Once
	closeErr  error
}

// Start requests a PTY so stdout and stderr arrive merged in order, the way
// the interactive CLI presents them, then launches the command.
func (s *sshSession) Start(command string) (io.Reader, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := s.sess.RequestPty("xterm", 80, 200, modes); err != nil {
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdout, err := s.sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := s.sess.Start(command); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	return stdout, nil
}

func (s *sshSession) Wait() error {
	return s.sess.Wait()
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.sess.Close()
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
