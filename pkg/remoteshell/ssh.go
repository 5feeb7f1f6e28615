package remoteshell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/infrahaus/provisioner/pkg/log"
)

// SSHChannel runs commands over a direct SSH connection to the container.
// It is the fallback channel, used when the container has a reachable IP
// and PVE agent exec is unavailable or disabled.
type SSHChannel struct {
	client *ssh.Client
}

// NewSSHChannel dials host:22 and authenticates as root with password,
// matching the credentials the orchestrator set during P1.
func NewSSHChannel(ctx context.Context, host, rootPassword string) (*SSHChannel, error) {
	config := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password(rootPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // freshly-created LXC guest, no known_hosts entry exists yet
		Timeout:         10 * time.Second,
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "22"))
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", host, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, host, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", host, err)
	}

	return &SSHChannel{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Exec implements Channel.
func (c *SSHChannel) Exec(ctx context.Context, command []string) (<-chan Line, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh new session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stderr pipe: %w", err)
	}

	cmd := shellJoin(command)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh start %q: %w", cmd, err)
	}

	out := make(chan Line, 64)
	go func() {
		defer close(out)
		defer session.Close()

		done := make(chan struct{}, 2)
		go streamPipe(stdout, false, out, done)
		go streamPipe(stderr, true, out, done)
		<-done
		<-done

		exitCode := 0
		if err := session.Wait(); err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				exitCode = -1
			}
		}

		select {
		case out <- Line{Done: true, ExitCode: exitCode}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func streamPipe(r io.Reader, stderr bool, out chan<- Line, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- Line{Text: scanner.Text(), Stderr: stderr}
	}
	if err := scanner.Err(); err != nil {
		log.WithComponent("remoteshell").Warn().Err(err).Msg("ssh output stream ended with error")
	}
}

// Upload implements Channel using an SFTP-free scp-like write via "cat".
func (c *SSHChannel) Upload(ctx context.Context, path string, content []byte, mode uint32) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh new session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("ssh stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q && chmod %o %q", path, path, mode, path)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("ssh start upload: %w", err)
	}

	if _, err := stdin.Write(content); err != nil {
		return fmt.Errorf("ssh upload write: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("ssh upload close stdin: %w", err)
	}

	return session.Wait()
}

// Close implements Channel.
func (c *SSHChannel) Close() error {
	return c.client.Close()
}

func shellJoin(command []string) string {
	joined := ""
	for i, part := range command {
		if i > 0 {
			joined += " "
		}
		joined += part
	}
	return joined
}
