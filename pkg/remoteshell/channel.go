// Package remoteshell provides a uniform command channel into a running
// container, backed primarily by the PVE container-exec facility with an
// SSH fallback for hosts where agent exec is unavailable.
package remoteshell

import "context"

// Line is one unit of output from a Channel command.
type Line struct {
	Text     string
	Stderr   bool
	Done     bool
	ExitCode int
}

// Channel runs commands inside a single target container. Implementations
// must be safe to Close from a different goroutine than the one draining
// Exec's output channel.
type Channel interface {
	// Exec runs command and streams its output a line at a time. The
	// channel is closed once the command exits or ctx is cancelled.
	Exec(ctx context.Context, command []string) (<-chan Line, error)

	// Upload writes content to path inside the container.
	Upload(ctx context.Context, path string, content []byte, mode uint32) error

	// Close releases any underlying connection. Safe to call more than once.
	Close() error
}
