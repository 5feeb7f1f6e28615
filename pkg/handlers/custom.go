package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
)

// defaultCustomTimeout bounds how long a single custom check or install
// command may run before it is treated as failed.
const defaultCustomTimeout = 300 * time.Second

// CustomEntry is one operator-supplied package-manager-agnostic package
// definition, parsed from a pipe-delimited "name|check|install[|timeout]"
// string. Its check and install commands are not validated against nameRe
// and run unsandboxed via `sh -c` on the remote shell channel, with
// whatever privilege that channel has.
type CustomEntry struct {
	Name       string
	CheckCmd   string
	InstallCmd string
	Timeout    time.Duration
}

// ParseCustomEntry parses one pipe-delimited custom package line.
func ParseCustomEntry(raw string) (CustomEntry, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 3 || len(parts) > 4 {
		return CustomEntry{}, fmt.Errorf("custom entry %q: expected name|check|install[|timeout]", raw)
	}

	entry := CustomEntry{
		Name:       strings.TrimSpace(parts[0]),
		CheckCmd:   strings.TrimSpace(parts[1]),
		InstallCmd: strings.TrimSpace(parts[2]),
		Timeout:    defaultCustomTimeout,
	}
	if entry.Name == "" || entry.CheckCmd == "" || entry.InstallCmd == "" {
		return CustomEntry{}, fmt.Errorf("custom entry %q: name, check, and install are all required", raw)
	}

	if len(parts) == 4 {
		secs, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil || secs <= 0 {
			return CustomEntry{}, fmt.Errorf("custom entry %q: timeout must be a positive integer", raw)
		}
		entry.Timeout = time.Duration(secs) * time.Second
	}

	return entry, nil
}

// IsInstalled runs the entry's check command and reports exit code zero
// as "already installed".
func (e CustomEntry) IsInstalled(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	return runOK(ctx, ch, []string{"sh", "-c", e.CheckCmd})
}

// Install runs the entry's install command.
func (e CustomEntry) Install(ctx context.Context, ch remoteshell.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	_, code, err := runLines(ctx, ch, []string{"sh", "-c", e.InstallCmd})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("custom install for %s exited %d", e.Name, code)
	}
	return nil
}
