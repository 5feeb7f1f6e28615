// Package handlers implements one Installer per package ecosystem
// (apt, apk, dnf, npm, pip), replacing the original dynamic source-based
// dispatch with a fixed registry keyed by types.PackageManager, per
// spec.md §9's redesign note. Operator-supplied custom entries are parsed
// and run by CustomEntry and have no Installer in the registry.
package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// nameRe bounds the characters a package name may legally consist of
// before it is ever shelled out.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9@/_.:~+=*<>-]+$`)

// ValidName reports whether name is safe to interpolate into a shell
// command for a package manager invocation.
func ValidName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// Installer applies one Package's worth of work inside a container over
// a Channel. Index updates happen at most once per phase; callers should
// call UpdateIndex before the first Install of a given manager.
type Installer interface {
	Manager() types.PackageManager

	// Available reports whether this manager's binary exists in the
	// container at all.
	Available(ctx context.Context, ch remoteshell.Channel) (bool, error)

	// UpdateIndex refreshes the manager's package index/cache.
	UpdateIndex(ctx context.Context, ch remoteshell.Channel) error

	// IsInstalled reports whether name is already present. Implementations
	// must tolerate a version suffix (e.g. "nodejs=24.*") by stripping it
	// before querying the native package database.
	IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error)

	// Install batch-installs names, assuming the index is already current.
	// A batch failure counts every name in the batch as failed; per-package
	// retry is not required.
	Install(ctx context.Context, ch remoteshell.Channel, names []string) error
}

// stripVersionSuffix drops a trailing "=<version>" pin so the native
// package database is queried by bare name.
func stripVersionSuffix(name string) string {
	if i := strings.IndexByte(name, '='); i > 0 {
		return name[:i]
	}
	return name
}

// Registry resolves an Installer for each supported PackageManager.
type Registry struct {
	byManager map[types.PackageManager]Installer
}

// NewRegistry builds the default registry wiring every built-in Installer.
func NewRegistry() *Registry {
	r := &Registry{byManager: make(map[types.PackageManager]Installer)}
	for _, h := range []Installer{
		&APTHandler{}, &APKHandler{}, &DNFHandler{}, &NPMHandler{}, &PIPHandler{},
	} {
		r.byManager[h.Manager()] = h
	}
	return r
}

// Get resolves the Installer for manager, or an error if unknown.
func (r *Registry) Get(manager types.PackageManager) (Installer, error) {
	h, ok := r.byManager[manager]
	if !ok {
		return nil, fmt.Errorf("no handler registered for package manager %q", manager)
	}
	return h, nil
}

// runLines drains ch's Exec output, returning the concatenated stdout
// lines and the final exit code.
func runLines(ctx context.Context, ch remoteshell.Channel, command []string) ([]string, int, error) {
	lines, err := ch.Exec(ctx, command)
	if err != nil {
		return nil, -1, err
	}

	var out []string
	exitCode := -1
	for l := range lines {
		if l.Done {
			exitCode = l.ExitCode
			continue
		}
		if !l.Stderr {
			out = append(out, l.Text)
		}
	}
	return out, exitCode, nil
}

// runOK runs command and reports only whether it exited zero.
func runOK(ctx context.Context, ch remoteshell.Channel, command []string) (bool, error) {
	_, code, err := runLines(ctx, ch, command)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}
