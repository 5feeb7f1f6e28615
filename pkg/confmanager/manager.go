package confmanager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/infrahaus/provisioner/pkg/handlers"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/provisionerrors"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

const (
	defaultStateDir = "/var/lib/config-manager/state"
	defaultWorkDir  = "/var/lib/config-manager/work"
)

// Paths groups the filesystem locations a sync reads from and writes to.
type Paths struct {
	ConfigRoot string // CONFIG_ROOT: contains packages/, scripts/, files/
	StateDir   string
	WorkDir    string
}

// DefaultPaths builds Paths rooted at configRoot with the standard
// state/work directories.
func DefaultPaths(configRoot string) Paths {
	return Paths{ConfigRoot: configRoot, StateDir: defaultStateDir, WorkDir: defaultWorkDir}
}

// SyncResult reports what one Sync call did.
type SyncResult struct {
	Packages      types.PackagePhaseResult
	FilesWritten  int
	FilesSkipped  int
	FilesFailed   int
	ScriptsRun    []string
	PartialFailed bool
}

// Manager runs the Configuration Manager's phases against a local or
// in-container filesystem, driven through a remoteshell.Channel so the
// same package handlers serve both the host-side deploy path and the
// in-container agent.
type Manager struct {
	ch       remoteshell.Channel
	registry *handlers.Registry
	paths    Paths
}

// New builds a Manager. Pass remoteshell.NewLocalChannel() for the
// in-container agent binary.
func New(ch remoteshell.Channel, paths Paths) *Manager {
	return &Manager{ch: ch, registry: handlers.NewRegistry(), paths: paths}
}

// Sync runs detect → packages → files → scripts → commit, in that order,
// per the failure-semantics table in the Configuration Manager design:
// detect failures are fatal, package failures are a logged warning,
// file-write failures are per-file and non-fatal, and any script failure
// is fatal and aborts remaining scripts.
func (m *Manager) Sync(ctx context.Context, files []types.ManagedFile, containerUser string) (SyncResult, error) {
	logger := log.WithComponent("confmanager")
	var result SyncResult

	detection, err := Detect(ctx, m.ch, m.registry)
	if err != nil {
		return result, provisionerrors.New(provisionerrors.KindConfiguration, fmt.Errorf("detecting OS/package manager: %w", err))
	}
	logger.Info().Str("os", detection.OSID).Str("manager", string(detection.Manager.Manager())).Msg("detected system")

	packagesDir := filepath.Join(m.paths.ConfigRoot, "packages")
	pkgResult, err := ApplyPackages(ctx, m.ch, m.registry, detection, packagesDir)
	if err != nil {
		logger.Warn().Err(err).Msg("packages phase encountered an error; continuing per partial-failure policy")
	}
	result.Packages = pkgResult
	if pkgResult.Failed > 0 {
		result.PartialFailed = true
	}

	filesResult, hashes := ApplyFiles(files, containerUser, m.paths.StateDir)
	result.FilesWritten = filesResult.Written
	result.FilesSkipped = filesResult.Skipped
	result.FilesFailed = filesResult.Failed
	if filesResult.Failed > 0 {
		result.PartialFailed = true
	}

	scriptsDir := filepath.Join(m.paths.ConfigRoot, "scripts")
	completed, err := RunScripts(ctx, m.ch, scriptsDir, m.paths.WorkDir)
	result.ScriptsRun = completed
	if err != nil {
		// Scripts phase failure is fatal: SyncState is not committed, so
		// a re-run reattempts from the last successfully committed baseline.
		return result, err
	}

	state, err := LoadSyncState(m.paths.StateDir)
	if err != nil {
		return result, provisionerrors.New(provisionerrors.KindState, err)
	}
	for path, hash := range hashes {
		state.FilesHashes[path] = hash
	}
	for _, name := range completed {
		state.ScriptsCompleted[name] = 0
	}
	if err := CommitSyncState(m.paths.StateDir, state); err != nil {
		return result, provisionerrors.New(provisionerrors.KindState, err)
	}

	return result, nil
}
