package confmanager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/provisionerrors"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
)

// GitSyncConfig configures the Configuration Manager's optional
// git-sync mode: when RepoURL is set, ResolveConfigRoot resolves the
// sync's config root from a clone of RepoURL at Branch instead of a
// fixed, pre-populated directory.
type GitSyncConfig struct {
	RepoURL string
	Branch  string
	Path    string // subdirectory within the clone holding packages/scripts/files
}

// gitSyncCloneDir is where the config repo is cloned. It is fixed
// rather than derived from RepoURL since only one git-sync repo is
// ever active per container.
const gitSyncCloneDir = "/var/lib/config-manager/repo"

// ResolveConfigRoot clones cfg.RepoURL into gitSyncCloneDir the first
// time it is called, and fast-forward pulls it on every later call,
// returning the effective config root: the clone joined with cfg.Path
// when set. A git failure is fatal, since a stale or missing clone
// would make a sync pass run against garbage.
func ResolveConfigRoot(ctx context.Context, ch remoteshell.Channel, cfg GitSyncConfig) (string, error) {
	logger := log.WithComponent("confmanager.gitsync")

	cloned, err := dirExists(ctx, ch, filepath.Join(gitSyncCloneDir, ".git"))
	if err != nil {
		return "", provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("probing config repo clone: %w", err))
	}

	if cloned {
		if err := runGit(ctx, ch, []string{"git", "-C", gitSyncCloneDir, "pull", "--ff-only"}); err != nil {
			return "", provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("pulling config repo: %w", err))
		}
		logger.Info().Str("repo", cfg.RepoURL).Msg("pulled config repo")
	} else {
		args := []string{"git", "clone", "--depth", "1"}
		if cfg.Branch != "" {
			args = append(args, "--branch", cfg.Branch)
		}
		args = append(args, cfg.RepoURL, gitSyncCloneDir)
		if err := runGit(ctx, ch, args); err != nil {
			return "", provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("cloning config repo: %w", err))
		}
		logger.Info().Str("repo", cfg.RepoURL).Str("branch", cfg.Branch).Msg("cloned config repo")
	}

	if cfg.Path != "" {
		return filepath.Join(gitSyncCloneDir, cfg.Path), nil
	}
	return gitSyncCloneDir, nil
}

func dirExists(ctx context.Context, ch remoteshell.Channel, path string) (bool, error) {
	lines, err := ch.Exec(ctx, []string{"sh", "-c", fmt.Sprintf("test -d %s", path)})
	if err != nil {
		return false, err
	}
	for l := range lines {
		if l.Done {
			return l.ExitCode == 0, nil
		}
	}
	return false, nil
}

func runGit(ctx context.Context, ch remoteshell.Channel, command []string) error {
	logger := log.WithComponent("confmanager.gitsync")

	lines, err := ch.Exec(ctx, command)
	if err != nil {
		return err
	}
	exitCode := -1
	for l := range lines {
		if l.Done {
			exitCode = l.ExitCode
			continue
		}
		if l.Text != "" {
			logger.Info().Msg(l.Text)
		}
	}
	if exitCode != 0 {
		return fmt.Errorf("command %v exited %d", command, exitCode)
	}
	return nil
}
