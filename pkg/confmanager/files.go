package confmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/types"
)

// FilesPhaseResult summarizes how many managed files were written,
// skipped, or failed.
type FilesPhaseResult struct {
	Written int
	Skipped int
	Failed  int
}

// ApplyFiles applies every ManagedFile against the local filesystem
// under its declared policy. stateDir is where backup-policy copies are
// stored. A single file's write failure never stops the rest.
func ApplyFiles(files []types.ManagedFile, containerUser, stateDir string) (FilesPhaseResult, map[string]string) {
	logger := log.WithComponent("confmanager.files")
	var result FilesPhaseResult
	hashes := make(map[string]string)

	for _, f := range files {
		target := strings.ReplaceAll(f.TargetPath, "USER", containerUser)

		switch f.Policy {
		case types.FilePolicyReplace:
			if err := atomicWrite(target, []byte(f.Content), 0o644); err != nil {
				logger.Error().Err(err).Str("path", target).Msg("failed to write replace-policy file")
				result.Failed++
				continue
			}
			result.Written++

		case types.FilePolicyDefault:
			if _, err := os.Stat(target); err == nil {
				result.Skipped++
				continue
			}
			if err := atomicWrite(target, []byte(f.Content), 0o644); err != nil {
				logger.Error().Err(err).Str("path", target).Msg("failed to write default-policy file")
				result.Failed++
				continue
			}
			result.Written++

		case types.FilePolicyBackup:
			existing, err := os.ReadFile(target)
			if err != nil {
				// No existing destination: write fresh, nothing to back up.
				if err := atomicWrite(target, []byte(f.Content), 0o644); err != nil {
					logger.Error().Err(err).Str("path", target).Msg("failed to write backup-policy file")
					result.Failed++
					continue
				}
				result.Written++
				continue
			}
			if contentHash(existing) == contentHash([]byte(f.Content)) {
				result.Skipped++
				continue
			}
			if err := backupExisting(target, existing, stateDir); err != nil {
				logger.Error().Err(err).Str("path", target).Msg("failed to back up existing file before overwrite")
				result.Failed++
				continue
			}
			if err := atomicWrite(target, []byte(f.Content), 0o644); err != nil {
				logger.Error().Err(err).Str("path", target).Msg("failed to write backup-policy file after backing up original")
				result.Failed++
				continue
			}
			result.Written++

		default:
			logger.Warn().Str("policy", string(f.Policy)).Str("path", target).Msg("invalid managed-file policy, skipping")
			result.Failed++
			continue
		}

		hashes[target] = contentHash([]byte(f.Content))
	}

	logger.Info().Int("written", result.Written).Int("skipped", result.Skipped).Int("failed", result.Failed).Msg("files phase complete")
	return result, hashes
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// atomicWrite writes content to a temp file in the same directory as
// path, then renames it into place, so a concurrent reader never sees a
// partially-written file.
func atomicWrite(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting mode on temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place for %s: %w", path, err)
	}
	return nil
}

// backupExisting preserves content as a timestamped copy under
// <stateDir>/backups/ before it is overwritten.
func backupExisting(originalPath string, content []byte, stateDir string) error {
	backupDir := filepath.Join(stateDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%d.bak", filepath.Base(originalPath), time.Now().UnixNano())
	return os.WriteFile(filepath.Join(backupDir, name), content, 0o600)
}
