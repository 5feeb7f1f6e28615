package confmanager

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/infrahaus/provisioner/pkg/handlers"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// extensionForManager maps a packages/ file extension to its ecosystem.
var extensionForManager = map[string]types.PackageManager{
	".apt": types.ManagerAPT,
	".apk": types.ManagerAPK,
	".dnf": types.ManagerDNF,
	".npm": types.ManagerNPM,
	".pip": types.ManagerPIP,
}

// ApplyPackages runs the packages phase: update the native index once,
// then for every packages/ file, parse/filter/install according to its
// extension. A single ecosystem's failure never stops the others.
func ApplyPackages(ctx context.Context, ch remoteshell.Channel, registry *handlers.Registry, detection *Detection, packagesDir string) (types.PackagePhaseResult, error) {
	logger := log.WithComponent("confmanager.packages")
	var result types.PackagePhaseResult

	entries, err := os.ReadDir(packagesDir)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return result, err
	}

	nativeUpdated := false
	nativeUpdateFailed := false
	updatedEcosystems := map[types.PackageManager]bool{}
	failedEcosystems := map[types.PackageManager]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(packagesDir, entry.Name())
		ext := filepath.Ext(entry.Name())

		if ext == ".custom" {
			r := applyCustomFile(ctx, ch, path)
			result.Add(r)
			continue
		}

		manager, ok := extensionForManager[ext]
		if !ok {
			logger.Warn().Str("file", entry.Name()).Msg("skipping packages file with unrecognized extension")
			continue
		}

		h, err := registry.Get(manager)
		if err != nil {
			logger.Error().Err(err).Str("manager", string(manager)).Msg("no handler for ecosystem")
			result.Failed += countLines(path)
			continue
		}

		if manager == detection.Manager.Manager() {
			if nativeUpdateFailed {
				result.Failed += countLines(path)
				continue
			}
			if !nativeUpdated {
				if err := h.UpdateIndex(ctx, ch); err != nil {
					logger.Error().Err(err).Msg("native index update failed; all native packages in this sync count as failed")
					result.Failed += countLines(path)
					nativeUpdated = true
					nativeUpdateFailed = true
					continue
				}
				nativeUpdated = true
			}
		} else {
			available, err := h.Available(ctx, ch)
			if err != nil || !available {
				logger.Warn().Str("manager", string(manager)).Msg("ecosystem unavailable, skipping file")
				continue
			}
			if failedEcosystems[manager] {
				result.Failed += countLines(path)
				continue
			}
			if !updatedEcosystems[manager] {
				if err := h.UpdateIndex(ctx, ch); err != nil {
					logger.Error().Err(err).Str("manager", string(manager)).Msg("index update failed for ecosystem")
					result.Failed += countLines(path)
					updatedEcosystems[manager] = true
					failedEcosystems[manager] = true
					continue
				}
				updatedEcosystems[manager] = true
			}
		}

		r, err := applyPackageFile(ctx, ch, h, path)
		if err != nil {
			logger.Error().Err(err).Str("file", entry.Name()).Msg("package file processing failed")
		}
		result.Add(r)
	}

	logger.Info().Int("installed", result.Installed).Int("skipped", result.Skipped).Int("failed", result.Failed).Msg("packages phase complete")
	return result, nil
}

func applyPackageFile(ctx context.Context, ch remoteshell.Channel, h handlers.Installer, path string) (types.PackagePhaseResult, error) {
	var result types.PackagePhaseResult
	names, err := parsePackageLines(path)
	if err != nil {
		return result, err
	}

	var toInstall []string
	for _, name := range names {
		if !handlers.ValidName(name) {
			log.WithComponent("confmanager.packages").Warn().Str("name", name).Msg("invalid package name, skipping")
			continue
		}
		installed, err := h.IsInstalled(ctx, ch, name)
		if err != nil {
			result.Failed++
			continue
		}
		if installed {
			result.Skipped++
			continue
		}
		toInstall = append(toInstall, name)
	}

	if len(toInstall) == 0 {
		return result, nil
	}

	if err := h.Install(ctx, ch, toInstall); err != nil {
		result.Failed += len(toInstall)
		return result, err
	}
	result.Installed += len(toInstall)
	return result, nil
}

func applyCustomFile(ctx context.Context, ch remoteshell.Channel, path string) types.PackagePhaseResult {
	var result types.PackagePhaseResult
	logger := log.WithComponent("confmanager.packages")

	lines, err := readNonCommentLines(path)
	if err != nil {
		return result
	}

	for _, line := range lines {
		entry, err := handlers.ParseCustomEntry(line)
		if err != nil {
			logger.Warn().Err(err).Msg("rejecting malformed custom package line")
			continue
		}

		installed, err := entry.IsInstalled(ctx, ch)
		if err != nil {
			result.Failed++
			continue
		}
		if installed {
			result.Skipped++
			continue
		}

		if err := entry.Install(ctx, ch); err != nil {
			logger.Error().Err(err).Str("name", entry.Name).Msg("custom package install failed")
			result.Failed++
			continue
		}

		verified, err := entry.IsInstalled(ctx, ch)
		if err != nil || !verified {
			logger.Error().Str("name", entry.Name).Msg("custom package install did not verify")
			result.Failed++
			continue
		}
		result.Installed++
	}

	return result
}

// parsePackageLines reads one package name per line, stripping comments
// and blank lines per §6's line syntax.
func parsePackageLines(path string) ([]string, error) {
	return readNonCommentLines(path)
}

func readNonCommentLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func countLines(path string) int {
	lines, err := readNonCommentLines(path)
	if err != nil {
		return 0
	}
	return len(lines)
}
