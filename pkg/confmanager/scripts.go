package confmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/provisionerrors"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
)

// discoveredScript is one script file found under scripts/, with its
// ordering key parsed from the "NN-<name>.sh" filename convention.
// DisplayName keeps the NN prefix (e.g. "20-finish") for error messages
// and logs; Name is the bare portion used as the tie-break sort key.
type discoveredScript struct {
	Order       int
	Name        string
	DisplayName string
	Path        string
}

// discoverScripts lists scriptsDir and orders entries by ascending
// (order, name), ties broken by name, matching the Script ordering rule.
func discoverScripts(scriptsDir string) ([]discoveredScript, error) {
	entries, err := os.ReadDir(scriptsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var scripts []discoveredScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		order, name, ok := parseScriptFilename(entry.Name())
		if !ok {
			log.WithComponent("confmanager.scripts").Warn().Str("file", entry.Name()).Msg("skipping script file not matching NN-<name>.sh")
			continue
		}
		scripts = append(scripts, discoveredScript{
			Order:       order,
			Name:        name,
			DisplayName: strings.TrimSuffix(entry.Name(), ".sh"),
			Path:        filepath.Join(scriptsDir, entry.Name()),
		})
	}

	sort.Slice(scripts, func(i, j int) bool {
		if scripts[i].Order != scripts[j].Order {
			return scripts[i].Order < scripts[j].Order
		}
		return scripts[i].Name < scripts[j].Name
	})
	return scripts, nil
}

func parseScriptFilename(filename string) (order int, name string, ok bool) {
	if !strings.HasSuffix(filename, ".sh") {
		return 0, "", false
	}
	base := strings.TrimSuffix(filename, ".sh")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}

// RunScripts executes every discovered script in order, streaming
// output to the logger. A non-zero exit is fatal: remaining scripts are
// not run, and the failing script's name and exit code are reported.
func RunScripts(ctx context.Context, ch remoteshell.Channel, scriptsDir, workDir string) (completed []string, err error) {
	logger := log.WithComponent("confmanager.scripts")

	scripts, err := discoverScripts(scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("discovering scripts: %w", err)
	}

	for _, s := range scripts {
		content, readErr := os.ReadFile(s.Path)
		if readErr != nil {
			return completed, fmt.Errorf("reading script %s: %w", s.DisplayName, readErr)
		}

		workPath := filepath.Join(workDir, filepath.Base(s.Path))
		if uploadErr := ch.Upload(ctx, workPath, content, 0o755); uploadErr != nil {
			return completed, fmt.Errorf("uploading script %s: %w", s.DisplayName, uploadErr)
		}

		lines, execErr := ch.Exec(ctx, []string{"sh", workPath})
		if execErr != nil {
			return completed, fmt.Errorf("starting script %s: %w", s.DisplayName, execErr)
		}

		exitCode := -1
		for l := range lines {
			if l.Done {
				exitCode = l.ExitCode
				continue
			}
			logger.Info().Str("script", s.DisplayName).Msg(l.Text)
		}

		if exitCode != 0 {
			return completed, provisionerrors.Newf(provisionerrors.KindRemoteExec, "script %q failed with exit code %d", s.DisplayName, exitCode)
		}

		// On success, remove the uploaded working file; only the local
		// discoveredScript.Name is recorded as completed.
		_, _ = ch.Exec(ctx, []string{"rm", "-f", workPath})
		completed = append(completed, s.Name)
	}

	return completed, nil
}
