package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// NPMHandler installs global npm packages.
type NPMHandler struct{}

func (h *NPMHandler) Manager() types.PackageManager { return types.ManagerNPM }

func (h *NPMHandler) Available(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	return runOK(ctx, ch, []string{"sh", "-c", "command -v npm"})
}

// UpdateIndex is a no-op: npm resolves against the registry per-install,
// there is no local index to refresh.
func (h *NPMHandler) UpdateIndex(ctx context.Context, ch remoteshell.Channel) error {
	return nil
}

type npmListOutput struct {
	Dependencies map[string]json.RawMessage `json:"dependencies"`
}

// IsInstalled queries npm's structured JSON listing and checks for an
// exact key match, rather than grepping plain-text output — a substring
// match would also report "express" installed when only
// "express-session" is present. If npm produces no parseable JSON (older
// npm versions under --depth=0 with a missing package), it falls back to
// the tree-rendered listing and matches a whole path component.
func (h *NPMHandler) IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("invalid package name %q", name)
	}
	bare := stripVersionSuffix(name)

	lines, _, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("npm ls -g --json --depth=0 %s 2>/dev/null", shellQuote(bare))})
	if err != nil {
		return false, err
	}

	var out npmListOutput
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &out); err == nil {
		_, ok := out.Dependencies[bare]
		return ok, nil
	}

	// Fallback: plain tree listing, one package per line as "└── name@version".
	treeLines, _, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("npm ls -g --depth=0 2>/dev/null")})
	if err != nil {
		return false, err
	}
	for _, l := range treeLines {
		if npmTreeLineMatches(l, bare) {
			return true, nil
		}
	}
	return false, nil
}

// npmTreeLineMatches checks that name appears as the whole package-name
// component of a tree-rendered listing line, not merely as a substring.
func npmTreeLineMatches(line, name string) bool {
	trimmed := strings.TrimLeft(line, "├└│─ \t")
	if at := strings.LastIndex(trimmed, "@"); at > 0 {
		trimmed = trimmed[:at]
	}
	return trimmed == name
}

func (h *NPMHandler) Install(ctx context.Context, ch remoteshell.Channel, names []string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = shellQuote(n)
	}
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("npm install -g %s", strings.Join(quoted, " "))})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("npm install -g %s exited %d", strings.Join(names, " "), code)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
