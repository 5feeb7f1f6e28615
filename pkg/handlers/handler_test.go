package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// fakeChannel scripts canned output for each command it sees, keyed by
// the full joined command string.
type fakeChannel struct {
	responses map[string]fakeResponse
}

type fakeResponse struct {
	lines    []string
	exitCode int
}

func (f *fakeChannel) Exec(ctx context.Context, command []string) (<-chan remoteshell.Line, error) {
	key := ""
	for i, c := range command {
		if i > 0 {
			key += " "
		}
		key += c
	}
	resp, ok := f.responses[key]
	if !ok {
		resp = fakeResponse{exitCode: 1}
	}

	out := make(chan remoteshell.Line, len(resp.lines)+1)
	for _, l := range resp.lines {
		out <- remoteshell.Line{Text: l}
	}
	out <- remoteshell.Line{Done: true, ExitCode: resp.exitCode}
	close(out)
	return out, nil
}

func (f *fakeChannel) Upload(ctx context.Context, path string, content []byte, mode uint32) error {
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestValidNameRejectsShellMetacharacters(t *testing.T) {
	assert.True(t, ValidName("nginx"))
	assert.True(t, ValidName("python3.11"))
	assert.False(t, ValidName("nginx; rm -rf /"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("nginx && curl evil.sh"))
}

func TestRegistryResolvesBuiltinManagers(t *testing.T) {
	r := NewRegistry()

	for _, m := range []types.PackageManager{types.ManagerAPT, types.ManagerAPK, types.ManagerDNF, types.ManagerNPM, types.ManagerPIP} {
		h, err := r.Get(m)
		require.NoError(t, err)
		assert.Equal(t, m, h.Manager())
	}

	_, err := r.Get(types.ManagerCustom)
	assert.Error(t, err, "custom entries are driven by CustomEntry, not a registry Installer")
}

func TestAPTIsInstalledReadsStatusField(t *testing.T) {
	ch := &fakeChannel{responses: map[string]fakeResponse{
		"sh -c dpkg -s nginx 2>/dev/null": {
			lines: []string{"Package: nginx", "Status: install ok installed", "Version: 1.0"},
		},
		"sh -c dpkg -s removed-pkg 2>/dev/null": {
			lines: []string{"Package: removed-pkg", "Status: deinstall ok config-files"},
		},
	}}
	h := &APTHandler{}

	ok, err := h.IsInstalled(context.Background(), ch, "nginx")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.IsInstalled(context.Background(), ch, "removed-pkg")
	require.NoError(t, err)
	assert.False(t, ok, "a removed-but-not-purged package must not count as installed")

	ok, err = h.IsInstalled(context.Background(), ch, "missing-pkg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNPMIsInstalledRequiresExactKeyMatch(t *testing.T) {
	ch := &fakeChannel{responses: map[string]fakeResponse{
		"sh -c npm ls -g --json --depth=0 'express' 2>/dev/null": {
			lines: []string{`{"dependencies":{"express-session":{"version":"1.0.0"}}}`},
		},
	}}
	h := &NPMHandler{}

	ok, err := h.IsInstalled(context.Background(), ch, "express")
	require.NoError(t, err)
	assert.False(t, ok, "express-session must not count as express being installed")
}

func TestParseCustomEntry(t *testing.T) {
	e, err := ParseCustomEntry("wait-script|test -f /ready|touch /ready|60")
	require.NoError(t, err)
	assert.Equal(t, "wait-script", e.Name)
	assert.Equal(t, 60e9, float64(e.Timeout))

	_, err = ParseCustomEntry("bad-entry|only-two-fields")
	assert.Error(t, err)

	e2, err := ParseCustomEntry("no-timeout|check|install")
	require.NoError(t, err)
	assert.Equal(t, defaultCustomTimeout, e2.Timeout)
}

func TestCustomEntryInstallFailsOnNonZeroExit(t *testing.T) {
	ch := &fakeChannel{responses: map[string]fakeResponse{
		"sh -c will-fail": {exitCode: 1},
	}}
	e := CustomEntry{Name: "x", CheckCmd: "c", InstallCmd: "will-fail", Timeout: defaultCustomTimeout}

	err := e.Install(context.Background(), ch)
	assert.Error(t, err)
}

func TestAPTInstallBatchesNames(t *testing.T) {
	ch := &fakeChannel{responses: map[string]fakeResponse{
		"sh -c DEBIAN_FRONTEND=noninteractive apt-get install -y curl git": {exitCode: 0},
	}}
	h := &APTHandler{}

	err := h.Install(context.Background(), ch, []string{"curl", "git"})
	assert.NoError(t, err)
}
