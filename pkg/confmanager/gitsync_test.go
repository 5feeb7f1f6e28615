package confmanager

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
)

// scriptedChannel answers Exec by matching the joined command against a
// fixed exit-code table, enough to drive git-sync without a real git
// binary or network access.
type scriptedChannel struct {
	exitCodes map[string]int
	ran       []string
}

func (c *scriptedChannel) Exec(ctx context.Context, command []string) (<-chan remoteshell.Line, error) {
	key := strings.Join(command, " ")
	c.ran = append(c.ran, key)
	out := make(chan remoteshell.Line, 1)
	out <- remoteshell.Line{Done: true, ExitCode: c.exitCodes[key]}
	close(out)
	return out, nil
}

func (c *scriptedChannel) Upload(ctx context.Context, path string, content []byte, mode uint32) error {
	return nil
}

func (c *scriptedChannel) Close() error { return nil }

func TestResolveConfigRootClonesWhenNoExistingCheckout(t *testing.T) {
	ch := &scriptedChannel{exitCodes: map[string]int{
		"sh -c test -d /var/lib/config-manager/repo/.git":                     1,
		"git clone --depth 1 --branch main https://example.com/cfg.git /var/lib/config-manager/repo": 0,
	}}

	root, err := ResolveConfigRoot(context.Background(), ch, GitSyncConfig{
		RepoURL: "https://example.com/cfg.git",
		Branch:  "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/config-manager/repo", root)
	assert.Contains(t, ch.ran, "git clone --depth 1 --branch main https://example.com/cfg.git /var/lib/config-manager/repo")
}

func TestResolveConfigRootPullsWhenAlreadyCloned(t *testing.T) {
	ch := &scriptedChannel{exitCodes: map[string]int{
		"sh -c test -d /var/lib/config-manager/repo/.git":          0,
		"git -C /var/lib/config-manager/repo pull --ff-only": 0,
	}}

	root, err := ResolveConfigRoot(context.Background(), ch, GitSyncConfig{
		RepoURL: "https://example.com/cfg.git",
		Branch:  "main",
		Path:    "containers/web",
	})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/config-manager/repo/containers/web", root)
	assert.Contains(t, ch.ran, "git -C /var/lib/config-manager/repo pull --ff-only")
	for _, c := range ch.ran {
		assert.NotContains(t, c, "clone")
	}
}

func TestResolveConfigRootPullFailureIsFatal(t *testing.T) {
	ch := &scriptedChannel{exitCodes: map[string]int{
		"sh -c test -d /var/lib/config-manager/repo/.git":          0,
		"git -C /var/lib/config-manager/repo pull --ff-only": 1,
	}}

	_, err := ResolveConfigRoot(context.Background(), ch, GitSyncConfig{RepoURL: "https://example.com/cfg.git", Branch: "main"})
	require.Error(t, err)
}
