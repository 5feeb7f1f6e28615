package remoteshell

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, lines <-chan Line) (text []string, exitCode int) {
	t.Helper()
	for l := range lines {
		if l.Done {
			exitCode = l.ExitCode
			continue
		}
		text = append(text, l.Text)
	}
	return text, exitCode
}

func TestLocalChannelExecCapturesOutputAndExitCode(t *testing.T) {
	ch := NewLocalChannel()
	lines, err := ch.Exec(context.Background(), []string{"sh", "-c", "echo hello"})
	require.NoError(t, err)

	text, exitCode := drain(t, lines)
	assert.Equal(t, []string{"hello"}, text)
	assert.Equal(t, 0, exitCode)
}

func TestLocalChannelExecReportsNonZeroExit(t *testing.T) {
	ch := NewLocalChannel()
	lines, err := ch.Exec(context.Background(), []string{"sh", "-c", "exit 7"})
	require.NoError(t, err)

	_, exitCode := drain(t, lines)
	assert.Equal(t, 7, exitCode)
}

func TestLocalChannelUploadWritesFile(t *testing.T) {
	ch := NewLocalChannel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")

	require.NoError(t, ch.Upload(context.Background(), path, []byte("content"), 0o644))

	lines, err := ch.Exec(context.Background(), []string{"cat", path})
	require.NoError(t, err)
	text, exitCode := drain(t, lines)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, []string{"content"}, text)
}
