package confmanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/types"
)

func TestManifestRoundTrip(t *testing.T) {
	files := []types.ManagedFile{
		{Name: "motd", TargetPath: "/etc/motd", Policy: types.FilePolicyReplace, Content: "hello\n"},
		{Name: "bashrc", TargetPath: "/home/USER/.bashrc", Policy: types.FilePolicyBackup, Content: "alias ll='ls -la'\n"},
	}

	data, err := MarshalManifest(files)
	require.NoError(t, err)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "files", "manifest.json"), string(data))

	loaded, err := LoadManifest(root)
	require.NoError(t, err)
	assert.Equal(t, files, loaded)
}

func TestLoadManifestMissingFileReturnsNilNil(t *testing.T) {
	loaded, err := LoadManifest(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
