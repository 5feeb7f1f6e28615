package confmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/infrahaus/provisioner/pkg/types"
)

const manifestFilename = "manifest.json"

// LoadManifest reads the managed-files manifest the host-side deploy
// phase writes under <configRoot>/files/manifest.json. A missing
// manifest is not an error: a template with no managed files never gets
// one written.
func LoadManifest(configRoot string) ([]types.ManagedFile, error) {
	path := filepath.Join(configRoot, "files", manifestFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading managed-files manifest: %w", err)
	}

	var files []types.ManagedFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("parsing managed-files manifest: %w", err)
	}
	return files, nil
}

// MarshalManifest serializes files for the host-side deploy phase to
// upload alongside the rest of a container's config directory.
func MarshalManifest(files []types.ManagedFile) ([]byte, error) {
	return json.MarshalIndent(files, "", "  ")
}
