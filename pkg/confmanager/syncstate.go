package confmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/infrahaus/provisioner/pkg/types"
)

const syncStateFilename = "syncstate.json"

// LoadSyncState reads the last committed SyncState from stateDir, or
// returns a fresh one if this is the first sync.
func LoadSyncState(stateDir string) (*types.SyncState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, syncStateFilename))
	if os.IsNotExist(err) {
		return types.NewSyncState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}

	state := types.NewSyncState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing sync state: %w", err)
	}
	return state, nil
}

// CommitSyncState writes state atomically (temp-then-rename). Called
// only after every phase in a sync has succeeded; a hard failure must
// leave the previous committed state untouched so a re-run reattempts
// from the same baseline.
func CommitSyncState(stateDir string, state *types.SyncState) error {
	state.LastRunAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sync state: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	return atomicWrite(filepath.Join(stateDir, syncStateFilename), data, 0o600)
}
