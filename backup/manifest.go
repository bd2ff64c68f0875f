// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package backup // import "github.com/nvpatch/nvpatch/backup"

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nvpatch/nvpatch/digest"
)

// manifestName is the name of the structured sidecar record written next to
// the stored backups, once per patch run. Operational tooling reads it to
// map modules back to their pre-patch digests.
const manifestName = "manifest.json"

// Entry records the backup of one kernel module.
type Entry struct {
	// Module is the canonical module file name.
	Module string `json:"module"`
	// Path is the absolute path of the live module file.
	Path string `json:"path"`
	// Size of the original module in bytes.
	Size int64 `json:"size"`
	// Digest of the original, unpatched content; keys the backup store.
	Digest digest.Digest `json:"digest"`
	// BackupPath is the stored copy's location inside the store.
	BackupPath string `json:"backupPath"`
}

// Manifest describes the backups taken during one patch run.
type Manifest struct {
	DriverVersion string    `json:"driverVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Entries       []Entry   `json:"entries"`
}

// Entry returns the manifest entry for the given module name.
func (m *Manifest) Entry(module string) (*Entry, bool) {
	for i := range m.Entries {
		if m.Entries[i].Module == module {
			return &m.Entries[i], true
		}
	}
	return nil, false
}

// WriteManifest atomically replaces the manifest in the store rooted at
// root.
func WriteManifest(root string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	temp, err := os.CreateTemp(root, localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest: %w", err)
	}
	defer temp.Close()

	if _, err = temp.Write(data); err != nil {
		_ = os.Remove(temp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err = commitTempFile(temp, filepath.Join(root, manifestName)); err != nil {
		_ = os.Remove(temp.Name())
		return err
	}
	return nil
}

// ReadManifest loads the manifest from the store rooted at root. The error
// wraps os.ErrNotExist if no manifest has been written yet.
func ReadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err = json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
