// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package backup // import "github.com/nvpatch/nvpatch/backup"

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Export writes a zstd-compressed tar snapshot of the store (all committed
// backups plus the manifest, if present) to w, for off-host archiving.
// Temporary files are skipped.
func (store *Store) Export(w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	addFile := func(name, fullPath string) error {
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", fullPath, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to build tar header: %w", err)
		}
		header.Name = name
		if err = tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", fullPath, err)
		}
		defer file.Close()

		if _, err = io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to archive %s: %w", fullPath, err)
		}
		return nil
	}

	records, err := store.List()
	if err != nil {
		return err
	}
	for _, record := range records {
		if err = addFile(record.Digest.String(), record.Path); err != nil {
			return err
		}
	}

	manifestPath := filepath.Join(store.root, manifestName)
	if _, err = os.Stat(manifestPath); err == nil {
		if err = addFile(manifestName, manifestPath); err != nil {
			return err
		}
	}

	if err = tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return zw.Close()
}
