// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package patcher // import "github.com/nvpatch/nvpatch/patcher"

import (
	"bytes"
	"fmt"
	"os"

	"github.com/nvpatch/nvpatch/descriptor"
)

// Verify independently re-reads the module at path and confirms the patch
// is complete: every edit holds its replacement bytes, the marker is
// present, and the file length equals originalSize (0 skips the length
// check). It deliberately shares no state with the applier's in-memory
// buffer, so disk-level corruption between write and verify is caught.
// Verify never modifies the file.
func Verify(path string, desc *descriptor.Descriptor, originalSize int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to re-read module: %w", err)
	}

	if originalSize > 0 && int64(len(data)) != originalSize {
		return fmt.Errorf("%w: file is %d bytes, original was %d",
			ErrVerificationFailed, len(data), originalSize)
	}
	if int64(len(data)) < desc.MinFileSize() {
		return fmt.Errorf("%w: file is %d bytes, too small for the patch",
			ErrVerificationFailed, len(data))
	}

	for i := range desc.Edits {
		edit := &desc.Edits[i]
		current := data[edit.Offset:edit.End()]
		if !bytes.Equal(current, edit.Replacement) {
			return fmt.Errorf("%w: bytes % X at offset %#x, expected % X",
				ErrVerificationFailed, current, edit.Offset, edit.Replacement)
		}
	}

	marker := data[desc.MarkerOffset : desc.MarkerOffset+int64(len(desc.Marker))]
	if !bytes.Equal(marker, desc.Marker) {
		return fmt.Errorf("%w: marker missing at offset %#x",
			ErrVerificationFailed, desc.MarkerOffset)
	}

	return nil
}
