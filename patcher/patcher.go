// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package patcher applies the byte-level edits of a patch descriptor to a
// kernel module file, and independently verifies the result. Applying a
// patch is the only persistent mutation in the whole system; it happens
// through an atomic temp-file-and-rename replacement, never through
// in-place writes on the live file.
package patcher // import "github.com/nvpatch/nvpatch/patcher"

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nvpatch/nvpatch/descriptor"
)

// elfMagic is the executable-and-linkable-format header every kernel
// module file starts with. Files lacking it are refused outright.
var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// localTempPrefix marks replacement files that haven't been renamed into
// place yet.
const localTempPrefix = "tmp."

// Applier performs the transactional byte substitution described by a
// descriptor against a target module file. It retains no file content
// beyond the scope of one operation.
type Applier struct {
	locks *pathLocks

	// commit flushes and renames a finished temp file over the target.
	// Tests replace it to inject write faults.
	commit func(temp *os.File, finalPath string) error
}

// NewApplier creates an Applier.
func NewApplier() *Applier {
	return &Applier{
		locks:  newPathLocks(),
		commit: commitTempFile,
	}
}

// WithLock runs fn while holding the in-process lock serializing mutations
// of the module at path. The orchestrator routes rollbacks through this so
// a restore can never interleave with a patch of the same file.
func (a *Applier) WithLock(path string, fn func() error) error {
	return a.locks.withLock(path, fn)
}

// Check classifies the module at path against the descriptor without
// writing anything. It returns AlreadyPatched if every edit and the marker
// are in place, Success if the file matches the unpatched original (fully
// or partially patched without marker counts as patchable), and
// OffsetMismatch or IoError otherwise.
func (a *Applier) Check(path string, desc *descriptor.Descriptor) (State, error) {
	var state State
	err := a.WithLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			state = IoError
			return fmt.Errorf("failed to read module: %w", err)
		}
		state, err = classify(data, desc)
		return err
	})
	return state, err
}

// Apply patches the module at path according to the descriptor.
//
// The module is read fully into memory, classified against the descriptor,
// and - only if every edited region holds either the original or the
// replacement bytes - rewritten with all edits plus the marker applied. The
// new content is persisted by writing a temporary file next to the target
// and renaming it into place, so a crash mid-write leaves the original
// file untouched. A file that is already fully patched is returned as
// AlreadyPatched without being touched at all.
func (a *Applier) Apply(path string, desc *descriptor.Descriptor) (State, error) {
	var state State
	err := a.WithLock(path, func() error {
		var err error
		state, err = a.applyLocked(path, desc)
		return err
	})
	return state, err
}

func (a *Applier) applyLocked(path string, desc *descriptor.Descriptor) (State, error) {
	file, err := os.Open(path)
	if err != nil {
		return IoError, fmt.Errorf("failed to open module: %w", err)
	}
	defer file.Close()

	// Advisory lock against concurrent patcher processes. Released
	// implicitly when the file is closed.
	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return IoError, fmt.Errorf("module %s is locked by another process: %w",
			path, err)
	}

	info, err := file.Stat()
	if err != nil {
		return IoError, fmt.Errorf("failed to stat module: %w", err)
	}

	data := make([]byte, info.Size())
	if _, err = io.ReadFull(file, data); err != nil {
		return IoError, fmt.Errorf("failed to read module: %w", err)
	}

	state, err := classify(data, desc)
	if state != Success {
		return state, err
	}

	for i := range desc.Edits {
		edit := &desc.Edits[i]
		copy(data[edit.Offset:edit.End()], edit.Replacement)
		log.Debugf("%s: replaced %d bytes at %#x", desc.Module,
			len(edit.Replacement), edit.Offset)
	}
	copy(data[desc.MarkerOffset:], desc.Marker)

	if err = a.persist(path, data, info.Mode().Perm()); err != nil {
		return IoError, err
	}

	log.Infof("Patched %s (%d edits)", path, len(desc.Edits))
	return Success, nil
}

// persist atomically replaces the file at path with data, preserving mode.
func (a *Applier) persist(path string, data []byte, mode os.FileMode) error {
	temp, err := os.CreateTemp(filepath.Dir(path), localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer temp.Close()

	if _, err = temp.Write(data); err != nil {
		_ = os.Remove(temp.Name())
		return fmt.Errorf("failed to write patched content: %w", err)
	}
	if err = temp.Chmod(mode); err != nil {
		_ = os.Remove(temp.Name())
		return fmt.Errorf("failed to set mode on patched file: %w", err)
	}
	if err = a.commit(temp, path); err != nil {
		_ = os.Remove(temp.Name())
		return err
	}
	return nil
}

// classify decides whether the module content can be patched. It returns
// Success when every edit region holds either the original or (for a
// partially completed earlier run) the replacement bytes, AlreadyPatched
// when all edits and the marker are in place, and OffsetMismatch for
// everything else. classify never modifies data.
func classify(data []byte, desc *descriptor.Descriptor) (State, error) {
	if !bytes.HasPrefix(data, elfMagic) {
		return OffsetMismatch, fmt.Errorf("%w: missing ELF magic", ErrOffsetMismatch)
	}
	if desc.ExpectedSize > 0 && int64(len(data)) != desc.ExpectedSize {
		return OffsetMismatch, fmt.Errorf("%w: file is %d bytes, expected %d",
			ErrOffsetMismatch, len(data), desc.ExpectedSize)
	}
	if int64(len(data)) < desc.MinFileSize() {
		return OffsetMismatch, fmt.Errorf("%w: file is %d bytes, too small for edits",
			ErrOffsetMismatch, len(data))
	}

	patched := 0
	for i := range desc.Edits {
		edit := &desc.Edits[i]
		current := data[edit.Offset:edit.End()]
		switch {
		case bytes.Equal(current, edit.Replacement):
			patched++
		case bytes.Equal(current, edit.Original):
			// Unpatched, as expected.
		default:
			return OffsetMismatch, fmt.Errorf(
				"%w: unexpected bytes % X at offset %#x (edit %d)",
				ErrOffsetMismatch, current, edit.Offset, i)
		}
	}

	markerPresent := bytes.Equal(
		data[desc.MarkerOffset:desc.MarkerOffset+int64(len(desc.Marker))],
		desc.Marker)

	if patched == len(desc.Edits) && markerPresent {
		return AlreadyPatched, nil
	}

	return Success, nil
}

// commitTempFile makes sure that the given file is flushed to disk, then
// moves it to its final destination.
func commitTempFile(temp *os.File, finalPath string) error {
	if err := unix.Fsync(int(temp.Fd())); err != nil {
		return fmt.Errorf("failed to flush file to disk: %w", err)
	}
	if err := os.Rename(temp.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	return nil
}

