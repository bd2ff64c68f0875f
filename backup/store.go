// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup implements a content-addressed store for the original
// bytes of kernel modules. Backups are keyed by the digest of their
// content, so identical originals collapse to a single stored copy, and a
// stored copy is never mutated after it has been committed.
package backup // import "github.com/nvpatch/nvpatch/backup"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nvpatch/nvpatch/digest"
)

// localTempPrefix specifies the prefix appended to files in the store while
// they are still being written to.
const localTempPrefix = "tmp."

// ErrNotFound is returned by Lookup when no backup exists for a digest.
var ErrNotFound = errors.New("no backup record for digest")

// ErrInsufficientStorage is returned by Save when the store's filesystem
// doesn't have room for the module being backed up.
var ErrInsufficientStorage = errors.New("insufficient storage for backup")

// Record describes one stored backup. Records are value types: two lookups
// of the same digest return equal records.
type Record struct {
	// Digest of the stored content, also the basename of Path.
	Digest digest.Digest `json:"digest"`
	// Path of the stored copy inside the store.
	Path string `json:"path"`
	// Size of the stored content in bytes.
	Size int64 `json:"size"`
	// CreatedAt is the time the backup was committed.
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a content-addressed backup store rooted at a local directory.
// Each unique digest maps to exactly one file named by the digest's hex
// representation. Files are written under a temporary name and committed
// with fsync + rename, so a crash can never leave a record pointing at a
// partial backup.
type Store struct {
	root string

	// commit flushes and renames a finished temp file into place. Tests
	// replace it to inject write faults.
	commit func(temp *os.File, finalPath string) error
}

// New opens (and creates, if needed) a backup store at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Store{root: root, commit: commitTempFile}, nil
}

// Root returns the store's root directory.
func (store *Store) Root() string {
	return store.root
}

// Save copies the file at srcPath into the store under the given digest,
// which must be the digest of the file's current content. If a backup for
// the digest already exists, the existing record is returned unchanged and
// nothing is written.
func (store *Store) Save(srcPath string, d digest.Digest) (Record, error) {
	if record, err := store.Lookup(d); err == nil {
		log.Debugf("Backup for %s already exists at %s", d, record.Path)
		return record, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return Record{}, fmt.Errorf("failed to open module file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat module file: %w", err)
	}

	if err = store.checkFreeSpace(info.Size()); err != nil {
		return Record{}, err
	}

	// Write with a temporary name first, to prevent half-written files
	// from persisting in the store on crashes.
	out, err := os.CreateTemp(store.root, localTempPrefix)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create file in backup store: %w", err)
	}
	defer out.Close()

	finalPath := store.makePath(d)
	if _, err = io.Copy(out, in); err != nil {
		_ = os.Remove(out.Name())
		return Record{}, fmt.Errorf("failed to copy module content: %w", err)
	}

	if err = store.commit(out, finalPath); err != nil {
		_ = os.Remove(out.Name())
		return Record{}, err
	}

	log.Debugf("Backed up %s (%d bytes) as %s", srcPath, info.Size(), finalPath)

	// Read the record back from the committed file, so a fresh save and a
	// later deduplicated one return equal records.
	return store.Lookup(d)
}

// Restore overwrites targetPath with the stored bytes of record. The new
// content is written to a temporary file on the target's filesystem and
// renamed over the destination, so the target is never observable in a
// half-written state.
func (store *Store) Restore(record Record, targetPath string) error {
	in, err := os.Open(record.Path)
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", record.Path, err)
	}
	defer in.Close()

	// Carry over the target's file mode if it still exists.
	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(targetPath); statErr == nil {
		mode = info.Mode().Perm()
	}

	out, err := os.CreateTemp(filepath.Dir(targetPath), localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temporary file for restore: %w", err)
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		_ = os.Remove(out.Name())
		return fmt.Errorf("failed to write restored content: %w", err)
	}
	if err = out.Chmod(mode); err != nil {
		_ = os.Remove(out.Name())
		return fmt.Errorf("failed to set mode on restored file: %w", err)
	}

	if err = store.commit(out, targetPath); err != nil {
		_ = os.Remove(out.Name())
		return err
	}

	log.Infof("Restored %s from backup %s", targetPath, record.Digest)
	return nil
}

// Lookup returns the record for the given digest, or ErrNotFound.
func (store *Store) Lookup(d digest.Digest) (Record, error) {
	backupPath := store.makePath(d)
	info, err := os.Stat(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return Record{}, fmt.Errorf("failed to stat backup file: %w", err)
	}
	return Record{
		Digest:    d,
		Path:      backupPath,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}, nil
}

// List returns all committed records in the store, sorted by digest.
func (store *Store) List() ([]Record, error) {
	var records []Record
	err := store.visit(func(d digest.Digest) error {
		record, err := store.Lookup(d)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	}, func(string) error {
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Digest.String() < records[j].Digest.String()
	})
	return records, nil
}

// Remove deletes the stored backup for the given digest. No-op if not
// present.
func (store *Store) Remove(d digest.Digest) error {
	err := os.Remove(store.makePath(d))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete backup file: %w", err)
	}
	return nil
}

// RemoveTempFiles removes all lingering temporary files that were never
// fully committed, e.g. after a crash mid-save.
func (store *Store) RemoveTempFiles() error {
	return store.visit(func(digest.Digest) error {
		return nil
	}, func(unkPath string) error {
		base := path.Base(unkPath)
		if base == manifestName || !strings.HasPrefix(base, localTempPrefix) {
			return nil
		}
		log.Debugf("Removing stale temporary file %s", unkPath)
		if err := os.Remove(unkPath); err != nil {
			return fmt.Errorf("failed to remove file: %w", err)
		}
		return nil
	})
}

// PruneUnreferenced removes stored backups whose digest is not referenced
// by the store's current manifest. It returns the number of removed
// backups. Without a manifest, everything is considered referenced.
func (store *Store) PruneUnreferenced() (int, error) {
	manifest, err := ReadManifest(store.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	referenced := make(map[digest.Digest]struct{}, len(manifest.Entries))
	for i := range manifest.Entries {
		referenced[manifest.Entries[i].Digest] = struct{}{}
	}

	records, err := store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, record := range records {
		if _, ok := referenced[record.Digest]; ok {
			continue
		}
		log.Infof("Removing unreferenced backup %s", record.Digest)
		if err := store.Remove(record.Digest); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// checkFreeSpace verifies that the store's filesystem can hold size more
// bytes before any copying starts.
func (store *Store) checkFreeSpace(size int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(store.root, &stat); err != nil {
		return fmt.Errorf("failed to query free space: %w", err)
	}
	available := stat.Bavail * uint64(stat.Bsize)
	if available < uint64(size) {
		return fmt.Errorf("%w: need %d bytes, %d available",
			ErrInsufficientStorage, size, available)
	}
	return nil
}

// makePath creates the store path for the given digest.
func (store *Store) makePath(d digest.Digest) string {
	return filepath.Join(store.root, d.String())
}

// visit walks all files in the store root. recordVisitor is called for each
// file whose name parses as a digest, unkVisitor with the full path of
// everything else.
func (store *Store) visit(recordVisitor func(digest.Digest) error,
	unkVisitor func(string) error) error {
	files, err := os.ReadDir(store.root)
	if err != nil {
		return fmt.Errorf("failed to read backup store: %w", err)
	}

	for _, file := range files {
		d, err := digest.FromString(file.Name())
		if err == nil {
			err = recordVisitor(d)
		} else {
			err = unkVisitor(filepath.Join(store.root, file.Name()))
		}
		if err != nil {
			return err
		}
	}

	return nil
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
