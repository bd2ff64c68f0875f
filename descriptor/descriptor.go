// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package descriptor holds the static registry of byte-level edits required
// to patch the kernel modules of a supported NVIDIA driver release. The
// registry is externally authored reverse-engineering data: the patcher
// never derives offsets itself.
package descriptor // import "github.com/nvpatch/nvpatch/descriptor"

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotSupported is returned by Table.Lookup for driver versions without a
// descriptor set.
var ErrNotSupported = errors.New("driver version is not supported")

// Edit describes one byte substitution inside a kernel module. Original and
// Replacement always have the same length: patching never changes the size
// of the file.
type Edit struct {
	// Offset is the absolute file offset of the first byte to replace.
	Offset int64
	// Original holds the bytes expected at Offset in an unpatched module.
	Original []byte
	// Replacement holds the bytes written over Original.
	Replacement []byte
}

// End returns the file offset one past the edited region.
func (e *Edit) End() int64 {
	return e.Offset + int64(len(e.Original))
}

// Descriptor lists the edits required to patch one kernel module of one
// driver release, plus the marker stamped after a successful patch. The
// marker has no functional effect on the module; it only lets later runs
// cheaply detect an already patched file.
type Descriptor struct {
	// Module is the canonical module file name, e.g. "nvidia.ko".
	Module string
	// ExpectedSize is the size of the unpatched module file in bytes.
	// Zero means the size is not recorded and is not checked.
	ExpectedSize int64
	// Edits are the byte substitutions, ordered by ascending offset.
	Edits []Edit
	// Marker is the byte sequence written at MarkerOffset after all edits
	// have been applied.
	Marker []byte
	// MarkerOffset is the absolute file offset of the marker. The marker
	// region never overlaps any edit region.
	MarkerOffset int64
}

// Validate checks the structural invariants of the descriptor: every edit
// substitutes equal-length sequences, edit regions are disjoint, and the
// marker region does not overlap any edit. Descriptors are validated once
// when the built-in table is constructed; a failure there is a programming
// error in the table data.
func (d *Descriptor) Validate() error {
	if d.Module == "" {
		return errors.New("descriptor lacks a module name")
	}
	if len(d.Edits) == 0 {
		return fmt.Errorf("descriptor for %s has no edits", d.Module)
	}
	if len(d.Marker) == 0 {
		return fmt.Errorf("descriptor for %s has no marker", d.Module)
	}
	if d.MarkerOffset < 0 {
		return fmt.Errorf("descriptor for %s has negative marker offset", d.Module)
	}

	for i := range d.Edits {
		edit := &d.Edits[i]
		if edit.Offset < 0 {
			return fmt.Errorf("%s edit %d has negative offset", d.Module, i)
		}
		if len(edit.Original) == 0 {
			return fmt.Errorf("%s edit %d is empty", d.Module, i)
		}
		if len(edit.Original) != len(edit.Replacement) {
			return fmt.Errorf("%s edit %d replaces %d bytes with %d bytes",
				d.Module, i, len(edit.Original), len(edit.Replacement))
		}
	}

	// Check pairwise disjointness of the edited regions, including the
	// marker region. The number of edits per module is tiny, so the
	// quadratic scan is fine.
	regions := make([][2]int64, 0, len(d.Edits)+1)
	for i := range d.Edits {
		regions = append(regions, [2]int64{d.Edits[i].Offset, d.Edits[i].End()})
	}
	regions = append(regions,
		[2]int64{d.MarkerOffset, d.MarkerOffset + int64(len(d.Marker))})

	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i][0] < regions[j][1] && regions[j][0] < regions[i][1] {
				return fmt.Errorf("%s has overlapping patch regions [%#x,%#x) and [%#x,%#x)",
					d.Module, regions[i][0], regions[i][1], regions[j][0], regions[j][1])
			}
		}
	}

	return nil
}

// MinFileSize returns the smallest file length that can hold every edit and
// the marker.
func (d *Descriptor) MinFileSize() int64 {
	minSize := d.MarkerOffset + int64(len(d.Marker))
	for i := range d.Edits {
		if end := d.Edits[i].End(); end > minSize {
			minSize = end
		}
	}
	return minSize
}

// Table is the read-only registry mapping a driver version to the
// descriptor set for its kernel modules. It is constructed once at process
// start and shared by reference; it is never mutated afterwards.
type Table struct {
	entries map[string]map[string]*Descriptor
}

// NewTable builds a table from the given per-version descriptor sets,
// validating every descriptor.
func NewTable(entries map[string][]*Descriptor) (*Table, error) {
	table := &Table{entries: make(map[string]map[string]*Descriptor, len(entries))}
	for version, descriptors := range entries {
		byModule := make(map[string]*Descriptor, len(descriptors))
		for _, desc := range descriptors {
			if err := desc.Validate(); err != nil {
				return nil, fmt.Errorf("invalid descriptor for %s: %w", version, err)
			}
			if _, exists := byModule[desc.Module]; exists {
				return nil, fmt.Errorf("duplicate descriptor for %s/%s",
					version, desc.Module)
			}
			byModule[desc.Module] = desc
		}
		table.entries[version] = byModule
	}
	return table, nil
}

// Lookup returns the descriptors for the given driver version, keyed by
// canonical module name. ErrNotSupported is returned for unknown versions.
func (t *Table) Lookup(version string) (map[string]*Descriptor, error) {
	descriptors, ok := t.entries[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, version)
	}
	return descriptors, nil
}

// SupportedVersions returns all driver versions present in the table,
// sorted lexicographically.
func (t *Table) SupportedVersions() []string {
	versions := make([]string, 0, len(t.entries))
	for version := range t.entries {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions
}
