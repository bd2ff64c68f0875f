// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		Module: "nvidia.ko",
		Edits: []Edit{
			{Offset: 100, Original: []byte{0xAA, 0xAA}, Replacement: []byte{0xBB, 0xBB}},
			{Offset: 200, Original: []byte{0x75, 0x0A}, Replacement: []byte{0x90, 0x90}},
		},
		Marker:       []byte{0xCA, 0xFE},
		MarkerOffset: 500,
	}
}

func TestDescriptorValidate(t *testing.T) {
	require.NoError(t, validDescriptor().Validate())

	tests := map[string]func(*Descriptor){
		"no module name": func(d *Descriptor) { d.Module = "" },
		"no edits":       func(d *Descriptor) { d.Edits = nil },
		"no marker":      func(d *Descriptor) { d.Marker = nil },
		"negative edit offset": func(d *Descriptor) {
			d.Edits[0].Offset = -1
		},
		"negative marker offset": func(d *Descriptor) {
			d.MarkerOffset = -1
		},
		"length mismatch": func(d *Descriptor) {
			d.Edits[0].Replacement = []byte{0xBB}
		},
		"empty edit": func(d *Descriptor) {
			d.Edits[0].Original = nil
			d.Edits[0].Replacement = nil
		},
		"overlapping edits": func(d *Descriptor) {
			d.Edits[1].Offset = 101
		},
		"marker overlaps edit": func(d *Descriptor) {
			d.MarkerOffset = 201
		},
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			desc := validDescriptor()
			mutate(desc)
			assert.Error(t, desc.Validate())
		})
	}
}

func TestDescriptorMinFileSize(t *testing.T) {
	desc := validDescriptor()
	// Marker at 500 + 2 bytes is behind all edits.
	assert.Equal(t, int64(502), desc.MinFileSize())

	desc.Edits = append(desc.Edits, Edit{
		Offset:      1000,
		Original:    []byte{0x00},
		Replacement: []byte{0x01},
	})
	assert.Equal(t, int64(1001), desc.MinFileSize())
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable(map[string][]*Descriptor{
		"535.274.02": {validDescriptor(), validDescriptor()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate descriptor")
}

func TestTableLookup(t *testing.T) {
	table, err := NewTable(map[string][]*Descriptor{
		"535.274.02": {validDescriptor()},
	})
	require.NoError(t, err)

	descriptors, err := table.Lookup("535.274.02")
	require.NoError(t, err)
	require.Contains(t, descriptors, "nvidia.ko")

	_, err = table.Lookup("470.199.02")
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestBuiltinTable(t *testing.T) {
	table := Builtin()
	assert.Equal(t, []string{"535.274.02"}, table.SupportedVersions())

	descriptors, err := table.Lookup("535.274.02")
	require.NoError(t, err)
	for _, name := range []string{
		"nvidia.ko", "nvidia-modeset.ko", "nvidia-uvm.ko", "nvidia-drm.ko",
	} {
		require.Contains(t, descriptors, name)
		assert.Equal(t, name, descriptors[name].Module)
	}
}
