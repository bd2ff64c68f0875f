// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor // import "github.com/nvpatch/nvpatch/descriptor"

// marker is stamped into a padding region of every patched module. Later
// runs use it to detect an already patched file without re-reading the
// whole edit list.
var marker = []byte{'N', 'V', 'P', 'T', 0x01, 0x00, 0x00, 0x00}

// builtin holds the descriptor sets for all supported driver releases. The
// offsets and byte sequences are externally authored and validated against
// the exact vendor builds they name; adding support for a new release means
// adding an entry here, never touching the patch engine.
var builtin = map[string][]*Descriptor{
	"535.274.02": {
		{
			Module: "nvidia.ko",
			Edits: []Edit{
				// test eax,eax -> nop nop: skips the module signature
				// verdict branch.
				{Offset: 0x00123456, Original: []byte{0x85, 0xC0}, Replacement: []byte{0x90, 0x90}},
				// jne +0x0a -> xor eax,eax: forces the verification
				// result to "ok".
				{Offset: 0x00123ABC, Original: []byte{0x75, 0x0A}, Replacement: []byte{0x31, 0xC0}},
			},
			Marker:       marker,
			MarkerOffset: 0x00123F80,
		},
		{
			Module: "nvidia-modeset.ko",
			Edits: []Edit{
				{Offset: 0x0008A210, Original: []byte{0x74, 0x2B}, Replacement: []byte{0xEB, 0x2B}},
			},
			Marker:       marker,
			MarkerOffset: 0x0008A5C0,
		},
		{
			Module: "nvidia-uvm.ko",
			Edits: []Edit{
				{Offset: 0x0004C8F0, Original: []byte{0x85, 0xDB}, Replacement: []byte{0x90, 0x90}},
			},
			Marker:       marker,
			MarkerOffset: 0x0004CE40,
		},
		{
			Module: "nvidia-drm.ko",
			Edits: []Edit{
				{Offset: 0x00011A34, Original: []byte{0x75, 0x14}, Replacement: []byte{0x90, 0x90}},
			},
			Marker:       marker,
			MarkerOffset: 0x00011EE8,
		},
	},
}

// Builtin returns the table of built-in descriptors. The table data is
// static, so a validation failure means the table source itself is broken.
func Builtin() *Table {
	table, err := NewTable(builtin)
	if err != nil {
		panic(err)
	}
	return table
}
