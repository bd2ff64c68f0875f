// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package patcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/digest"
)

// testDescriptor edits two bytes at offset 100 and stamps a two byte
// marker at offset 500, matching the synthetic module from makeModule.
func testDescriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Module: "nvidia.ko",
		Edits: []descriptor.Edit{
			{Offset: 100, Original: []byte{0xAA, 0xAA}, Replacement: []byte{0xBB, 0xBB}},
		},
		Marker:       []byte{0xCA, 0xFE},
		MarkerOffset: 500,
	}
}

// makeModule writes a 1000 byte synthetic ELF-prefixed module with bytes
// 0xAA at offset 100.
func makeModule(t *testing.T) (string, []byte) {
	t.Helper()

	data := make([]byte, 1000)
	copy(data, []byte{0x7F, 'E', 'L', 'F'})
	data[100] = 0xAA
	data[101] = 0xAA

	path := filepath.Join(t.TempDir(), "nvidia.ko")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestApplySuccess(t *testing.T) {
	path, original := makeModule(t)
	desc := testDescriptor()

	state, err := NewApplier().Apply(path, desc)
	require.NoError(t, err)
	assert.Equal(t, Success, state)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBB, 0xBB}, patched[100:102])
	assert.Equal(t, []byte{0xCA, 0xFE}, patched[500:502])
	assert.Len(t, patched, len(original))
	assert.NotEqual(t, digest.FromBytes(original), digest.FromBytes(patched))

	require.NoError(t, Verify(path, desc, int64(len(original))))
}

func TestApplyIdempotent(t *testing.T) {
	path, _ := makeModule(t)
	desc := testDescriptor()
	applier := NewApplier()

	state, err := applier.Apply(path, desc)
	require.NoError(t, err)
	require.Equal(t, Success, state)

	before, err := digest.FromFile(path)
	require.NoError(t, err)

	state, err = applier.Apply(path, desc)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPatched, state)

	after, err := digest.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "already patched file must stay byte-identical")
}

func TestApplyOffsetMismatch(t *testing.T) {
	path, original := makeModule(t)

	// Corrupt the edit site before patching.
	corrupted := append([]byte{}, original...)
	corrupted[100] = 0xFF
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	state, err := NewApplier().Apply(path, testDescriptor())
	require.ErrorIs(t, err, ErrOffsetMismatch)
	assert.Equal(t, OffsetMismatch, state)

	// File must be untouched.
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupted, current)
}

func TestApplyRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvidia.ko")
	data := make([]byte, 1000)
	data[100] = 0xAA
	data[101] = 0xAA
	require.NoError(t, os.WriteFile(path, data, 0o644))

	state, err := NewApplier().Apply(path, testDescriptor())
	require.ErrorIs(t, err, ErrOffsetMismatch)
	assert.Equal(t, OffsetMismatch, state)
}

func TestApplyRejectsWrongSize(t *testing.T) {
	path, _ := makeModule(t)
	desc := testDescriptor()
	desc.ExpectedSize = 2000

	state, err := NewApplier().Apply(path, desc)
	require.ErrorIs(t, err, ErrOffsetMismatch)
	assert.Equal(t, OffsetMismatch, state)
}

func TestApplyRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvidia.ko")
	data := make([]byte, 300) // too short to hold the marker at 500
	copy(data, []byte{0x7F, 'E', 'L', 'F'})
	data[100] = 0xAA
	data[101] = 0xAA
	require.NoError(t, os.WriteFile(path, data, 0o644))

	state, err := NewApplier().Apply(path, testDescriptor())
	require.ErrorIs(t, err, ErrOffsetMismatch)
	assert.Equal(t, OffsetMismatch, state)
}

func TestApplyCompletesPartialPatch(t *testing.T) {
	path, original := makeModule(t)
	desc := testDescriptor()
	desc.Edits = append(desc.Edits, descriptor.Edit{
		Offset:      200,
		Original:    []byte{0x00},
		Replacement: []byte{0x11},
	})

	// Simulate an earlier run that applied the first edit but died
	// before stamping the marker.
	partial := append([]byte{}, original...)
	partial[100] = 0xBB
	partial[101] = 0xBB
	require.NoError(t, os.WriteFile(path, partial, 0o644))

	state, err := NewApplier().Apply(path, desc)
	require.NoError(t, err)
	assert.Equal(t, Success, state)
	require.NoError(t, Verify(path, desc, int64(len(original))))
}

func TestApplyAtomicityUnderCommitFault(t *testing.T) {
	path, original := makeModule(t)
	preDigest := digest.FromBytes(original)

	applier := NewApplier()
	injected := errors.New("injected commit fault")
	applier.commit = func(*os.File, string) error { return injected }

	state, err := applier.Apply(path, testDescriptor())
	require.ErrorIs(t, err, injected)
	assert.Equal(t, IoError, state)

	// The target's digest equals the pre-patch digest: the failed write
	// never became observable.
	current, err := digest.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, preDigest, current)

	// No temp litter in the module's directory.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplyPreservesMode(t *testing.T) {
	path, _ := makeModule(t)
	require.NoError(t, os.Chmod(path, 0o600))

	state, err := NewApplier().Apply(path, testDescriptor())
	require.NoError(t, err)
	require.Equal(t, Success, state)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCheck(t *testing.T) {
	path, _ := makeModule(t)
	desc := testDescriptor()
	applier := NewApplier()

	state, err := applier.Check(path, desc)
	require.NoError(t, err)
	assert.Equal(t, Success, state)

	_, err = applier.Apply(path, desc)
	require.NoError(t, err)

	state, err = applier.Check(path, desc)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPatched, state)

	state, err = applier.Check(filepath.Join(t.TempDir(), "missing.ko"), desc)
	require.Error(t, err)
	assert.Equal(t, IoError, state)
}

func TestApplySerializedPerPath(t *testing.T) {
	path, _ := makeModule(t)
	applier := NewApplier()

	// Hammer the same path from several goroutines; the per-path lock
	// must serialize them so exactly one Apply patches and the rest see
	// AlreadyPatched. Any interleaved write would corrupt the file and
	// fail classification.
	var wg sync.WaitGroup
	results := make([]State, 8)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			state, _ := applier.Apply(path, testDescriptor())
			results[slot] = state
		}(i)
	}
	wg.Wait()

	patchedRuns := 0
	for _, state := range results {
		switch state {
		case Success:
			patchedRuns++
		case AlreadyPatched:
		default:
			t.Fatalf("unexpected state %s", state)
		}
	}
	assert.Equal(t, 1, patchedRuns)
	require.NoError(t, Verify(path, testDescriptor(), 1000))
}
