// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionValid(t *testing.T) {
	valid := []Version{"535.274.02", "470.199", "550.54.14.1"}
	for _, v := range valid {
		assert.True(t, v.Valid(), "%q should be valid", v)
	}

	invalid := []Version{"", "535", "535.274.02.1.9", "abc.def", "535.274.02-beta"}
	for _, v := range invalid {
		assert.False(t, v.Valid(), "%q should be invalid", v)
	}
}

func TestProcStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version")
	content := "NVRM version: NVIDIA UNIX x86_64 Kernel Module  535.274.02  Tue Aug  5\n" +
		"GCC version:  gcc version 12.3.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	version, ok := ProcStrategy(path).Probe()
	require.True(t, ok)
	assert.Equal(t, Version("535.274.02"), version)

	_, ok = ProcStrategy(filepath.Join(t.TempDir(), "missing")).Probe()
	assert.False(t, ok)
}

func TestLibraryStrategy(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "libnvidia-ml.so.535.274.02"), nil, 0o644))
	// A plain symlink-style name must not be mistaken for a version.
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "libnvidia-ml.so.1"), nil, 0o644))

	version, ok := LibraryStrategy(root).Probe()
	require.True(t, ok)
	assert.Equal(t, Version("535.274.02"), version)

	_, ok = LibraryStrategy(t.TempDir()).Probe()
	assert.False(t, ok)
}

func TestDetectorOrderAndFallback(t *testing.T) {
	fail := Strategy{Name: "fail", Probe: func() (Version, bool) { return "", false }}
	malformed := Strategy{Name: "malformed", Probe: func() (Version, bool) {
		return "not-a-version", true
	}}
	good := Strategy{Name: "good", Probe: func() (Version, bool) {
		return "535.274.02", true
	}}

	detector := NewDetectorWithStrategies(fail, malformed, good)
	version, err := detector.Detect()
	require.NoError(t, err)
	assert.Equal(t, Version("535.274.02"), version)

	detector = NewDetectorWithStrategies(fail, malformed)
	_, err = detector.Detect()
	require.ErrorIs(t, err, ErrNotDetected)
}

func TestLocate(t *testing.T) {
	root := t.TempDir()
	kernelDir := filepath.Join(root, "6.8.0-test", "kernel", "drivers", "video")
	require.NoError(t, os.MkdirAll(kernelDir, 0o755))

	for _, name := range []string{"nvidia.ko", "nvidia-uvm.ko"} {
		require.NoError(t, os.WriteFile(
			filepath.Join(kernelDir, name), []byte{0x7F, 'E', 'L', 'F'}, 0o644))
	}

	locator := &Locator{Root: root, Release: "6.8.0-test"}
	found, err := locator.Locate([]string{"nvidia.ko", "nvidia-uvm.ko", "nvidia-drm.ko"})
	require.NoError(t, err)

	// The two present modules are resolved; the absent one is skipped.
	require.Len(t, found, 2)
	assert.Equal(t, filepath.Join(kernelDir, "nvidia.ko"), found["nvidia.ko"])
	assert.Equal(t, filepath.Join(kernelDir, "nvidia-uvm.ko"), found["nvidia-uvm.ko"])
	assert.NotContains(t, found, "nvidia-drm.ko")
}

func TestLocateMissingTree(t *testing.T) {
	locator := &Locator{Root: t.TempDir(), Release: "0.0.0-none"}
	_, err := locator.Locate([]string{"nvidia.ko"})
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLocateNothingFound(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "6.8.0-test", "kernel"), 0o755))

	locator := &Locator{Root: root, Release: "6.8.0-test"}
	_, err := locator.Locate([]string{"nvidia.ko"})
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLocateIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	// A directory with a module's name must not be picked up.
	require.NoError(t, os.MkdirAll(
		filepath.Join(root, "6.8.0-test", "nvidia.ko"), 0o755))
	real := filepath.Join(root, "6.8.0-test", "extra")
	require.NoError(t, os.MkdirAll(real, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(real, "nvidia.ko"), []byte{0x7F, 'E', 'L', 'F'}, 0o644))

	locator := &Locator{Root: root, Release: "6.8.0-test"}
	found, err := locator.Locate([]string{"nvidia.ko"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(real, "nvidia.ko"), found["nvidia.ko"])
}
