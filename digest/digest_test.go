// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesMatchesFromReader(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB, 0xCD}, 100*1024)

	fromBytes := FromBytes(data)
	fromReader, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fromBytes, fromReader)
	assert.False(t, fromBytes.IsZero())
}

func TestFromBytesKnownValue(t *testing.T) {
	// sha256("abc"), a fixed test vector.
	d := FromBytes([]byte("abc"))
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		d.String())
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.ko")
	data := []byte("not really a kernel module")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	d, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, FromBytes(data), d)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.ko"))
	require.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	orig := FromBytes([]byte("round trip"))

	parsed, err := FromString(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)

	_, err = FromString("too-short")
	require.Error(t, err)
	_, err = FromString("zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	orig := FromBytes([]byte("json"))

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var parsed Digest
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, orig, parsed)

	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &parsed))
}

func TestCacheRevalidatesOnChange(t *testing.T) {
	cache, err := NewCache(16)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "module.ko")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o644))

	first, err := cache.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, FromBytes([]byte("before")), first)

	// Same content, cached path.
	again, err := cache.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Rewrite with different content and size: the entry must not be served.
	require.NoError(t, os.WriteFile(path, []byte("after, longer"), 0o644))
	changed, err := cache.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, FromBytes([]byte("after, longer")), changed)
	assert.NotEqual(t, first, changed)
}

func TestCacheMissingFile(t *testing.T) {
	cache, err := NewCache(16)
	require.NoError(t, err)

	_, err = cache.FromFile(filepath.Join(t.TempDir(), "missing.ko"))
	require.Error(t, err)
}
