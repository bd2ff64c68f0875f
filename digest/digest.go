// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes content digests of kernel module files. Digests
// content-address the backup store and detect unexpected prior modification
// of a module before it is patched.
package digest // import "github.com/nvpatch/nvpatch/digest"

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// readChunkSize is the buffer size used when hashing files.
const readChunkSize = 64 * 1024

// Digest is the SHA256 sum of a module's content. Unlike partial file IDs,
// the full hash is kept: backups are addressed by it and a collision would
// silently alias two different originals.
type Digest struct {
	hash [32]byte
}

// String implements the `fmt.Stringer` interface.
func (d Digest) String() string {
	return hex.EncodeToString(d.hash[:])
}

// IsZero reports whether d is the zero value, which is never a valid
// content digest in practice.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// FromString parses a hexadecimal digest representation.
func FromString(s string) (Digest, error) {
	if len(s) != 64 {
		return Digest{}, fmt.Errorf("length %d doesn't match expected value (64)", len(s))
	}

	slice, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to parse digest: %w", err)
	}

	var d Digest
	copy(d.hash[:], slice)

	return d, nil
}

// FromBytes computes the digest of an in-memory buffer.
func FromBytes(data []byte) Digest {
	var d Digest
	d.hash = sha256.Sum256(data)
	return d
}

// FromReader computes the digest of everything readable from r.
func FromReader(r io.Reader) (Digest, error) {
	buf := make([]byte, readChunkSize)
	hasher := sha256.New()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return Digest{}, fmt.Errorf("failed to read chunk: %w", err)
		}
		if n == 0 {
			break
		}
	}

	var d Digest
	copy(d.hash[:], hasher.Sum(nil))

	return d, nil
}

// FromFile computes the digest of the file at path.
func FromFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	d, err := FromReader(file)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return d, nil
}

// MarshalJSON encodes the digest into JSON.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes JSON into a digest.
func (d *Digest) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := FromString(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
