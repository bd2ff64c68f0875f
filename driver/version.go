// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver discovers the installed NVIDIA driver release and locates
// its kernel module files on disk. Discovery tries an ordered list of
// fallback strategies; the patch engine only consumes the resulting version
// string and module paths and doesn't care which strategy produced them.
package driver // import "github.com/nvpatch/nvpatch/driver"

import "regexp"

// Version identifies a vendor driver release, e.g. "535.274.02". It is an
// opaque dotted-numeric string, not semver.
type Version string

var versionRe = regexp.MustCompile(`^\d+(\.\d+){1,3}$`)

// Valid reports whether v looks like a well-formed driver version.
func (v Version) Valid() bool {
	return versionRe.MatchString(string(v))
}

func (v Version) String() string {
	return string(v)
}
