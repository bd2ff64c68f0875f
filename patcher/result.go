// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package patcher // import "github.com/nvpatch/nvpatch/patcher"

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrOffsetMismatch is returned when the bytes found in a module match
// neither the expected original nor the replacement sequence. The file is
// not the build the descriptor was authored for and must not be touched.
var ErrOffsetMismatch = errors.New("module content doesn't match descriptor")

// ErrVerificationFailed is returned when the post-write check of a patched
// module fails. It always triggers a rollback attempt.
var ErrVerificationFailed = errors.New("patch verification failed")

// State describes the outcome of a patch or rollback attempt on a single
// kernel module.
type State int

const (
	// Success: all edits and the marker were applied and verified.
	Success State = iota
	// AlreadyPatched: every edit and the marker were already in place;
	// the file was not touched.
	AlreadyPatched
	// OffsetMismatch: the module doesn't match the descriptor; refused to
	// touch the file.
	OffsetMismatch
	// VerificationFailed: the post-write check failed and rollback did not
	// complete either.
	VerificationFailed
	// IoError: a read, write or copy failed at some stage.
	IoError
	// RolledBack: a failure after backup forced a restore of the original
	// content.
	RolledBack
	// Unsupported: no descriptor exists for the detected driver version.
	Unsupported
	// NotBackedUp: rollback was requested but no backup record exists.
	NotBackedUp
)

func (s State) String() string {
	switch s {
	case Success:
		return "success"
	case AlreadyPatched:
		return "already-patched"
	case OffsetMismatch:
		return "offset-mismatch"
	case VerificationFailed:
		return "verification-failed"
	case IoError:
		return "io-error"
	case RolledBack:
		return "rolled-back"
	case Unsupported:
		return "unsupported"
	case NotBackedUp:
		return "not-backed-up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Failed reports whether the state fails the overall run.
func (s State) Failed() bool {
	switch s {
	case Success, AlreadyPatched:
		return false
	default:
		return true
	}
}

// Result is the outcome of one patch or rollback attempt on one module.
type Result struct {
	// Module is the canonical module file name.
	Module string
	// State tags the outcome.
	State State
	// Cause holds a human-readable failure cause, empty on success.
	Cause string
}

func (r Result) String() string {
	if r.Cause == "" {
		return fmt.Sprintf("%s: %s", r.Module, r.State)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Module, r.State, r.Cause)
}
