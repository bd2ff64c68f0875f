// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package patcher // import "github.com/nvpatch/nvpatch/patcher"

import "sync"

// pathLocks holds one mutex per module path, created on first access. A
// kernel module file is a singular shared resource: concurrent patch or
// rollback attempts on the same path must never interleave their writes.
// Different paths lock independently.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[path] = lock
	}
	return lock
}

// withLock runs fn while holding the mutex for path.
func (p *pathLocks) withLock(path string, fn func() error) error {
	lock := p.get(path)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
