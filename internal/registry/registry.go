// Package registry tracks the single cancellable process id.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLockPoisoned is returned after a panic escaped while the registry lock
// was held. The slot contents can no longer be trusted.
var ErrLockPoisoned = errors.New("process registry lock poisoned")

// Registry is a mutex-guarded optional slot holding one OS process id.
type Registry struct {
	mu       sync.Mutex
	pid      int
	occupied bool
	poisoned bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Set records pid, replacing any previously registered id.
func (r *Registry) Set(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("register pid %d: pid must be positive", pid)
	}
	return r.withLock(func() {
		r.pid = pid
		r.occupied = true
	})
}

// TakeAndClear atomically reads and empties the slot.
func (r *Registry) TakeAndClear() (int, bool, error) {
	var (
		pid int
		ok  bool
	)
	err := r.withLock(func() {
		pid, ok = r.pid, r.occupied
		r.pid, r.occupied = 0, false
	})
	if err != nil {
		return 0, false, err
	}
	return pid, ok, nil
}

// Peek reports the registered pid without clearing it.
func (r *Registry) Peek() (int, bool, error) {
	var (
		pid int
		ok  bool
	)
	err := r.withLock(func() {
		pid, ok = r.pid, r.occupied
	})
	if err != nil {
		return 0, false, err
	}
	return pid, ok, nil
}

// ClearIf empties the slot only when it still holds pid.
func (r *Registry) ClearIf(pid int) error {
	return r.withLock(func() {
		if r.occupied && r.pid == pid {
			r.pid, r.occupied = 0, false
		}
	})
}

func (r *Registry) withLock(fn func()) (err error) {
	if r == nil {
		return errors.New("registry is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poisoned {
		return ErrLockPoisoned
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.poisoned = true
			err = fmt.Errorf("%w: %v", ErrLockPoisoned, recovered)
		}
	}()
	fn()
	return nil
}
