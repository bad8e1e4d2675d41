// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// Registry matches observed values against pending confirmations.
//
// A handle registered without an expected value is confirmed by any
// observation of its key. A handle with an expected value is confirmed only
// by an equal observation. Handles are one-shot and leave the registry when
// confirmed, released or failed.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]map[*Handle]struct{}
	failed  error
}

// Handle is one pending confirmation
type Handle struct {
	r        *Registry
	key      string
	expected *transform.Value
	done     chan struct{}
	once     sync.Once
	err      error
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string]map[*Handle]struct{})}
}

// Register adds a handle for key. expected nil means any observation confirms.
func (r *Registry) Register(key string, expected *transform.Value) *Handle {
	h := &Handle{r: r, key: key, expected: expected, done: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil {
		h.finish(r.failed)
		return h
	}
	set, ok := r.waiters[key]
	if !ok {
		set = make(map[*Handle]struct{})
		r.waiters[key] = set
	}
	set[h] = struct{}{}
	return h
}

// Resolve confirms every handle on key that v satisfies and returns how many
func (r *Registry) Resolve(key string, v transform.Value) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for h := range r.waiters[key] {
		if h.expected != nil && !h.expected.Equal(v) {
			continue
		}
		r.remove(h)
		h.finish(nil)
		n++
	}
	return n
}

// FailAll fails every pending handle with err and makes later registrations fail too
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failed = err
	for key, set := range r.waiters {
		for h := range set {
			h.finish(err)
		}
		delete(r.waiters, key)
	}
}

// Len returns the number of pending handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range r.waiters {
		n += len(set)
	}
	return n
}

func (r *Registry) remove(h *Handle) {
	set := r.waiters[h.key]
	delete(set, h)
	if len(set) == 0 {
		delete(r.waiters, h.key)
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Key returns the key the handle waits for
func (h *Handle) Key() string {
	return h.key
}

// Done is closed once the handle is confirmed or failed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure of a finished handle, nil when confirmed
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Release removes the handle from the registry. Safe to call more than once.
func (h *Handle) Release() {
	h.r.mu.Lock()
	h.r.remove(h)
	h.r.mu.Unlock()
	h.finish(context.Canceled)
}

func releaseAll(handles []*Handle) {
	for _, h := range handles {
		h.Release()
	}
}

// waitAll blocks until every handle finished, the timeout passed or ctx ended.
// It returns the keys still pending on timeout.
func waitAll(ctx context.Context, handles []*Handle, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i, h := range handles {
		select {
		case <-h.Done():
			if h.err != nil {
				return nil, h.err
			}
		case <-timer.C:
			var pending []string
			for _, p := range handles[i:] {
				if !confirmed(p) {
					pending = append(pending, p.key)
				}
			}
			return pending, fmt.Errorf("%w after %s", ErrConfirmationTimeout, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func confirmed(h *Handle) bool {
	select {
	case <-h.done:
		return h.err == nil
	default:
		return false
	}
}
