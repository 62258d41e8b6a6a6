// Package stashd implements the stash registry daemon: a loopback TCP
// service hosting the write-once/read-once key-value store that handlers in
// any server process share.
package stashd

import (
	"encoding/json"
	"fmt"
	"sync"
)

type entryKey struct {
	path string
	id   string
}

// Store is the in-process backing state. Every operation runs under one
// mutex, which is what makes put's check-then-insert and take's
// check-then-remove atomic.
type Store struct {
	mu      sync.Mutex
	entries map[entryKey]json.RawMessage
	locks   map[entryKey]*lockState
}

type lockState struct {
	held    bool
	waiters []func() bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[entryKey]json.RawMessage),
		locks:   make(map[entryKey]*lockState),
	}
}

// Put inserts a value. Inserting over an existing entry is an error; the
// message carries both values to make racing tests debuggable.
func (s *Store) Put(path, id string, value json.RawMessage) error {
	if len(value) == 0 {
		return fmt.Errorf("stash: refusing to put empty value at %s/%s", path, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{path: path, id: id}
	if old, ok := s.entries[k]; ok {
		return fmt.Errorf("stash: key %s/%s already has value %s, rejecting new value %s",
			path, id, old, value)
	}
	s.entries[k] = value
	return nil
}

// Take removes and returns the value, or reports absence. At most one
// concurrent caller observes the value.
func (s *Store) Take(path, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{path: path, id: id}
	v, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	return v, ok
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Lock acquires the named lock. acquired is invoked immediately when the
// lock is free, otherwise once the current holder releases it. The callback
// style lets the event-driven daemon defer its reply without blocking the
// event loop. acquired reports whether the waiter actually took the lock;
// when it returns false (the waiting client is gone) the lock is released
// or handed to the next waiter.
func (s *Store) Lock(path, id string, acquired func() bool) {
	s.mu.Lock()
	k := entryKey{path: path, id: id}
	ls := s.locks[k]
	if ls == nil {
		ls = &lockState{}
		s.locks[k] = ls
	}
	if !ls.held {
		ls.held = true
		s.mu.Unlock()
		if !acquired() {
			_ = s.Unlock(path, id)
		}
		return
	}
	ls.waiters = append(ls.waiters, acquired)
	s.mu.Unlock()
}

// Unlock releases the named lock and hands it to the next live waiter.
// Waiters that refuse the handoff are dropped and the one behind them is
// tried instead.
func (s *Store) Unlock(path, id string) error {
	s.mu.Lock()
	k := entryKey{path: path, id: id}
	ls := s.locks[k]
	if ls == nil || !ls.held {
		s.mu.Unlock()
		return fmt.Errorf("stash: lock %s/%s is not held", path, id)
	}
	for len(ls.waiters) > 0 {
		next := ls.waiters[0]
		ls.waiters = ls.waiters[1:]
		s.mu.Unlock()
		if next() {
			return nil
		}
		s.mu.Lock()
	}
	ls.held = false
	delete(s.locks, k)
	s.mu.Unlock()
	return nil
}
