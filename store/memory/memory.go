// Package memory provides an in-process agentloop.Store for tests and local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/skosovsky/agentloop"
)

var errMissingID = errors.New("memory: thread id is required")

// Store keeps threads in a map. Threads are copied on the way in and out, so callers
// never share message slices with the store.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]agentloop.Message
	saves   int
}

// New returns an empty Store.
func New() *Store {
	return &Store{threads: map[string][]agentloop.Message{}}
}

func (s *Store) Get(_ context.Context, id string) (*agentloop.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("memory: thread %q: %w", id, agentloop.ErrThreadNotFound)
	}
	return &agentloop.Thread{ID: id, Messages: slices.Clone(msgs)}, nil
}

// Save appends the messages the store has not seen yet. Saving a thread that is not
// longer than the stored one changes nothing.
func (s *Store) Save(ctx context.Context, thread *agentloop.Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if thread == nil || thread.ID == "" {
		return errMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	stored := s.threads[thread.ID]
	if len(thread.Messages) <= len(stored) && stored != nil {
		return nil
	}
	s.threads[thread.ID] = append(slices.Clip(stored), thread.Messages[len(stored):]...)
	return nil
}

// Saves reports how many times Save was called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Delete drops a thread.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
}

var _ agentloop.Store = (*Store)(nil)
