// Package sessiontest provides an in-memory session store for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/psyho/psyho/pkg/session"
)

type entry struct {
	data   []byte
	expiry time.Time
}

// Store keeps sessions in a map. Data goes through JSON like the real
// engines so values come back with the same types.
type Store struct {
	mu   sync.Mutex
	rows map[string]entry
}

func NewStore() *Store {
	return &Store{rows: map[string]entry{}}
}

func (s *Store) Load(_ context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[key]
	if !ok || !e.expiry.After(time.Now()) {
		return nil, session.ErrNotFound
	}
	data := map[string]any{}
	if err := json.Unmarshal(e.data, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Save(_ context.Context, key string, data map[string]any, expiry time.Time) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key] = entry{data: b, expiry: expiry}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[key]
	return ok, nil
}

func (s *Store) ClearExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.rows {
		if !e.expiry.After(time.Now()) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
