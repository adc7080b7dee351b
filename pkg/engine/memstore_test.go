package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory StateStore with the same CAS and locking semantics
// as the SQLite store, used to exercise the planner and executor without a
// database.
type memStore struct {
	mu      sync.Mutex
	records map[Key]*StateRecord
	locks   map[string]memLock

	// putErr, when set, fails the next Put. Lets tests inject persistence
	// failures mid-run.
	putErr error
}

type memLock struct {
	token      string
	acquiredAt time.Time
	timeout    time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[Key]*StateRecord),
		locks:   make(map[string]memLock),
	}
}

func (s *memStore) Get(_ context.Context, key Key) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) List(_ context.Context) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StateRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Put(_ context.Context, record *StateRecord, expectedToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		err := s.putErr
		s.putErr = nil
		return err
	}
	existing := s.records[record.Key]
	current := int64(0)
	if existing != nil {
		current = existing.Token
	}
	if current != expectedToken {
		return NewConflictError(
			fmt.Sprintf("state token mismatch for %s: expected %d, have %d",
				record.Key, expectedToken, current), nil).
			WithCode(ErrCodeConflict)
	}
	cp := *record
	cp.Token = expectedToken + 1
	s.records[record.Key] = &cp
	return nil
}

func (s *memStore) Delete(_ context.Context, key Key, expectedToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.records[key]
	if existing == nil {
		return NewConflictError(
			fmt.Sprintf("state token mismatch for %s: record absent", key), nil).
			WithCode(ErrCodeConflict)
	}
	if existing.Token != expectedToken {
		return NewConflictError(
			fmt.Sprintf("state token mismatch for %s: expected %d, have %d",
				key, expectedToken, existing.Token), nil).
			WithCode(ErrCodeConflict)
	}
	delete(s.records, key)
	return nil
}

func (s *memStore) Lock(_ context.Context, scope string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[scope]; ok {
		if time.Since(held.acquiredAt) < held.timeout {
			return "", NewConflictError(
				fmt.Sprintf("scope %q is locked", scope), nil).
				WithCode(ErrCodeLockBusy)
		}
	}
	token := uuid.New().String()
	s.locks[scope] = memLock{token: token, acquiredAt: time.Now(), timeout: timeout}
	return token, nil
}

func (s *memStore) Unlock(_ context.Context, scope, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[scope]
	if !ok || held.token != token {
		return NewConflictError(
			fmt.Sprintf("lock on scope %q not held with given token", scope), nil).
			WithCode(ErrCodeConflict)
	}
	delete(s.locks, scope)
	return nil
}

// seed writes a record directly, bypassing CAS, for test setup.
func (s *memStore) seed(rec *StateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Token == 0 {
		rec.Token = 1
	}
	s.records[rec.Key] = rec
}
