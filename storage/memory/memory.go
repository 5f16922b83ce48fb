// Package memory provides an in-memory implementation of the credit.Backend interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Storage implements credit.Backend using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	documents map[string][]byte
	backups   map[string][]byte
	saveErr   error
	failOn    map[string]error
	saves     map[string]int
}

var _ credit.Backend = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		documents: make(map[string][]byte),
		backups:   make(map[string][]byte),
		failOn:    make(map[string]error),
		saves:     make(map[string]int),
	}
}

// Load implements credit.Backend
func (s *Storage) Load(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.documents, name)
}

// LoadBackup implements credit.Backend
func (s *Storage) LoadBackup(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.backups, name)
}

// Save implements credit.Backend
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	if err := s.failOn[name]; err != nil {
		return err
	}
	if current, ok := s.documents[name]; ok {
		s.backups[name] = current
	}
	s.documents[name] = append([]byte(nil), data...)
	s.saves[name]++
	return nil
}

// Put replaces a document and its backup without going through Save (useful
// for testing recovery). A nil value removes the entry.
func (s *Storage) Put(name string, document, backup []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	put(s.documents, name, document)
	put(s.backups, name, backup)
}

// FailSaves makes every Save return err until called again with nil.
func (s *Storage) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// FailSavesOf makes Save of the named document return err until called
// again with nil. Other documents are unaffected.
func (s *Storage) FailSavesOf(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, name)
		return
	}
	s.failOn[name] = err
}

// Saves returns how many times name was saved.
func (s *Storage) Saves(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[name]
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents = make(map[string][]byte)
	s.backups = make(map[string][]byte)
	s.saves = make(map[string]int)
}

func lookup(m map[string][]byte, name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, credit.ErrDocumentNotFound
	}
	return append([]byte(nil), data...), nil
}

func put(m map[string][]byte, name string, data []byte) {
	if data == nil {
		delete(m, name)
		return
	}
	m[name] = append([]byte(nil), data...)
}
