// Package memstore is an in-process keypackage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/store/keypackage"
)

type Store struct {
	mu      sync.Mutex
	entries map[[32]byte]keypackage.Entry
}

func New() *Store {
	return &Store{entries: make(map[[32]byte]keypackage.Entry)}
}

var _ keypackage.Store = (*Store)(nil)

func (s *Store) Put(_ context.Context, entry keypackage.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Public.Ref] = entry
	return nil
}

func (s *Store) Get(_ context.Context, ref [32]byte) (keypackage.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	return e, ok, nil
}

func (s *Store) Remove(_ context.Context, ref [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ref)
	return nil
}

func (s *Store) List(_ context.Context) ([]mlsprovider.KeyPackagePublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mlsprovider.KeyPackagePublic, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Public)
	}
	return out, nil
}
