// Package memstore is an in-process groupstate.Store, the default backend
// for tests and single-process deployments.
package memstore

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/marmot-im/marmot-go/internal/store/groupstate"
)

type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

var _ groupstate.Store = (*Store)(nil)

func key(groupID []byte) string { return hex.EncodeToString(groupID) }

func (s *Store) Get(_ context.Context, groupID []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key(groupID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, b...), true, nil
}

func (s *Store) Set(_ context.Context, groupID []byte, stateBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key(groupID)] = append([]byte{}, stateBytes...)
	return nil
}

func (s *Store) Remove(_ context.Context, groupID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key(groupID))
	return nil
}

func (s *Store) List(_ context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(s.data))
	for _, b := range s.data {
		out = append(out, append([]byte{}, b...))
	}
	return out, nil
}
