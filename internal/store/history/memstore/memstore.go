// Package memstore is an in-process history.Store, sorting entries by the
// composite cursor comparator on every insert (a tiny dataset in tests and
// single-process demos; real backends would index instead).
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/marmot-im/marmot-go/internal/cursor"
	"github.com/marmot-im/marmot-go/internal/model"
	"github.com/marmot-im/marmot-go/internal/store/history"
)

type Store struct {
	mu        sync.Mutex
	entries   []model.HistoryEntry
	seenRumor map[string]bool
	resume    cursor.Cursor
	hasResume bool
	handlers  map[int]history.Handler
	nextSub   int
}

func New() *Store {
	return &Store{
		seenRumor: make(map[string]bool),
		handlers:  make(map[int]history.Handler),
	}
}

var _ history.Store = (*Store)(nil)

func (s *Store) MarkOuterEventProcessed(_ context.Context, outer cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasResume || cursor.Less(s.resume, outer) {
		s.resume = outer
		s.hasResume = true
	}
	return nil
}

func (s *Store) GetResumeCursor(_ context.Context) (cursor.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume, s.hasResume, nil
}

func (s *Store) AddRumor(_ context.Context, entry model.HistoryEntry) error {
	s.mu.Lock()
	if s.seenRumor[entry.Rumor.ID] {
		s.mu.Unlock()
		return nil
	}
	s.seenRumor[entry.Rumor.ID] = true
	s.entries = append(s.entries, entry)
	sort.Slice(s.entries, func(i, j int) bool {
		return cursor.Less(s.entries[i].Outer, s.entries[j].Outer)
	})
	handlers := make([]history.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(entry)
	}
	return nil
}

func (s *Store) QueryRumors(_ context.Context, opts history.QueryOpts) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.HistoryEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Until != nil && !cursor.Less(e.Outer, *opts.Until) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Subscribe(handler history.Handler) history.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}
