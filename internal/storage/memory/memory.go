// Package memory is an in-process storage backend for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-trading/nexus-swap/internal/storage"
)

// Store keeps tokens and holdings in maps.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	tokens   []storage.TokenRecord
	holdings map[string]storage.HoldingRecord
}

// New creates an empty store.
func New() *Store {
	return &Store{holdings: make(map[string]storage.HoldingRecord)}
}

func (s *Store) FindTokensByNameOrCreator(_ context.Context, name, creator string) ([]storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.TokenRecord
	for _, t := range s.tokens {
		if t.Name == name || t.Creator == creator {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindTokenByMint(_ context.Context, mint string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.Mint == mint {
			rec := t
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) InsertNewToken(_ context.Context, rec storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Mint == rec.Mint {
			return fmt.Errorf("memory: token %s already recorded", rec.Mint)
		}
	}
	s.nextID++
	rec.ID = s.nextID
	s.tokens = append(s.tokens, rec)
	return nil
}

func (s *Store) InsertHolding(_ context.Context, rec storage.HoldingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.holdings[rec.Token] = rec
	return nil
}

func (s *Store) RemoveHolding(_ context.Context, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holdings, mint)
	return nil
}

func (s *Store) GetHolding(_ context.Context, mint string) (*storage.HoldingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.holdings[mint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetAllHoldings(_ context.Context) ([]storage.HoldingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.HoldingRecord, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error { return nil }
