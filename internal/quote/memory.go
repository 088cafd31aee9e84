package quote

import (
	"context"
	"fmt"
	"sync"
)

// MemorySource is an in-memory quote source for testing and development.
type MemorySource struct {
	mu          sync.RWMutex
	quotes      map[string]Quote
	resolutions map[string]Resolution
	failing     map[string]bool
}

// NewMemorySource creates an empty in-memory quote source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		quotes:      make(map[string]Quote),
		resolutions: make(map[string]Resolution),
		failing:     make(map[string]bool),
	}
}

// SetQuote stores or replaces the quote for a market.
func (s *MemorySource) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.MarketID] = q
}

// SetResolution stores or replaces the resolution for a market.
func (s *MemorySource) SetResolution(r Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions[r.MarketID] = r
}

// FailMarket makes all lookups for a market return ErrUnavailable, simulating
// a pipeline outage.
func (s *MemorySource) FailMarket(marketID string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[marketID] = failing
}

func (s *MemorySource) GetQuote(_ context.Context, marketID string) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failing[marketID] {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, marketID)
	}
	q, ok := s.quotes[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", ErrUnavailable, marketID)
	}
	copy := q
	return &copy, nil
}

func (s *MemorySource) GetResolution(_ context.Context, marketID string) (*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failing[marketID] {
		return nil, fmt.Errorf("%w: resolution %s", ErrUnavailable, marketID)
	}
	r, ok := s.resolutions[marketID]
	if !ok {
		return &Resolution{MarketID: marketID, Resolved: false}, nil
	}
	copy := r
	return &copy, nil
}
