package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/propmarkets/challenge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Per-challenge keyed mutexes stand in for the row locks the
// Postgres implementation takes with SELECT … FOR UPDATE; transaction writes
// are staged and applied on commit so a failing fn leaves no partial state.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*model.Challenge
	positions  map[string]*model.Position
	trades     []model.Trade

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*model.Challenge),
		positions:  make(map[string]*model.Position),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) challengeLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[c.ID]; exists {
		return fmt.Errorf("%w: challenge %s", ErrDuplicate, c.ID)
	}
	copy := *c
	s.challenges[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("%w: challenge %s", ErrNotFound, id)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListEvaluating(_ context.Context) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Challenge
	for _, c := range s.challenges {
		if c.Status == model.StatusPending || c.Status == model.StatusActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status != model.PositionOpen {
			continue
		}
		c, ok := s.challenges[p.ChallengeID]
		if !ok || (c.Status != model.StatusPending && c.Status != model.StatusActive) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByChallenge(_ context.Context, challengeID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.ChallengeID == challengeID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradesByChallenge(_ context.Context, challengeID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.ChallengeID == challengeID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) WithChallengeTx(ctx context.Context, challengeID string, fn func(ctx context.Context, tx Tx) error) error {
	lock := s.challengeLock(challengeID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	base, ok := s.challenges[challengeID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: challenge %s", ErrNotFound, challengeID)
	}

	staged := *base
	tx := &memoryTx{
		store:       s,
		challengeID: challengeID,
		challenge:   &staged,
		positions:   make(map[string]*model.Position),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit staged writes under the store mutex.
	s.mu.Lock()
	defer s.mu.Unlock()

	committed := *tx.challenge
	s.challenges[challengeID] = &committed
	for id, p := range tx.positions {
		copy := *p
		s.positions[id] = &copy
	}
	s.trades = append(s.trades, tx.newTrades...)
	return nil
}

// memoryTx stages all writes; reads see staged state first, then the store.
type memoryTx struct {
	store       *MemoryStore
	challengeID string
	challenge   *model.Challenge
	positions   map[string]*model.Position
	newTrades   []model.Trade
}

func (t *memoryTx) Challenge(_ context.Context) (*model.Challenge, error) {
	copy := *t.challenge
	return &copy, nil
}

func (t *memoryTx) UpdateChallenge(_ context.Context, c *model.Challenge) error {
	if c.ID != t.challengeID {
		return fmt.Errorf("%w: challenge %s not locked by this tx", ErrNotFound, c.ID)
	}
	copy := *c
	t.challenge = &copy
	return nil
}

func (t *memoryTx) GetPosition(_ context.Context, positionID string) (*model.Position, error) {
	if p, ok := t.positions[positionID]; ok {
		copy := *p
		return &copy, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	p, ok := t.store.positions[positionID]
	if !ok || p.ChallengeID != t.challengeID {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	copy := *p
	return &copy, nil
}

func (t *memoryTx) GetOpenPosition(_ context.Context, marketID, direction string) (*model.Position, error) {
	match := func(p *model.Position) bool {
		return p.ChallengeID == t.challengeID &&
			p.MarketID == marketID &&
			p.Direction == direction &&
			p.Status == model.PositionOpen
	}

	for _, p := range t.positions {
		if match(p) {
			copy := *p
			return &copy, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for id, p := range t.store.positions {
		if _, staged := t.positions[id]; staged {
			continue // staged version already checked
		}
		if match(p) {
			copy := *p
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: open position %s/%s", ErrNotFound, marketID, direction)
}

func (t *memoryTx) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	seen := make(map[string]bool)
	var out []model.Position

	for id, p := range t.positions {
		seen[id] = true
		if p.ChallengeID == t.challengeID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for id, p := range t.store.positions {
		if seen[id] {
			continue
		}
		if p.ChallengeID == t.challengeID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (t *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	copy := *p
	t.positions[p.ID] = &copy
	return nil
}

func (t *memoryTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if tr.IdempotencyKey != "" {
		if _, err := t.FindTradeByIdempotencyKey(context.Background(), tr.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: trade key %s", ErrDuplicate, tr.IdempotencyKey)
		}
	}
	t.newTrades = append(t.newTrades, *tr)
	return nil
}

func (t *memoryTx) FindTradeByIdempotencyKey(_ context.Context, key string) (*model.Trade, error) {
	for i := range t.newTrades {
		if t.newTrades[i].ChallengeID == t.challengeID && t.newTrades[i].IdempotencyKey == key {
			copy := t.newTrades[i]
			return &copy, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for i := range t.store.trades {
		tr := &t.store.trades[i]
		if tr.ChallengeID == t.challengeID && tr.IdempotencyKey == key {
			copy := *tr
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
}
