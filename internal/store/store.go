// Package store defines the persistence interface for the challenge engine.
// Implementations include PostgreSQL (source of truth, row-level locking) and
// in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/propmarkets/challenge-engine/internal/model"
)

var (
	// ErrNotFound is returned when a challenge, position, or trade does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating an entity whose id (or
	// unique key) already exists.
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the persistence interface. All mutations to a challenge's ledger
// flow through WithChallengeTx, which serializes trade execution, position
// closing, settlement, and daily resets for that challenge.
type Store interface {
	// --- Challenge lifecycle ---

	// CreateChallenge persists a newly provisioned challenge.
	CreateChallenge(ctx context.Context, c *model.Challenge) error

	// GetChallenge retrieves a challenge by id. The read is not
	// serialized against concurrent transactions and may be slightly
	// stale, but never partially applied.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// ListEvaluating returns all challenges still under evaluation
	// (status pending or active).
	ListEvaluating(ctx context.Context) ([]model.Challenge, error)

	// --- Unserialized reads ---

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositions returns all OPEN positions across challenges
	// still under evaluation. Used by the settlement scanner.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// ListPositionsByChallenge returns all positions for a challenge.
	ListPositionsByChallenge(ctx context.Context, challengeID string) ([]model.Position, error)

	// ListTradesByChallenge returns the full trade history for a
	// challenge in execution order.
	ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error)

	// --- Serialized mutation ---

	// WithChallengeTx runs fn inside a transaction holding an exclusive
	// lock on the challenge row. All reads inside fn observe the locked
	// state; all writes commit atomically with it or not at all.
	WithChallengeTx(ctx context.Context, challengeID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of one challenge's ledger, valid only inside
// WithChallengeTx.
type Tx interface {
	// Challenge returns the locked challenge.
	Challenge(ctx context.Context) (*model.Challenge, error)

	// UpdateChallenge writes balance, high-water mark, status, breach and
	// reset fields back to the locked row.
	UpdateChallenge(ctx context.Context, c *model.Challenge) error

	// GetPosition retrieves a position belonging to the locked challenge.
	GetPosition(ctx context.Context, positionID string) (*model.Position, error)

	// GetOpenPosition finds the OPEN position for (market, direction), or
	// ErrNotFound.
	GetOpenPosition(ctx context.Context, marketID, direction string) (*model.Position, error)

	// ListOpenPositions returns the challenge's OPEN positions.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// SavePosition inserts or updates a position row.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertTrade appends an immutable ledger entry.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// FindTradeByIdempotencyKey returns the trade previously recorded
	// under key, or ErrNotFound.
	FindTradeByIdempotencyKey(ctx context.Context, key string) (*model.Trade, error)
}
