package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// risk configuration is stored as JSONB, validated before it ever reaches
// the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier abstracts pgxpool.Pool and pgx.Tx so the same scan code serves
// both serialized and unserialized reads.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const challengeColumns = `id, user_id,
	starting_balance::TEXT, current_balance::TEXT,
	high_water_mark::TEXT, start_of_day_balance::TEXT,
	status, phase, risk,
	pending_failure_at, COALESCE(last_daily_reset_at, ''), created_at`

const positionColumns = `id, challenge_id, market_id, direction,
	COALESCE(category, ''),
	shares::TEXT, entry_price::TEXT, size_amount::TEXT, current_price::TEXT,
	status, closed_price::TEXT, opened_at, closed_at`

const tradeColumns = `id, challenge_id, position_id, market_id, type,
	amount::TEXT, shares::TEXT, price::TEXT, realized_pnl::TEXT,
	COALESCE(idempotency_key, ''), executed_at`

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	risk, err := json.Marshal(c.Risk)
	if err != nil {
		return fmt.Errorf("marshal risk config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO challenges (id, user_id, starting_balance, current_balance,
		    high_water_mark, start_of_day_balance, status, phase, risk,
		    pending_failure_at, last_daily_reset_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		    $7, $8, $9, $10, NULLIF($11, ''), $12)`,
		c.ID, c.UserID,
		c.StartingBalance.String(), c.CurrentBalance.String(),
		c.HighWaterMark.String(), c.StartOfDayBalance.String(),
		c.Status, c.Phase, risk,
		c.PendingFailureAt, c.LastDailyResetAt, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: challenge %s", ErrDuplicate, c.ID)
	}
	return err
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.pool, id)
}

func (s *PostgresStore) ListEvaluating(ctx context.Context) ([]model.Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+`
		 FROM challenges WHERE status IN ('pending', 'active')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	return p, err
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.challenge_id, p.market_id, p.direction,
		        COALESCE(p.category, ''),
		        p.shares::TEXT, p.entry_price::TEXT, p.size_amount::TEXT, p.current_price::TEXT,
		        p.status, p.closed_price::TEXT, p.opened_at, p.closed_at
		 FROM positions p
		 JOIN challenges c ON c.id = p.challenge_id
		 WHERE p.status = 'OPEN' AND c.status IN ('pending', 'active')
		 ORDER BY p.opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByChallenge(ctx context.Context, challengeID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE challenge_id = $1 ORDER BY opened_at`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE challenge_id = $1 ORDER BY executed_at, id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// WithChallengeTx opens a transaction, takes a FOR UPDATE lock on the
// challenge row, and runs fn. The lock is held until commit, so trade
// execution, closing, settlement, and resets on the same challenge are
// linearized across all engine instances sharing the database.
func (s *PostgresStore) WithChallengeTx(ctx context.Context, challengeID string, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	var locked string
	err = pgtx.QueryRow(ctx,
		`SELECT id FROM challenges WHERE id = $1 FOR UPDATE`, challengeID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: challenge %s", ErrNotFound, challengeID)
	}
	if err != nil {
		return fmt.Errorf("lock challenge %s: %w", challengeID, err)
	}

	if err := fn(ctx, &postgresTx{tx: pgtx, challengeID: challengeID}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

// postgresTx implements Tx on top of a pgx transaction holding the challenge
// row lock.
type postgresTx struct {
	tx          pgx.Tx
	challengeID string
}

func (t *postgresTx) Challenge(ctx context.Context) (*model.Challenge, error) {
	return getChallenge(ctx, t.tx, t.challengeID)
}

func (t *postgresTx) UpdateChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE challenges
		 SET current_balance = $2::NUMERIC,
		     high_water_mark = $3::NUMERIC,
		     start_of_day_balance = $4::NUMERIC,
		     status = $5, phase = $6,
		     pending_failure_at = $7,
		     last_daily_reset_at = NULLIF($8, '')
		 WHERE id = $1`,
		c.ID,
		c.CurrentBalance.String(), c.HighWaterMark.String(),
		c.StartOfDayBalance.String(),
		c.Status, c.Phase,
		c.PendingFailureAt, c.LastDailyResetAt,
	)
	return err
}

func (t *postgresTx) GetPosition(ctx context.Context, positionID string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE id = $1 AND challenge_id = $2`,
		positionID, t.challengeID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	return p, err
}

func (t *postgresTx) GetOpenPosition(ctx context.Context, marketID, direction string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE challenge_id = $1 AND market_id = $2 AND direction = $3 AND status = 'OPEN'`,
		t.challengeID, marketID, direction)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: open position %s/%s", ErrNotFound, marketID, direction)
	}
	return p, err
}

func (t *postgresTx) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE challenge_id = $1 AND status = 'OPEN' ORDER BY opened_at`,
		t.challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *postgresTx) SavePosition(ctx context.Context, p *model.Position) error {
	var closedPrice *string
	if p.ClosedPrice != nil {
		s := p.ClosedPrice.String()
		closedPrice = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, challenge_id, market_id, direction, category,
		    shares, entry_price, size_amount, current_price,
		    status, closed_price, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		    $9::NUMERIC, $10, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		    shares = EXCLUDED.shares,
		    entry_price = EXCLUDED.entry_price,
		    size_amount = EXCLUDED.size_amount,
		    current_price = EXCLUDED.current_price,
		    status = EXCLUDED.status,
		    closed_price = EXCLUDED.closed_price,
		    closed_at = EXCLUDED.closed_at`,
		p.ID, p.ChallengeID, p.MarketID, p.Direction, p.Category,
		p.Shares.String(), p.EntryPrice.String(), p.SizeAmount.String(), p.CurrentPrice.String(),
		p.Status, closedPrice, p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var realized *string
	if tr.RealizedPnL != nil {
		s := tr.RealizedPnL.String()
		realized = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, challenge_id, position_id, market_id, type,
		    amount, shares, price, realized_pnl, idempotency_key, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		    $9::NUMERIC, NULLIF($10, ''), $11)`,
		tr.ID, tr.ChallengeID, tr.PositionID, tr.MarketID, tr.Type,
		tr.Amount.String(), tr.Shares.String(), tr.Price.String(),
		realized, tr.IdempotencyKey, tr.ExecutedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: trade key %s", ErrDuplicate, tr.IdempotencyKey)
	}
	return err
}

func (t *postgresTx) FindTradeByIdempotencyKey(ctx context.Context, key string) (*model.Trade, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE challenge_id = $1 AND idempotency_key = $2`,
		t.challengeID, key)
	tr, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	return tr, err
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func getChallenge(ctx context.Context, q querier, id string) (*model.Challenge, error) {
	row := q.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: challenge %s", ErrNotFound, id)
	}
	return c, err
}

func scanChallenge(row scannable) (*model.Challenge, error) {
	var c model.Challenge
	var starting, current, hwm, sod string
	var risk []byte

	err := row.Scan(&c.ID, &c.UserID,
		&starting, &current, &hwm, &sod,
		&c.Status, &c.Phase, &risk,
		&c.PendingFailureAt, &c.LastDailyResetAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.StartingBalance, _ = decimal.NewFromString(starting)
	c.CurrentBalance, _ = decimal.NewFromString(current)
	c.HighWaterMark, _ = decimal.NewFromString(hwm)
	c.StartOfDayBalance, _ = decimal.NewFromString(sod)

	if len(risk) > 0 {
		if err := json.Unmarshal(risk, &c.Risk); err != nil {
			return nil, fmt.Errorf("unmarshal risk config for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func scanPosition(row scannable) (*model.Position, error) {
	var p model.Position
	var shares, entry, size, current string
	var closedPrice *string

	err := row.Scan(&p.ID, &p.ChallengeID, &p.MarketID, &p.Direction,
		&p.Category,
		&shares, &entry, &size, &current,
		&p.Status, &closedPrice, &p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}

	p.Shares, _ = decimal.NewFromString(shares)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.SizeAmount, _ = decimal.NewFromString(size)
	p.CurrentPrice, _ = decimal.NewFromString(current)

	if closedPrice != nil {
		cp, _ := decimal.NewFromString(*closedPrice)
		p.ClosedPrice = &cp
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanTrade(row scannable) (*model.Trade, error) {
	var t model.Trade
	var amount, shares, price string
	var realized *string

	err := row.Scan(&t.ID, &t.ChallengeID, &t.PositionID, &t.MarketID, &t.Type,
		&amount, &shares, &price, &realized,
		&t.IdempotencyKey, &t.ExecutedAt)
	if err != nil {
		return nil, err
	}

	t.Amount, _ = decimal.NewFromString(amount)
	t.Shares, _ = decimal.NewFromString(shares)
	t.Price, _ = decimal.NewFromString(price)

	if realized != nil {
		pnl, _ := decimal.NewFromString(*realized)
		t.RealizedPnL = &pnl
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
