package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads quotes and resolutions published into Redis by the
// market-data pipeline. The engine never writes quote keys; the pipeline owns
// them.
type RedisSource struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisSource creates a Redis-backed quote source. Every lookup is bounded
// by timeout on top of the caller's context.
func NewRedisSource(rdb *redis.Client, timeout time.Duration) *RedisSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisSource{rdb: rdb, timeout: timeout}
}

func (s *RedisSource) GetQuote(ctx context.Context, marketID string) (*Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, quoteKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no quote for %s", ErrUnavailable, marketID)
		}
		// Timeouts and connection errors are also "unavailable": the
		// caller can retry, but must never trade without a price.
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, marketID, err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("%w: malformed quote for %s: %v", ErrUnavailable, marketID, err)
	}
	if q.MarketID == "" {
		q.MarketID = marketID
	}
	return &q, nil
}

func (s *RedisSource) GetResolution(ctx context.Context, marketID string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, resolutionKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No resolution key means the market is still live.
			return &Resolution{MarketID: marketID, Resolved: false}, nil
		}
		return nil, fmt.Errorf("%w: resolution %s: %v", ErrUnavailable, marketID, err)
	}

	var r Resolution
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: malformed resolution for %s: %v", ErrUnavailable, marketID, err)
	}
	if r.MarketID == "" {
		r.MarketID = marketID
	}
	return &r, nil
}

func quoteKey(marketID string) string      { return fmt.Sprintf("quote:%s", marketID) }
func resolutionKey(marketID string) string { return fmt.Sprintf("resolution:%s", marketID) }
