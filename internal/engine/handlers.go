package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/risk"
	"github.com/propmarkets/challenge-engine/internal/store"
)

// --- Request/Response types ---

// CreateChallengeRequest is the JSON body for POST /api/v1/challenges,
// submitted by the external provisioning flow after payment.
type CreateChallengeRequest struct {
	UserID          string           `json:"user_id"`
	StartingBalance decimal.Decimal  `json:"starting_balance"`
	Risk            model.RiskConfig `json:"risk"`
}

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	ChallengeID string          `json:"challenge_id"`
	MarketID    string          `json:"market_id"`
	Direction   string          `json:"direction"` // "YES" or "NO"
	Amount      decimal.Decimal `json:"amount"`    // cash to commit
}

// CloseRequest is the JSON body for POST /api/v1/positions/{positionID}/close.
// Shares zero or omitted closes the whole position.
type CloseRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Shares         decimal.Decimal `json:"shares,omitempty"`
}

// EquityResponse is returned from GET /api/v1/challenges/{challengeID}/equity.
type EquityResponse struct {
	ChallengeID string        `json:"challenge_id"`
	Status      string        `json:"status"`
	Phase       string        `json:"phase"`
	Decision    risk.Decision `json:"decision"`
}

// --- HTTP Handlers ---

// HandleCreateChallenge handles POST /api/v1/challenges
func (s *Service) HandleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.CreateChallenge(r.Context(), req.UserID, req.StartingBalance, req.Risk)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// HandleGetChallenge handles GET /api/v1/challenges/{challengeID}
func (s *Service) HandleGetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// HandleEquity handles GET /api/v1/challenges/{challengeID}/equity
func (s *Service) HandleEquity(w http.ResponseWriter, r *http.Request) {
	c, decision, err := s.Equity(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EquityResponse{
		ChallengeID: c.ID,
		Status:      c.Status,
		Phase:       c.Phase,
		Decision:    decision,
	})
}

// HandleListPositions handles GET /api/v1/challenges/{challengeID}/positions
func (s *Service) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// HandleListTrades handles GET /api/v1/challenges/{challengeID}/trades
func (s *Service) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// HandleTrade handles POST /api/v1/trades
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChallengeID == "" || req.MarketID == "" {
		writeError(w, "challenge_id and market_id are required", http.StatusBadRequest)
		return
	}

	t, err := s.ExecuteTrade(r.Context(), req.ChallengeID, req.MarketID, req.Direction, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// HandleClose handles POST /api/v1/positions/{positionID}/close
func (s *Service) HandleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.ClosePosition(r.Context(), chi.URLParam(r, "positionID"), req.IdempotencyKey, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// --- Error mapping ---

// writeServiceError maps the engine error taxonomy onto HTTP statuses and
// stable error codes.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "Internal"

	switch {
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, model.ErrInvalidRiskConfig):
		status, code = http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "NotFound"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusConflict, "InsufficientBalance"
	case errors.Is(err, risk.ErrCapExceeded):
		status, code = http.StatusConflict, "CapExceeded"
	case errors.Is(err, ErrChallengeNotTradable):
		status, code = http.StatusConflict, "ChallengeNotTradable"
	case errors.Is(err, ErrAlreadyClosed):
		status, code = http.StatusConflict, "AlreadyClosed"
	case errors.Is(err, store.ErrDuplicate):
		status, code = http.StatusConflict, "Duplicate"
	case errors.Is(err, quote.ErrUnavailable):
		// Retryable once the market-data pipeline refreshes the cache.
		status, code = http.StatusServiceUnavailable, "QuoteUnavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": err.Error()})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
