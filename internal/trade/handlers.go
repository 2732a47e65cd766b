package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/options"
	"github.com/fantasystocks/market-engine/internal/provider"
	"github.com/fantasystocks/market-engine/internal/store"
)

// Routes mounts the trading API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/buy", s.HandleBuy)
	r.Post("/sell", s.HandleSell)

	r.Get("/options/chain/{symbol}", s.HandleOptionChain)
	r.Post("/options", s.HandleBuyOption)
	r.Post("/options/{optionID}/exercise", s.HandleExerciseOption)

	r.Get("/users/{userID}/options", s.HandleUserOptions)
	r.Get("/users/{userID}/transactions", s.HandleUserTransactions)
	r.Get("/users/{userID}/options/history", s.HandleUserOptionHistory)

	r.Get("/portfolio/{userID}", s.HandlePortfolio)
	r.Get("/leaderboard", s.HandleLeaderboard)
}

// TradeRequest is the body for POST /buy and POST /sell.
type TradeRequest struct {
	UserID   int64  `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// TradeResponse reports an executed trade and the resulting position.
type TradeResponse struct {
	UserID        int64           `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Action        string          `json:"action"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Total         decimal.Decimal `json:"total"`
	Shares        int64           `json:"shares"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	AverageCost   decimal.Decimal `json:"average_cost"`
}

// HandleBuy handles POST /api/v1/buy.
// The execution price is resolved server-side from the live score, so a
// stale client quote can never move money.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	price, _, err := s.ResolvePrice(r.Context(), req.Symbol)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	pos, err := s.Buy(r.Context(), req.UserID, req.Symbol, req.Quantity, price)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, TradeResponse{
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Action:        model.ActionBuy,
		Quantity:      req.Quantity,
		PricePerShare: price,
		Total:         price.Mul(decimal.NewFromInt(req.Quantity)),
		Shares:        pos.Shares,
		TotalSpent:    pos.TotalSpent,
		AverageCost:   pos.AverageCost(),
	})
}

// HandleSell handles POST /api/v1/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	price, _, err := s.ResolvePrice(r.Context(), req.Symbol)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	pos, err := s.Sell(r.Context(), req.UserID, req.Symbol, req.Quantity, price)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, TradeResponse{
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Action:        model.ActionSell,
		Quantity:      req.Quantity,
		PricePerShare: price,
		Total:         price.Mul(decimal.NewFromInt(req.Quantity)),
		Shares:        pos.Shares,
		TotalSpent:    pos.TotalSpent,
		AverageCost:   pos.AverageCost(),
	})
}

// OptionChainResponse is the quoted option matrix for one symbol.
type OptionChainResponse struct {
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Score        decimal.Decimal `json:"score"`
	Quotes       []options.Quote `json:"quotes"`
}

// HandleOptionChain handles GET /api/v1/options/chain/{symbol}.
func (s *Service) HandleOptionChain(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	price, post, err := s.ResolvePrice(r.Context(), symbol)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, OptionChainResponse{
		Symbol:       symbol,
		CurrentPrice: price,
		Score:        post.Score,
		Quotes:       s.chain.Generate(symbol, price, post.Score),
	})
}

// BuyOptionRequest is the body for POST /api/v1/options.
type BuyOptionRequest struct {
	UserID      int64           `json:"user_id"`
	Symbol      string          `json:"symbol"`
	OptionType  string          `json:"option_type"`
	StrikePrice decimal.Decimal `json:"strike_price"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Quantity    int64           `json:"quantity"`
}

// HandleBuyOption handles POST /api/v1/options.
func (s *Service) HandleBuyOption(w http.ResponseWriter, r *http.Request) {
	var req BuyOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	contract, err := s.BuyOption(r.Context(), req.UserID, req.Symbol,
		req.OptionType, req.StrikePrice, req.ExpiresAt, req.Quantity)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(contract)
}

// HandleExerciseOption handles POST /api/v1/options/{optionID}/exercise.
// Settlement runs through the same path the expiry timer uses, so an
// early exercise can never double-settle against it.
func (s *Service) HandleExerciseOption(w http.ResponseWriter, r *http.Request) {
	optionID, err := strconv.ParseInt(chi.URLParam(r, "optionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid option id", http.StatusBadRequest)
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	contracts, err := s.store.GetOptionsByIDs(r.Context(), []int64{optionID})
	if err != nil {
		writeError(w, "failed to load option", http.StatusInternalServerError)
		return
	}
	if len(contracts) == 0 {
		writeError(w, "option not found", http.StatusNotFound)
		return
	}
	if contracts[0].UserID != req.UserID {
		writeError(w, "option does not belong to user", http.StatusForbidden)
		return
	}

	if s.exerciser == nil {
		writeError(w, "settlement unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.exerciser.ExerciseOptions(r.Context(), []int64{optionID}); err != nil {
		writeError(w, "failed to exercise option", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"option_id": optionID, "status": "settled"})
}

// HandleUserOptions handles GET /api/v1/users/{userID}/options.
func (s *Service) HandleUserOptions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	contracts, err := s.store.ListUserOptions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list options", http.StatusInternalServerError)
		return
	}
	if contracts == nil {
		contracts = []model.OptionContract{}
	}
	writeJSON(w, contracts)
}

// HandleUserTransactions handles GET /api/v1/users/{userID}/transactions.
func (s *Service) HandleUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	txs, err := s.store.ListTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, txs)
}

// HandleUserOptionHistory handles GET /api/v1/users/{userID}/options/history.
func (s *Service) HandleUserOptionHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	txs, err := s.store.ListOptionTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list option history", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.OptionTransaction{}
	}
	writeJSON(w, txs)
}

// HandlePortfolio handles GET /api/v1/portfolio/{userID}.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	portfolio, err := s.GetPortfolio(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, portfolio)
}

// HandleLeaderboard handles GET /api/v1/leaderboard?limit=N.
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	users, err := s.store.TopUsersByScore(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, users)
}

// writeTradeError maps domain errors onto HTTP statuses: validation
// failures 400, missing instruments and users 404, business rejections
// 409, upstream outages 502.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, options.ErrInvalidOptionType),
		errors.Is(err, options.ErrInvalidStrike),
		errors.Is(err, options.ErrExpiryNotInFuture):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, provider.ErrNotFound):
		writeError(w, "symbol not found", http.StatusNotFound)
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, "user not found", http.StatusNotFound)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrPositionCapReached):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, provider.ErrUnavailable):
		writeError(w, "score provider unavailable", http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
