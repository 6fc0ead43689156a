package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbank/internal/ledger"
	"coinbank/internal/models"
	"coinbank/internal/quotes"
)

// TradeService is the slice of the trade engine the handlers call.
type TradeService interface {
	Buy(ctx context.Context, req ledger.TradeRequest) (ledger.TradeResult, error)
	Sell(ctx context.Context, req ledger.TradeRequest) (ledger.TradeResult, error)
}

// Handler holds dependencies for the API endpoints.
type Handler struct {
	logger         *zap.Logger
	engine         TradeService
	store          ledger.Store
	quotes         quotes.Source
	initialBalance decimal.Decimal
}

// NewHandler creates a new Handler.
func NewHandler(logger *zap.Logger, engine TradeService, store ledger.Store, source quotes.Source, initialBalance decimal.Decimal) *Handler {
	return &Handler{
		logger:         logger.Named("api"),
		engine:         engine,
		store:          store,
		quotes:         source,
		initialBalance: initialBalance,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

type signupRequest struct {
	Email string `json:"email"`
}

// Signup creates an account with the configured starting balance.
// Account creation lives here, outside the trade engine; repeating a
// signup is harmless.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	if err := h.store.CreateAccount(r.Context(), req.Email, h.initialBalance); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"email":        req.Email,
		"cash_balance": h.initialBalance.String(),
	})
}

// Quote returns the current 24hr ticker for a symbol.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	quote, err := h.quotes.GetQuote(r.Context(), symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

type tradeRequest struct {
	Owner          string          `json:"owner"`
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (h *Handler) decodeTrade(w http.ResponseWriter, r *http.Request) (tradeRequest, bool) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Owner == "" || req.Symbol == "" {
		http.Error(w, "owner and symbol are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// Buy executes a buy at the current market price.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrade(w, r)
	if !ok {
		return
	}

	quote, err := h.quotes.GetQuote(r.Context(), req.Symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.engine.Buy(r.Context(), ledger.TradeRequest{
		Owner:    req.Owner,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Price:    quote.LastPrice,
		Key:      req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Sell executes a sell at the current market price.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrade(w, r)
	if !ok {
		return
	}

	quote, err := h.quotes.GetQuote(r.Context(), req.Symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.engine.Sell(r.Context(), ledger.TradeRequest{
		Owner:    req.Owner,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Price:    quote.LastPrice,
		Key:      req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type portfolioResponse struct {
	Owner       string               `json:"owner"`
	CashBalance decimal.Decimal      `json:"cash_balance"`
	OpenLots    []models.PositionLot `json:"open_lots"`
}

// Portfolio returns the owner's cash balance and open lots.
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	account, err := h.store.GetAccount(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	lots, err := h.store.ListOpenLots(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, portfolioResponse{
		Owner:       owner,
		CashBalance: account.CashBalance,
		OpenLots:    lots,
	})
}

// Sales returns the owner's sale history, newest first.
func (h *Handler) Sales(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	sales, err := h.store.ListSales(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sales)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps ledger errors to HTTP statuses. A partial write is an
// operator problem, never a success to the user.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var partial *ledger.PartialWriteError
	switch {
	case errors.As(err, &partial):
		h.logger.Error("Trade needs reconciliation", zap.Error(err))
		http.Error(w, "trade incomplete, support has been notified", http.StatusInternalServerError)
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientQuantity):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrNoOpenPosition),
		errors.Is(err, ledger.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrConcurrentModification):
		http.Error(w, "account changed, please retry", http.StatusConflict)
	case errors.Is(err, quotes.ErrQuoteUnavailable):
		http.Error(w, "price feed unavailable, try again", http.StatusBadGateway)
	case errors.Is(err, ledger.ErrStoreUnavailable):
		http.Error(w, "ledger unavailable, try again", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Unhandled error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
