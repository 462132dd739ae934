// Package api exposes the match engine over HTTP: order submission and
// cancellation, event lifecycle, resolution, depth/tape queries, and the
// WebSocket feed. Handlers stay thin; every invariant lives in the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/engine"
	"github.com/opinix/match-engine/internal/model"
)

// Handler holds the HTTP handlers for the engine API.
type Handler struct {
	engine *engine.Service
	hub    *WSHub // optional; nil disables broadcasting
}

// NewHandler creates the API handler set. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewHandler(svc *engine.Service, hub *WSHub) *Handler {
	return &Handler{engine: svc, hub: hub}
}

// Routes mounts all API routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.SubmitOrder)
	r.Delete("/orders/{orderID}", h.CancelOrder)

	r.Post("/events", h.CreateEvent)
	r.Get("/events/{eventID}", h.GetEvent)
	r.Post("/events/{eventID}/close", h.CloseEvent)
	r.Post("/events/{eventID}/resolve", h.ResolveEvent)
	r.Get("/events/{eventID}/book", h.GetOrderBook)
	r.Get("/events/{eventID}/trades", h.GetTrades)

	r.Post("/accounts/{userID}/deposit", h.Deposit)
	r.Get("/accounts/{userID}", h.GetAccount)
	r.Get("/accounts/{userID}/ledger", h.GetLedger)

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	EventID  string          `json:"event_id"`
	UserID   string          `json:"user_id"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// SubmitOrderResponse is the JSON body returned from POST /orders.
type SubmitOrderResponse struct {
	Order   *model.Order  `json:"order"`
	Trades  []model.Trade `json:"matched_trades"`
	Resting *model.Order  `json:"resting_order,omitempty"`
}

// SubmitOrder handles POST /api/v1/orders.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.EventID == "" {
		writeError(w, "user_id and event_id are required", http.StatusBadRequest)
		return
	}

	res, err := h.engine.SubmitOrder(r.Context(), engine.SubmitOrderInput{
		EventID:  req.EventID,
		UserID:   req.UserID,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.hub != nil {
		for _, t := range res.Trades {
			h.hub.Broadcast(WSMessage{
				Type:     "trade_executed",
				EventID:  t.EventID,
				TradeID:  t.ID,
				Price:    t.Price.String(),
				Quantity: t.Quantity,
			})
		}
		h.hub.Broadcast(WSMessage{Type: "book_updated", EventID: req.EventID})
	}

	writeJSON(w, http.StatusOK, SubmitOrderResponse{
		Order:   res.Order,
		Trades:  res.Trades,
		Resting: res.Resting,
	})
}

// CancelOrderResponse is the JSON body returned from DELETE /orders/{orderID}.
type CancelOrderResponse struct {
	OrderID      string          `json:"order_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=...
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.engine.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(WSMessage{Type: "book_updated", EventID: res.Order.EventID})
	}
	writeJSON(w, http.StatusOK, CancelOrderResponse{OrderID: orderID, RefundAmount: res.Refund})
}

// CreateEventRequest is the JSON body for POST /events.
type CreateEventRequest struct {
	Title    string    `json:"title"`
	ClosesAt time.Time `json:"closes_at"`
}

// CreateEvent handles POST /api/v1/events.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}

	ev, err := h.engine.CreateEvent(r.Context(), req.Title, req.ClosesAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// GetEvent handles GET /api/v1/events/{eventID}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.Event(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// CloseEvent handles POST /api/v1/events/{eventID}/close.
func (h *Handler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.CloseEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ResolveEventRequest is the JSON body for POST /events/{eventID}/resolve.
type ResolveEventRequest struct {
	Outcome model.Side `json:"outcome"`
	AdminID string     `json:"admin_id"`
}

// ResolveEvent handles POST /api/v1/events/{eventID}/resolve.
func (h *Handler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	var req ResolveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	summary, err := h.engine.ResolveEvent(r.Context(), eventID, req.Outcome, req.AdminID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(WSMessage{Type: "event_resolved", EventID: eventID, Side: string(req.Outcome)})
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetOrderBook handles GET /api/v1/events/{eventID}/book.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, err := h.engine.OrderBook(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if depth.YesLevels == nil {
		depth.YesLevels = []model.PriceLevel{}
	}
	if depth.NoLevels == nil {
		depth.NoLevels = []model.PriceLevel{}
	}
	writeJSON(w, http.StatusOK, depth)
}

// GetTrades handles GET /api/v1/events/{eventID}/trades.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.Trades(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// DepositRequest is the JSON body for POST /accounts/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit handles POST /api/v1/accounts/{userID}/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := h.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.engine.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetLedger handles GET /api/v1/accounts/{userID}/ledger.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Ledger(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeDomainError maps engine sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEventNotOpen),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, model.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
