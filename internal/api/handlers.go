package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kasyan/stocksim/internal/auth"
	"github.com/kasyan/stocksim/internal/market"
	"github.com/kasyan/stocksim/internal/models"
)

// Store is the slice of storage the handlers use directly.
type Store interface {
	GetUserByID(ctx context.Context, userID int) (*models.User, error)
	Deposit(ctx context.Context, userID int, amount float64) error
	Withdraw(ctx context.Context, userID int, amount float64) error
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
	CreateInstrument(ctx context.Context, symbol, name string, price float64, available int64) (*models.Instrument, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	UpsertScheduleEntry(ctx context.Context, entry models.ScheduleEntry) error
	UpsertDateOverride(ctx context.Context, override models.DateOverride) error
}

// Trader executes validated buy/sell orders.
type Trader interface {
	Execute(ctx context.Context, userID int, symbol, side string, quantity int64) (*models.Order, error)
}

// Portfolio projects user holdings from order history.
type Portfolio interface {
	Holdings(ctx context.Context, userID int) ([]models.Holding, float64, error)
}

// MarketSession reports the open/closed state of trading.
type MarketSession interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store     Store
	Auth      *auth.AuthService
	Engine    Trader
	Portfolio Portfolio
	Market    MarketSession
}

// NewHandler creates a new handler
func NewHandler(store Store, authService *auth.AuthService, engine Trader, portfolio Portfolio, session MarketSession) *Handler {
	return &Handler{Store: store, Auth: authService, Engine: engine, Portfolio: portfolio, Market: session}
}

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, models.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrMarketClosed):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, models.ErrUserNotFound), errors.Is(err, models.ErrInstrumentNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrDuplicateSymbol):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrInsufficientInventory),
		errors.Is(err, models.ErrInsufficientHoldings),
		errors.Is(err, models.ErrInsufficientFunds):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Password  string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Email, req.FirstName, req.LastName, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization header required"})
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.Auth.VerifyToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnlyMiddleware rejects requests whose token lacks the admin role
func (h *Handler) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxKeyRole).(string)
		if role != models.RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFrom(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value(ctxKeyUserID).(int)
	return userID, ok
}

// GetMarketStatus reports whether the market is currently open
func (h *Handler) GetMarketStatus(w http.ResponseWriter, r *http.Request) {
	open, err := h.Market.IsOpen(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"open": open})
}

// ListInstruments returns the tradable instrument catalogue
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.Store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if instruments == nil {
		instruments = []models.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// PlaceOrder executes a buy or sell order for the authenticated user
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	order, err := h.Engine.Execute(r.Context(), userID, req.Symbol, req.Side, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetOrderHistory returns the user's executed orders, newest first
func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	orders, err := h.Store.GetUserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio returns the user's projected holdings and total value
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	holdings, total, err := h.Portfolio.Holdings(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if holdings == nil {
		holdings = []models.Holding{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"holdings":    holdings,
		"total_value": total,
	})
}

// GetAccount returns the authenticated user's profile and cash balance
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	user, err := h.Store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) moveBalance(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, userID int, amount float64) error) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}

	if err := move(r.Context(), userID, req.Amount); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.Store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": user.Balance})
}

// Deposit credits the user's cash balance
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveBalance(w, r, h.Store.Deposit)
}

// Withdraw debits the user's cash balance
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveBalance(w, r, h.Store.Withdraw)
}

// CreateInstrument adds a new tradable instrument (admin)
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string  `json:"symbol"`
		Name      string  `json:"name"`
		Price     float64 `json:"price"`
		Available int64   `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Symbol == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol and name required"})
		return
	}
	if req.Price <= 0 || req.Available < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "price must be positive and available non-negative"})
		return
	}

	instrument, err := h.Store.CreateInstrument(r.Context(), req.Symbol, req.Name, req.Price, req.Available)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instrument)
}

// SetSchedule writes the weekly trading hours for one weekday (admin).
// is_open=false stores the equal open/close closed sentinel.
func (h *Handler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	day, err := strconv.Atoi(chi.URLParam(r, "day"))
	if err != nil || day < 0 || day > 6 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "day must be 0 (Monday) through 6 (Sunday)"})
		return
	}

	var req struct {
		Open   string `json:"open"`
		Close  string `json:"close"`
		IsOpen bool   `json:"is_open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	hours := models.Hours{}
	if req.IsOpen {
		hours, err = market.ParseHours(req.Open, req.Close)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	entry := models.ScheduleEntry{Weekday: day, Hours: hours}
	if err := h.Store.UpsertScheduleEntry(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// SetOverride writes a date-specific trading-hours override (admin).
// is_closed=true stores the equal open/close closed sentinel.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return
	}

	var req struct {
		Open     string `json:"open"`
		Close    string `json:"close"`
		IsClosed bool   `json:"is_closed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	hours := models.Hours{}
	if !req.IsClosed {
		parsed, err := market.ParseHours(req.Open, req.Close)
		if err != nil {
			writeError(w, err)
			return
		}
		hours = parsed
	}

	override := models.DateOverride{Date: date, Hours: hours}
	if err := h.Store.UpsertDateOverride(r.Context(), override); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, override)
}
