package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// User represents a registered user with a simulated cash balance.
// The balance is moved only by deposits and withdrawals; trade
// execution moves shares, not cash.
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Balance      float64   `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Instrument is a tradable symbol. Available is the exchange's own
// inventory of shares, not a per-user holding.
type Instrument struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Available int64     `json:"available"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Order is an immutable executed trade record: the system of record
// for user holdings. Never updated or deleted after insertion.
type Order struct {
	ID        int64     `json:"id"`
	Reference uuid.UUID `json:"reference"`
	UserID    int       `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // "BUY" or "SELL"
	Quantity  int64     `json:"quantity"`
	Price     float64   `json:"price"` // instrument price at execution time
	CreatedAt time.Time `json:"created_at"`
}

// Hours is an open/close pair expressed as minutes since midnight in
// the market's reference zone. Open == Close encodes "closed".
type Hours struct {
	OpenMinute  int `json:"open_minute"`
	CloseMinute int `json:"close_minute"`
}

// Closed reports whether the pair is the closed sentinel.
func (h Hours) Closed() bool { return h.OpenMinute == h.CloseMinute }

// ScheduleEntry is the trading hours for one weekday (0=Monday..6=Sunday).
type ScheduleEntry struct {
	Weekday int `json:"weekday"`
	Hours
}

// DateOverride replaces the weekly schedule for one calendar date.
type DateOverride struct {
	Date string `json:"date"` // YYYY-MM-DD in the reference zone
	Hours
}

// Holding is one row of a user's projected portfolio.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Value    float64 `json:"value"`
}
