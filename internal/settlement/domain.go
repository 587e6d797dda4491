// Package settlement computes courier balances and records payouts.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotafood/rotafood/internal/delivery"
)

// Change-stream collection names published after commits.
const (
	CollectionVales       = "vales"
	CollectionSettlements = "settlements"
)

// Vale is a debit against a driver's earnings, such as a cash advance.
type Vale struct {
	ID        string          `json:"id"`
	DriverID  string          `json:"driver_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Settlement is an immutable payout record closing one accrual window.
type Settlement struct {
	ID            string                `json:"id"`
	DriverID      string                `json:"driver_id"`
	PeriodStart   time.Time             `json:"period_start"`
	PeriodEnd     time.Time             `json:"period_end"`
	DeliveryCount int                   `json:"delivery_count"`
	Gross         decimal.Decimal       `json:"gross"`
	TotalDebits   decimal.Decimal       `json:"total_debits"`
	Net           decimal.Decimal       `json:"net"`
	PaymentModel  delivery.PaymentModel `json:"payment_model"`
	PaymentRate   decimal.Decimal       `json:"payment_rate"`
	CreatedBy     string                `json:"created_by,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Totals are the money figures of a cycle.
type Totals struct {
	DeliveryCount int             `json:"delivery_count"`
	Gross         decimal.Decimal `json:"gross"`
	TotalDebits   decimal.Decimal `json:"total_debits"`
	Net           decimal.Decimal `json:"net"`
}

// Equal compares totals by value, ignoring decimal scale.
func (t Totals) Equal(o Totals) bool {
	return t.DeliveryCount == o.DeliveryCount &&
		t.Gross.Equal(o.Gross) &&
		t.TotalDebits.Equal(o.TotalDebits) &&
		t.Net.Equal(o.Net)
}

// Breakdown is a driver's balance for the window (PeriodStart, PeriodEnd].
type Breakdown struct {
	DriverID    string     `json:"driver_id"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Totals
	PaymentModel delivery.PaymentModel `json:"payment_model"`
	// PaymentRate is the rate actually applied, after any fallback.
	PaymentRate decimal.Decimal `json:"payment_rate"`
	OrderIDs    []string        `json:"order_ids"`
	ValeIDs     []string        `json:"vale_ids"`
}

// Settle finalizes the open cycle of a driver.
type Settle struct {
	DriverID string
	// EndAt closes the window; zero means now.
	EndAt time.Time
	// Expected is the balance the operator reviewed. When set, a differing
	// recomputation aborts the payout.
	Expected *Totals
}
