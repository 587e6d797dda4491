package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateValeRequest registers a debit for a driver.
type CreateValeRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"max=500"`
}

// FinalizeRequest closes a driver's open cycle.
type FinalizeRequest struct {
	EndAt    *time.Time `json:"end_at,omitempty"`
	Expected *Totals    `json:"expected,omitempty"`
}

func (r FinalizeRequest) toCommand(driverID string) Settle {
	cmd := Settle{DriverID: driverID, Expected: r.Expected}
	if r.EndAt != nil {
		cmd.EndAt = r.EndAt.UTC()
	}
	return cmd
}
