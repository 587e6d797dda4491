package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotafood/rotafood/internal/delivery"
)

var hundred = decimal.NewFromInt(100)

// Calculator derives balances from completed orders and vales.
type Calculator struct {
	// DefaultRate is paid per delivery to fixed-rate drivers without a positive rate.
	DefaultRate decimal.Decimal
}

// NewCalculator returns a calculator with the given fixed-rate fallback.
func NewCalculator(defaultRate decimal.Decimal) Calculator {
	return Calculator{DefaultRate: defaultRate}
}

// ComputeBalance returns the driver's balance over (watermark, asOf]. A zero
// asOf leaves the window open-ended. Orders and vales of other drivers or
// outside the window are ignored, so callers may pass a superset.
func (c Calculator) ComputeBalance(driver delivery.Driver, orders []delivery.Order, vales []Vale, asOf time.Time) Breakdown {
	watermark := driver.Watermark()
	b := Breakdown{
		DriverID:     driver.ID,
		PeriodStart:  watermark,
		PaymentModel: driver.PaymentModel,
		PaymentRate:  c.effectiveRate(driver),
		OrderIDs:     []string{},
		ValeIDs:      []string{},
	}
	if !asOf.IsZero() {
		end := asOf
		b.PeriodEnd = &end
	}
	inWindow := func(t time.Time) bool {
		return t.After(watermark) && (asOf.IsZero() || !t.After(asOf))
	}

	gross := decimal.Zero
	for _, o := range orders {
		if o.DriverID != driver.ID || o.Status != delivery.OrderCompleted || o.CompletedAt == nil {
			continue
		}
		if !inWindow(*o.CompletedAt) {
			continue
		}
		b.DeliveryCount++
		b.OrderIDs = append(b.OrderIDs, o.ID)
		if driver.PaymentModel == delivery.PaymentPercentage {
			gross = gross.Add(o.Value.Mul(b.PaymentRate).Div(hundred))
		}
	}
	switch driver.PaymentModel {
	case delivery.PaymentFixedPerDelivery:
		gross = b.PaymentRate.Mul(decimal.NewFromInt(int64(b.DeliveryCount)))
	case delivery.PaymentSalary:
		gross = decimal.Zero
	}

	debits := decimal.Zero
	for _, v := range vales {
		if v.DriverID != driver.ID || !inWindow(v.CreatedAt) {
			continue
		}
		debits = debits.Add(v.Amount)
		b.ValeIDs = append(b.ValeIDs, v.ID)
	}

	b.Gross = gross.Round(2)
	b.TotalDebits = debits.Round(2)
	// Net is never clamped; a negative value is money the driver owes.
	b.Net = b.Gross.Sub(b.TotalDebits)
	return b
}

func (c Calculator) effectiveRate(driver delivery.Driver) decimal.Decimal {
	switch driver.PaymentModel {
	case delivery.PaymentFixedPerDelivery:
		if driver.PaymentRate.GreaterThan(decimal.Zero) {
			return driver.PaymentRate
		}
		return c.DefaultRate
	case delivery.PaymentSalary:
		return decimal.Zero
	default:
		return driver.PaymentRate
	}
}
