// Package delivery implements the order lifecycle and its effect on couriers.
package delivery

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPreparing  OrderStatus = "preparing"
	OrderReady      OrderStatus = "ready"
	OrderAssigned   OrderStatus = "assigned"
	OrderDelivering OrderStatus = "delivering"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// IsValid checks if the status is known.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderPending, OrderPreparing, OrderReady, OrderAssigned, OrderDelivering, OrderCompleted, OrderCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no lifecycle command may leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// IsQueued reports whether the order is waiting in the kitchen queue and must not carry a driver.
func (s OrderStatus) IsQueued() bool {
	return s == OrderPending || s == OrderPreparing || s == OrderReady
}

// IsActive reports whether the order is out with a driver.
func (s OrderStatus) IsActive() bool {
	return s == OrderAssigned || s == OrderDelivering
}

// CanAssign checks if a driver may be attached in this status.
func (s OrderStatus) CanAssign() bool {
	return s.IsQueued()
}

// CanComplete checks if the order may be marked completed.
func (s OrderStatus) CanComplete() bool {
	return s.IsActive()
}

// CanCancel checks if the order may be cancelled.
func (s OrderStatus) CanCancel() bool {
	return s.IsValid() && !s.IsTerminal()
}

// DriverStatus is the availability of a courier.
type DriverStatus string

const (
	DriverAvailable  DriverStatus = "available"
	DriverDelivering DriverStatus = "delivering"
	DriverOffline    DriverStatus = "offline"
)

// IsValid checks if the status is known.
func (s DriverStatus) IsValid() bool {
	switch s {
	case DriverAvailable, DriverDelivering, DriverOffline:
		return true
	default:
		return false
	}
}

// PaymentModel selects how a driver's earnings accrue.
type PaymentModel string

const (
	PaymentFixedPerDelivery PaymentModel = "fixed_per_delivery"
	PaymentPercentage       PaymentModel = "percentage"
	PaymentSalary           PaymentModel = "salary"
)

// IsValid checks if the model is known.
func (m PaymentModel) IsValid() bool {
	switch m {
	case PaymentFixedPerDelivery, PaymentPercentage, PaymentSalary:
		return true
	default:
		return false
	}
}

// PaymentMethod is how the customer pays on delivery.
type PaymentMethod string

const (
	PayCash PaymentMethod = "cash"
	PayCard PaymentMethod = "card"
	PayPix  PaymentMethod = "pix"
)

// Item is one line of an order.
type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes,omitempty"`
}

// Order is a customer purchase progressing through the lifecycle.
type Order struct {
	ID            string          `json:"id"`
	Status        OrderStatus     `json:"status"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
	Address       string          `json:"address"`
	Items         []Item          `json:"items"`
	Value         decimal.Decimal `json:"value"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	DriverID      string          `json:"driver_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasDriver reports whether a driver reference is attached.
func (o Order) HasDriver() bool {
	return o.DriverID != ""
}

// Driver is a courier.
type Driver struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Phone             string          `json:"phone"`
	Vehicle           string          `json:"vehicle,omitempty"`
	Status            DriverStatus    `json:"status"`
	CurrentOrderID    string          `json:"current_order_id,omitempty"`
	PaymentModel      PaymentModel    `json:"payment_model"`
	PaymentRate       decimal.Decimal `json:"payment_rate"`
	LastSettlementAt  *time.Time      `json:"last_settlement_at,omitempty"`
	TotalDeliveries   int             `json:"total_deliveries"`
	Lat               *float64        `json:"lat,omitempty"`
	Lng               *float64        `json:"lng,omitempty"`
	LocationUpdatedAt *time.Time      `json:"location_updated_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Watermark returns the start of the driver's open accrual window.
func (d Driver) Watermark() time.Time {
	if d.LastSettlementAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *d.LastSettlementAt
}

// ListFilter narrows order listings.
type ListFilter struct {
	Statuses    []OrderStatus
	DriverID    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

// OrderDetails carries auxiliary order fields editable in any status.
// Nil fields are left unchanged.
type OrderDetails struct {
	CustomerName  *string
	CustomerPhone *string
	Address       *string
	Items         *[]Item
	Value         *decimal.Decimal
	DeliveryFee   *decimal.Decimal
	PaymentMethod *PaymentMethod
	Notes         *string
}

// DriverProfile carries admin-editable driver fields. Nil fields are left unchanged.
type DriverProfile struct {
	Name         *string
	Phone        *string
	Vehicle      *string
	PaymentModel *PaymentModel
	PaymentRate  *decimal.Decimal
}
