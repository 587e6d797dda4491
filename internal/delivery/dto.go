package delivery

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotafood/rotafood/internal/shared"
)

// CreateOrderRequest is the checkout or manual-entry payload.
type CreateOrderRequest struct {
	ID            string           `json:"id,omitempty" validate:"omitempty,max=64,printascii"`
	CustomerName  string           `json:"customer_name" validate:"required,max=200"`
	CustomerPhone string           `json:"customer_phone" validate:"omitempty,max=32"`
	Address       string           `json:"address" validate:"required,max=500"`
	Items         []ItemRequest    `json:"items" validate:"required,min=1,dive"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	DeliveryFee   decimal.Decimal  `json:"delivery_fee"`
	PaymentMethod PaymentMethod    `json:"payment_method" validate:"omitempty,oneof=cash card pix"`
	Notes         string           `json:"notes,omitempty" validate:"max=1000"`
}

// ItemRequest is one order line in a request.
type ItemRequest struct {
	Name      string          `json:"name" validate:"required,max=200"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes,omitempty" validate:"max=500"`
}

// UpdateOrderRequest edits auxiliary order fields in any status.
type UpdateOrderRequest struct {
	CustomerName  *string          `json:"customer_name,omitempty" validate:"omitempty,max=200"`
	CustomerPhone *string          `json:"customer_phone,omitempty" validate:"omitempty,max=32"`
	Address       *string          `json:"address,omitempty" validate:"omitempty,max=500"`
	Items         *[]ItemRequest   `json:"items,omitempty" validate:"omitempty,min=1,dive"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	DeliveryFee   *decimal.Decimal `json:"delivery_fee,omitempty"`
	PaymentMethod *PaymentMethod   `json:"payment_method,omitempty" validate:"omitempty,oneof=cash card pix"`
	Notes         *string          `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// DriverCommandRequest carries the optional courier id of assign/accept/complete.
type DriverCommandRequest struct {
	DriverID string `json:"driver_id" validate:"omitempty,max=64"`
}

// RevertRequest selects the queue status an order is sent back to.
type RevertRequest struct {
	To OrderStatus `json:"to" validate:"required,oneof=pending preparing ready"`
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CreateDriverRequest registers a courier.
type CreateDriverRequest struct {
	ID           string          `json:"id,omitempty" validate:"omitempty,max=64,printascii"`
	Name         string          `json:"name" validate:"required,max=200"`
	Phone        string          `json:"phone" validate:"omitempty,max=32"`
	Vehicle      string          `json:"vehicle" validate:"omitempty,max=100"`
	Status       DriverStatus    `json:"status" validate:"omitempty,oneof=available offline"`
	PaymentModel PaymentModel    `json:"payment_model" validate:"omitempty,oneof=fixed_per_delivery percentage salary"`
	PaymentRate  decimal.Decimal `json:"payment_rate"`
}

// UpdateDriverRequest edits a courier profile and payment terms.
type UpdateDriverRequest struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Phone        *string          `json:"phone,omitempty" validate:"omitempty,max=32"`
	Vehicle      *string          `json:"vehicle,omitempty" validate:"omitempty,max=100"`
	PaymentModel *PaymentModel    `json:"payment_model,omitempty" validate:"omitempty,oneof=fixed_per_delivery percentage salary"`
	PaymentRate  *decimal.Decimal `json:"payment_rate,omitempty"`
}

// AvailabilityRequest toggles a courier on or off shift.
type AvailabilityRequest struct {
	Status DriverStatus `json:"status" validate:"required,oneof=available offline"`
}

// LocationRequest is a courier position ping.
type LocationRequest struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// OrderListResponse is the paginated order listing.
type OrderListResponse struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`

	Pagination shared.Pagination `json:"pagination"`
}

// TransitionResponse reports the state after a lifecycle command.
type TransitionResponse struct {
	Order  Order       `json:"order"`
	Driver *Driver     `json:"driver,omitempty"`
	From   OrderStatus `json:"from"`
	At     time.Time   `json:"at"`
}

func (r ItemRequest) toItem() Item {
	return Item{Name: r.Name, Quantity: r.Quantity, UnitPrice: r.UnitPrice, Notes: r.Notes}
}

func toItems(reqs []ItemRequest) []Item {
	items := make([]Item, len(reqs))
	for i, r := range reqs {
		items[i] = r.toItem()
	}
	return items
}

func (r UpdateOrderRequest) toDetails() OrderDetails {
	d := OrderDetails{
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		Address:       r.Address,
		Value:         r.Value,
		DeliveryFee:   r.DeliveryFee,
		PaymentMethod: r.PaymentMethod,
		Notes:         r.Notes,
	}
	if r.Items != nil {
		items := toItems(*r.Items)
		d.Items = &items
	}
	return d
}

func (r UpdateDriverRequest) toProfile() DriverProfile {
	return DriverProfile{
		Name:         r.Name,
		Phone:        r.Phone,
		Vehicle:      r.Vehicle,
		PaymentModel: r.PaymentModel,
		PaymentRate:  r.PaymentRate,
	}
}

// ItemsTotal sums quantity × unit price over items.
func ItemsTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}
