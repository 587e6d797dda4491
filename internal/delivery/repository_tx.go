package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// LockOrder reads an order and holds its row lock for the rest of the transaction.
func (t *txRepository) LockOrder(ctx context.Context, id string) (*Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// LockDriver reads a driver and holds its row lock for the rest of the transaction.
func (t *txRepository) LockDriver(ctx context.Context, id string) (*Driver, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id)
	return scanDriver(row)
}

// InsertOrder creates a new order row.
func (t *txRepository) InsertOrder(ctx context.Context, o Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	query := `
		INSERT INTO orders (
			id, status, customer_name, customer_phone, address, items, value,
			delivery_fee, payment_method, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`
	_, err = t.tx.Exec(ctx, query,
		o.ID, o.Status, o.CustomerName, o.CustomerPhone, o.Address, items, o.Value,
		o.DeliveryFee, o.PaymentMethod, o.Notes, o.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	return err
}

// SaveOrderTransition persists status, driver and timestamps guarded by the previous status.
func (t *txRepository) SaveOrderTransition(ctx context.Context, o Order, from OrderStatus) error {
	query := `
		UPDATE orders
		SET status = $1, driver_id = NULLIF($2, ''), assigned_at = $3, completed_at = $4,
		    cancel_reason = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`
	tag, err := t.tx.Exec(ctx, query,
		o.Status, o.DriverID, o.AssignedAt, o.CompletedAt, o.CancelReason, o.UpdatedAt, o.ID, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s is no longer %s", ErrInvalidTransition, o.ID, from)
	}
	return nil
}

// UpdateOrderDetails updates auxiliary order fields.
func (t *txRepository) UpdateOrderDetails(ctx context.Context, id string, d OrderDetails) error {
	updates := make(map[string]any)
	if d.CustomerName != nil {
		updates["customer_name"] = *d.CustomerName
	}
	if d.CustomerPhone != nil {
		updates["customer_phone"] = *d.CustomerPhone
	}
	if d.Address != nil {
		updates["address"] = *d.Address
	}
	if d.Items != nil {
		items, err := json.Marshal(*d.Items)
		if err != nil {
			return fmt.Errorf("encode items: %w", err)
		}
		updates["items"] = items
	}
	if d.Value != nil {
		updates["value"] = *d.Value
	}
	if d.DeliveryFee != nil {
		updates["delivery_fee"] = *d.DeliveryFee
	}
	if d.PaymentMethod != nil {
		updates["payment_method"] = *d.PaymentMethod
	}
	if d.Notes != nil {
		updates["notes"] = *d.Notes
	}
	return t.update(ctx, "orders", id, updates, ErrOrderNotFound)
}

// DeleteOrder removes an order regardless of status.
func (t *txRepository) DeleteOrder(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// InsertDriver creates a new driver row.
func (t *txRepository) InsertDriver(ctx context.Context, d Driver) error {
	query := `
		INSERT INTO drivers (
			id, name, phone, vehicle, status, payment_model, payment_rate, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := t.tx.Exec(ctx, query,
		d.ID, d.Name, d.Phone, d.Vehicle, d.Status, d.PaymentModel, d.PaymentRate, d.CreatedAt,
	)
	return err
}

// SaveDriverState persists the lifecycle-owned driver columns.
func (t *txRepository) SaveDriverState(ctx context.Context, d Driver) error {
	query := `
		UPDATE drivers
		SET status = $1, current_order_id = NULLIF($2, ''), total_deliveries = $3, updated_at = $4
		WHERE id = $5
	`
	tag, err := t.tx.Exec(ctx, query, d.Status, d.CurrentOrderID, d.TotalDeliveries, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

// UpdateDriverProfile updates admin-editable driver fields.
func (t *txRepository) UpdateDriverProfile(ctx context.Context, id string, p DriverProfile) error {
	updates := make(map[string]any)
	if p.Name != nil {
		updates["name"] = *p.Name
	}
	if p.Phone != nil {
		updates["phone"] = *p.Phone
	}
	if p.Vehicle != nil {
		updates["vehicle"] = *p.Vehicle
	}
	if p.PaymentModel != nil {
		updates["payment_model"] = *p.PaymentModel
	}
	if p.PaymentRate != nil {
		updates["payment_rate"] = *p.PaymentRate
	}
	return t.update(ctx, "drivers", id, updates, ErrDriverNotFound)
}

// SetDriverAvailability toggles a driver between available and offline.
func (t *txRepository) SetDriverAvailability(ctx context.Context, id string, status DriverStatus) error {
	return t.update(ctx, "drivers", id, map[string]any{"status": status}, ErrDriverNotFound)
}

// SetDriverLocation records the courier's last known position.
func (t *txRepository) SetDriverLocation(ctx context.Context, id string, lat, lng float64) error {
	return t.update(ctx, "drivers", id, map[string]any{
		"lat":                 lat,
		"lng":                 lng,
		"location_updated_at": time.Now().UTC(),
	}, ErrDriverNotFound)
}

// update builds an UPDATE from a column map. Keys are compile-time column
// names from this file, never user input.
func (t *txRepository) update(ctx context.Context, table, id string, updates map[string]any, notFound error) error {
	if len(updates) == 0 {
		return nil
	}

	fields := make([]string, 0, len(updates))
	for field := range updates {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	argPos := 1
	for _, field := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, argPos))
		args = append(args, updates[field])
		argPos++
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, strings.Join(setClauses, ", "), argPos)

	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
