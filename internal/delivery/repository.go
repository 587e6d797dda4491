package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rotafood/rotafood/internal/platform/db"
)

// Repository defines persistence for orders and drivers.
type Repository interface {
	// Read operations
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error)
	GetDriver(ctx context.Context, id string) (*Driver, error)
	ListDrivers(ctx context.Context) ([]Driver, error)

	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional write operations. Lock* methods take row
// locks that are held until the transaction ends.
type TxRepository interface {
	LockOrder(ctx context.Context, id string) (*Order, error)
	LockDriver(ctx context.Context, id string) (*Driver, error)
	InsertOrder(ctx context.Context, order Order) error
	// SaveOrderTransition writes the lifecycle columns of order, provided the
	// stored status still equals from. Otherwise it returns ErrInvalidTransition.
	SaveOrderTransition(ctx context.Context, order Order, from OrderStatus) error
	UpdateOrderDetails(ctx context.Context, id string, details OrderDetails) error
	DeleteOrder(ctx context.Context, id string) error
	InsertDriver(ctx context.Context, driver Driver) error
	SaveDriverState(ctx context.Context, driver Driver) error
	UpdateDriverProfile(ctx context.Context, id string, profile DriverProfile) error
	SetDriverAvailability(ctx context.Context, id string, status DriverStatus) error
	SetDriverLocation(ctx context.Context, id string, lat, lng float64) error
}

const orderColumns = `id, status, customer_name, customer_phone, address, items, value, delivery_fee,
	payment_method, notes, cancel_reason, COALESCE(driver_id, ''), created_at, assigned_at,
	completed_at, updated_at`

const driverColumns = `id, name, phone, vehicle, status, COALESCE(current_order_id, ''), payment_model,
	payment_rate, last_settlement_at, total_deliveries, lat, lng, location_updated_at,
	created_at, updated_at`

// repository implements Repository using pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// txRepository implements TxRepository.
type txRepository struct {
	tx pgx.Tx
}

// txAttempts bounds reruns of a transaction aborted by a concurrent writer.
const txAttempts = 3

// WithTx wraps callback in a repeatable-read transaction, rerunning it on
// serialization failures.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithRetryingTx(ctx, r.pool, txAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetOrder retrieves an order by id.
func (r *repository) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// ListOrders returns orders matching filter, newest first, with the total match count.
func (r *repository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	argPos := 1
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", argPos))
		args = append(args, statuses)
		argPos++
	}
	if filter.DriverID != "" {
		where = append(where, fmt.Sprintf("driver_id = $%d", argPos))
		args = append(args, filter.DriverID)
		argPos++
	}
	if filter.CreatedFrom != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *filter.CreatedFrom)
		argPos++
	}
	if filter.CreatedTo != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", argPos))
		args = append(args, *filter.CreatedTo)
		argPos++
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, clause, argPos, argPos+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *order)
	}
	return orders, total, rows.Err()
}

// GetDriver retrieves a driver by id.
func (r *repository) GetDriver(ctx context.Context, id string) (*Driver, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	return scanDriver(row)
}

// ListDrivers returns every driver ordered by name.
func (r *repository) ListDrivers(ctx context.Context) ([]Driver, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drivers []Driver
	for rows.Next() {
		driver, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, *driver)
	}
	return drivers, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o     Order
		items []byte
	)
	err := row.Scan(
		&o.ID, &o.Status, &o.CustomerName, &o.CustomerPhone, &o.Address, &items,
		&o.Value, &o.DeliveryFee, &o.PaymentMethod, &o.Notes, &o.CancelReason,
		&o.DriverID, &o.CreatedAt, &o.AssignedAt, &o.CompletedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items for order %s: %w", o.ID, err)
		}
	}
	if o.Items == nil {
		o.Items = []Item{}
	}
	return &o, nil
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	err := row.Scan(
		&d.ID, &d.Name, &d.Phone, &d.Vehicle, &d.Status, &d.CurrentOrderID, &d.PaymentModel,
		&d.PaymentRate, &d.LastSettlementAt, &d.TotalDeliveries, &d.Lat, &d.Lng,
		&d.LocationUpdatedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, err
	}
	return &d, nil
}
