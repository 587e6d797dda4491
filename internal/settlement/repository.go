package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/platform/db"
)

// Reader loads the inputs of a balance computation.
type Reader interface {
	GetDriver(ctx context.Context, id string) (*delivery.Driver, error)
	// CycleOrders returns the driver's completed orders with completed_at in
	// (after, upTo]. A nil upTo leaves the window open.
	CycleOrders(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]delivery.Order, error)
	// CycleVales returns the driver's vales with created_at in (after, upTo].
	CycleVales(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]Vale, error)
}

// Repository defines persistence for vales and settlements.
type Repository interface {
	Reader
	ListVales(ctx context.Context, driverID string, since *time.Time) ([]Vale, error)
	ListSettlements(ctx context.Context, driverID string) ([]Settlement, error)
	GetSettlement(ctx context.Context, id string) (*Settlement, error)

	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	Reader
	// LockDriver reads the driver and holds its row lock until the transaction ends.
	LockDriver(ctx context.Context, id string) (*delivery.Driver, error)
	InsertVale(ctx context.Context, vale Vale) error
	InsertSettlement(ctx context.Context, s Settlement) error
	// AdvanceWatermark sets last_settlement_at to endAt provided it still equals
	// prior. Otherwise it returns ErrSettlementConflict.
	AdvanceWatermark(ctx context.Context, driverID string, prior *time.Time, endAt time.Time) error
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const driverColumns = `id, name, phone, status, COALESCE(current_order_id, ''), payment_model, payment_rate,
	last_settlement_at, total_deliveries`

const settlementColumns = `id, driver_id, period_start, period_end, delivery_count, gross, total_debits,
	net, payment_model, payment_rate, created_by, created_at`

type repository struct {
	pool *pgxpool.Pool
	reader
}

type txRepository struct {
	reader
}

type reader struct {
	q querier
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool, reader: reader{q: pool}}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{reader: reader{q: tx}})
	})
}

func (r reader) GetDriver(ctx context.Context, id string) (*delivery.Driver, error) {
	return scanDriver(r.q.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
}

func (r reader) CycleOrders(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]delivery.Order, error) {
	query := `
		SELECT id, value, completed_at
		FROM orders
		WHERE driver_id = $1 AND status = 'completed'
		  AND completed_at > $2
		  AND ($3::timestamptz IS NULL OR completed_at <= $3)
		ORDER BY completed_at, id
	`
	rows, err := r.q.Query(ctx, query, driverID, after, upTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []delivery.Order
	for rows.Next() {
		o := delivery.Order{DriverID: driverID, Status: delivery.OrderCompleted}
		if err := rows.Scan(&o.ID, &o.Value, &o.CompletedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r reader) CycleVales(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]Vale, error) {
	query := `
		SELECT id, driver_id, amount, reason, created_by, created_at
		FROM vales
		WHERE driver_id = $1 AND created_at > $2
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at, id
	`
	return r.queryVales(ctx, query, driverID, after, upTo)
}

// ListVales returns the driver's vales, newest first, optionally created after since.
func (r *repository) ListVales(ctx context.Context, driverID string, since *time.Time) ([]Vale, error) {
	query := `
		SELECT id, driver_id, amount, reason, created_by, created_at
		FROM vales
		WHERE driver_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY created_at DESC, id
	`
	return r.queryVales(ctx, query, driverID, since)
}

func (r reader) queryVales(ctx context.Context, query string, args ...any) ([]Vale, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vales []Vale
	for rows.Next() {
		var v Vale
		if err := rows.Scan(&v.ID, &v.DriverID, &v.Amount, &v.Reason, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		vales = append(vales, v)
	}
	return vales, rows.Err()
}

// ListSettlements returns the driver's payout history, newest first.
func (r *repository) ListSettlements(ctx context.Context, driverID string) ([]Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE driver_id = $1 ORDER BY period_end DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetSettlement retrieves a settlement by id.
func (r *repository) GetSettlement(ctx context.Context, id string) (*Settlement, error) {
	return scanSettlement(r.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
}

func (t *txRepository) LockDriver(ctx context.Context, id string) (*delivery.Driver, error) {
	driver, err := scanDriver(t.q.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id))
	if isSerializationFailure(err) {
		return nil, fmt.Errorf("%w: %w", ErrSettlementConflict, err)
	}
	return driver, err
}

func (t *txRepository) InsertVale(ctx context.Context, v Vale) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO vales (id, driver_id, amount, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.DriverID, v.Amount, v.Reason, v.CreatedBy, v.CreatedAt)
	return err
}

func (t *txRepository) InsertSettlement(ctx context.Context, s Settlement) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.DriverID, s.PeriodStart, s.PeriodEnd, s.DeliveryCount, s.Gross, s.TotalDebits,
		s.Net, s.PaymentModel, s.PaymentRate, s.CreatedBy, s.CreatedAt)
	return err
}

func (t *txRepository) AdvanceWatermark(ctx context.Context, driverID string, prior *time.Time, endAt time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE drivers
		SET last_settlement_at = $1, updated_at = NOW()
		WHERE id = $2 AND last_settlement_at IS NOT DISTINCT FROM $3
	`, endAt, driverID, prior)
	if err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %w", ErrSettlementConflict, err)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementConflict
	}
	return nil
}

func scanDriver(row pgx.Row) (*delivery.Driver, error) {
	var d delivery.Driver
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Status, &d.CurrentOrderID, &d.PaymentModel,
		&d.PaymentRate, &d.LastSettlementAt, &d.TotalDeliveries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrDriverNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var s Settlement
	err := row.Scan(&s.ID, &s.DriverID, &s.PeriodStart, &s.PeriodEnd, &s.DeliveryCount, &s.Gross,
		&s.TotalDebits, &s.Net, &s.PaymentModel, &s.PaymentRate, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
