package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

// mockRepository keeps orders and drivers in memory. WithTx serialises
// transactions and works on a copy that is only swapped in on success, so
// a failing callback leaves nothing behind.
type mockRepository struct {
	mu      sync.Mutex
	orders  map[string]Order
	drivers map[string]Driver

	// Error injection
	txError          error
	lockOrderError   error
	saveOrderError   error
	saveDriverError  error
	insertOrderError error
	listError        error

	commits int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		orders:  make(map[string]Order),
		drivers: make(map[string]Driver),
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txError != nil {
		return m.txError
	}
	tx := &mockTxRepo{
		mock:    m,
		orders:  make(map[string]Order, len(m.orders)),
		drivers: make(map[string]Driver, len(m.drivers)),
	}
	for k, v := range m.orders {
		tx.orders[k] = v
	}
	for k, v := range m.drivers {
		tx.drivers[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.orders = tx.orders
	m.drivers = tx.drivers
	m.commits++
	return nil
}

func (m *mockRepository) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (m *mockRepository) ListOrders(_ context.Context, filter ListFilter) ([]Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listError != nil {
		return nil, 0, m.listError
	}
	var out []Order
	for _, o := range m.orders {
		if filter.DriverID != "" && o.DriverID != filter.DriverID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, o.Status) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockRepository) GetDriver(_ context.Context, id string) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrDriverNotFound
	}
	return &d, nil
}

func (m *mockRepository) ListDrivers(_ context.Context) ([]Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listError != nil {
		return nil, m.listError
	}
	var out []Driver
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// seed helpers bypass transactions.
func (m *mockRepository) putOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *mockRepository) putDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *mockRepository) order(id string) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *mockRepository) driver(id string) Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[id]
}

func containsStatus(list []OrderStatus, s OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// MOCK TX REPOSITORY
// ============================================================================

type mockTxRepo struct {
	mock    *mockRepository
	orders  map[string]Order
	drivers map[string]Driver
}

func (t *mockTxRepo) LockOrder(_ context.Context, id string) (*Order, error) {
	if t.mock.lockOrderError != nil {
		return nil, t.mock.lockOrderError
	}
	o, ok := t.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (t *mockTxRepo) LockDriver(_ context.Context, id string) (*Driver, error) {
	d, ok := t.drivers[id]
	if !ok {
		return nil, ErrDriverNotFound
	}
	return &d, nil
}

func (t *mockTxRepo) InsertOrder(_ context.Context, o Order) error {
	if t.mock.insertOrderError != nil {
		return t.mock.insertOrderError
	}
	if _, exists := t.orders[o.ID]; exists {
		return ErrDuplicateOrder
	}
	t.orders[o.ID] = o
	return nil
}

func (t *mockTxRepo) SaveOrderTransition(_ context.Context, o Order, from OrderStatus) error {
	if t.mock.saveOrderError != nil {
		return t.mock.saveOrderError
	}
	current, ok := t.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.Status != from {
		return ErrInvalidTransition
	}
	current.Status = o.Status
	current.DriverID = o.DriverID
	current.AssignedAt = o.AssignedAt
	current.CompletedAt = o.CompletedAt
	current.CancelReason = o.CancelReason
	current.UpdatedAt = o.UpdatedAt
	t.orders[o.ID] = current
	return nil
}

func (t *mockTxRepo) UpdateOrderDetails(_ context.Context, id string, d OrderDetails) error {
	o, ok := t.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if d.CustomerName != nil {
		o.CustomerName = *d.CustomerName
	}
	if d.CustomerPhone != nil {
		o.CustomerPhone = *d.CustomerPhone
	}
	if d.Address != nil {
		o.Address = *d.Address
	}
	if d.Items != nil {
		o.Items = *d.Items
	}
	if d.Value != nil {
		o.Value = *d.Value
	}
	if d.DeliveryFee != nil {
		o.DeliveryFee = *d.DeliveryFee
	}
	if d.PaymentMethod != nil {
		o.PaymentMethod = *d.PaymentMethod
	}
	if d.Notes != nil {
		o.Notes = *d.Notes
	}
	o.UpdatedAt = time.Now().UTC()
	t.orders[id] = o
	return nil
}

func (t *mockTxRepo) DeleteOrder(_ context.Context, id string) error {
	if _, ok := t.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(t.orders, id)
	return nil
}

func (t *mockTxRepo) InsertDriver(_ context.Context, d Driver) error {
	if _, exists := t.drivers[d.ID]; exists {
		return errors.New("duplicate driver")
	}
	t.drivers[d.ID] = d
	return nil
}

func (t *mockTxRepo) SaveDriverState(_ context.Context, d Driver) error {
	if t.mock.saveDriverError != nil {
		return t.mock.saveDriverError
	}
	current, ok := t.drivers[d.ID]
	if !ok {
		return ErrDriverNotFound
	}
	current.Status = d.Status
	current.CurrentOrderID = d.CurrentOrderID
	current.TotalDeliveries = d.TotalDeliveries
	current.UpdatedAt = d.UpdatedAt
	t.drivers[d.ID] = current
	return nil
}

func (t *mockTxRepo) UpdateDriverProfile(_ context.Context, id string, p DriverProfile) error {
	d, ok := t.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Phone != nil {
		d.Phone = *p.Phone
	}
	if p.Vehicle != nil {
		d.Vehicle = *p.Vehicle
	}
	if p.PaymentModel != nil {
		d.PaymentModel = *p.PaymentModel
	}
	if p.PaymentRate != nil {
		d.PaymentRate = *p.PaymentRate
	}
	t.drivers[id] = d
	return nil
}

func (t *mockTxRepo) SetDriverAvailability(_ context.Context, id string, status DriverStatus) error {
	d, ok := t.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.Status = status
	t.drivers[id] = d
	return nil
}

func (t *mockTxRepo) SetDriverLocation(_ context.Context, id string, lat, lng float64) error {
	d, ok := t.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.Lat, d.Lng = &lat, &lng
	now := time.Now().UTC()
	d.LocationUpdatedAt = &now
	t.drivers[id] = d
	return nil
}
