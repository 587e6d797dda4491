package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotafood/rotafood/internal/delivery"
)

// mockRepository keeps drivers, completed orders, vales and settlements in
// memory. WithTx serialises callers and commits a staged copy only on success.
type mockRepository struct {
	mu          sync.Mutex
	drivers     map[string]delivery.Driver
	orders      []delivery.Order
	vales       []Vale
	settlements []Settlement

	// Error injection
	txError        error
	insertError    error
	watermarkError error
	// beforeWatermark runs inside the transaction right before the watermark
	// write and may alter the staged state to simulate a concurrent writer.
	beforeWatermark func(state *mockState)
}

func newMockRepository() *mockRepository {
	return &mockRepository{drivers: make(map[string]delivery.Driver)}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txError != nil {
		return m.txError
	}
	staged := &mockState{
		drivers:     make(map[string]delivery.Driver, len(m.drivers)),
		orders:      append([]delivery.Order(nil), m.orders...),
		vales:       append([]Vale(nil), m.vales...),
		settlements: append([]Settlement(nil), m.settlements...),
	}
	for k, v := range m.drivers {
		staged.drivers[k] = v
	}
	if err := fn(ctx, &mockTxRepo{mock: m, state: staged}); err != nil {
		return err
	}
	m.drivers = staged.drivers
	m.vales = staged.vales
	m.settlements = staged.settlements
	return nil
}

func (m *mockRepository) snapshot() *mockState {
	return &mockState{drivers: m.drivers, orders: m.orders, vales: m.vales, settlements: m.settlements}
}

func (m *mockRepository) GetDriver(ctx context.Context, id string) (*delivery.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot().getDriver(id)
}

func (m *mockRepository) CycleOrders(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]delivery.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot().cycleOrders(driverID, after, upTo), nil
}

func (m *mockRepository) CycleVales(ctx context.Context, driverID string, after time.Time, upTo *time.Time) ([]Vale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot().cycleVales(driverID, after, upTo), nil
}

func (m *mockRepository) ListVales(_ context.Context, driverID string, since *time.Time) ([]Vale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Vale
	for _, v := range m.vales {
		if v.DriverID == driverID && (since == nil || v.CreatedAt.After(*since)) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepository) ListSettlements(_ context.Context, driverID string) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Settlement
	for _, s := range m.settlements {
		if s.DriverID == driverID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.After(out[j].PeriodEnd) })
	return out, nil
}

func (m *mockRepository) GetSettlement(_ context.Context, id string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settlements {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, ErrSettlementNotFound
}

func (m *mockRepository) putDriver(d delivery.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *mockRepository) driver(id string) delivery.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[id]
}

func (m *mockRepository) addOrder(o delivery.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
}

func (m *mockRepository) addVale(v Vale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vales = append(m.vales, v)
}

type mockState struct {
	drivers     map[string]delivery.Driver
	orders      []delivery.Order
	vales       []Vale
	settlements []Settlement
}

func (s *mockState) getDriver(id string) (*delivery.Driver, error) {
	d, ok := s.drivers[id]
	if !ok {
		return nil, delivery.ErrDriverNotFound
	}
	return &d, nil
}

func within(t, after time.Time, upTo *time.Time) bool {
	return t.After(after) && (upTo == nil || !t.After(*upTo))
}

func (s *mockState) cycleOrders(driverID string, after time.Time, upTo *time.Time) []delivery.Order {
	var out []delivery.Order
	for _, o := range s.orders {
		if o.DriverID == driverID && o.Status == delivery.OrderCompleted && o.CompletedAt != nil && within(*o.CompletedAt, after, upTo) {
			out = append(out, o)
		}
	}
	return out
}

func (s *mockState) cycleVales(driverID string, after time.Time, upTo *time.Time) []Vale {
	var out []Vale
	for _, v := range s.vales {
		if v.DriverID == driverID && within(v.CreatedAt, after, upTo) {
			out = append(out, v)
		}
	}
	return out
}

type mockTxRepo struct {
	mock  *mockRepository
	state *mockState
}

func (t *mockTxRepo) GetDriver(_ context.Context, id string) (*delivery.Driver, error) {
	return t.state.getDriver(id)
}

func (t *mockTxRepo) LockDriver(_ context.Context, id string) (*delivery.Driver, error) {
	return t.state.getDriver(id)
}

func (t *mockTxRepo) CycleOrders(_ context.Context, driverID string, after time.Time, upTo *time.Time) ([]delivery.Order, error) {
	return t.state.cycleOrders(driverID, after, upTo), nil
}

func (t *mockTxRepo) CycleVales(_ context.Context, driverID string, after time.Time, upTo *time.Time) ([]Vale, error) {
	return t.state.cycleVales(driverID, after, upTo), nil
}

func (t *mockTxRepo) InsertVale(_ context.Context, v Vale) error {
	if t.mock.insertError != nil {
		return t.mock.insertError
	}
	t.state.vales = append(t.state.vales, v)
	return nil
}

func (t *mockTxRepo) InsertSettlement(_ context.Context, s Settlement) error {
	if t.mock.insertError != nil {
		return t.mock.insertError
	}
	t.state.settlements = append(t.state.settlements, s)
	return nil
}

func (t *mockTxRepo) AdvanceWatermark(_ context.Context, driverID string, prior *time.Time, endAt time.Time) error {
	if t.mock.beforeWatermark != nil {
		t.mock.beforeWatermark(t.state)
	}
	if t.mock.watermarkError != nil {
		return t.mock.watermarkError
	}
	d, ok := t.state.drivers[driverID]
	if !ok {
		return delivery.ErrDriverNotFound
	}
	switch {
	case prior == nil && d.LastSettlementAt == nil:
	case prior != nil && d.LastSettlementAt != nil && prior.Equal(*d.LastSettlementAt):
	default:
		return ErrSettlementConflict
	}
	end := endAt
	d.LastSettlementAt = &end
	t.state.drivers[driverID] = d
	return nil
}
