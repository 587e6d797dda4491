package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rotafood/rotafood/internal/shared"
)

// Change-stream collection names published after commits.
const (
	CollectionOrders  = "orders"
	CollectionDrivers = "drivers"
)

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ChangePublisher notifies subscribers that a collection changed.
type ChangePublisher interface {
	Publish(ctx context.Context, collection string) error
}

// StatusNotifier is told about committed status changes so customers and
// couriers can be messaged.
type StatusNotifier interface {
	OrderStatusChanged(ctx context.Context, orderID string, status OrderStatus) error
}

// IdempotencyGuard rejects replayed command keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// TransitionMetrics counts lifecycle commands by result.
type TransitionMetrics interface {
	ObserveTransition(command, result string)
}

// ServiceDeps groups optional collaborators of Service. Nil members are skipped.
type ServiceDeps struct {
	Logger      *slog.Logger
	Audit       AuditRecorder
	Publisher   ChangePublisher
	Notifier    StatusNotifier
	Idempotency IdempotencyGuard
	Metrics     TransitionMetrics
	Now         func() time.Time
}

// Meta describes who issued a command.
type Meta struct {
	ActorID        string
	IdempotencyKey string
}

// Service provides the order lifecycle and driver operations.
type Service struct {
	repo   Repository
	deps   ServiceDeps
	logger *slog.Logger
}

// NewService creates a new service.
func NewService(repo Repository, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, deps: deps, logger: logger}
}

// Execute applies a lifecycle command. The order write and the paired driver
// write commit together or not at all.
func (s *Service) Execute(ctx context.Context, cmd Command, meta Meta) (Outcome, error) {
	if cmd == nil || strings.TrimSpace(cmd.Target()) == "" {
		return Outcome{}, fmt.Errorf("%w: order id required", ErrInvalidInput)
	}
	if err := s.claimKey(ctx, meta.IdempotencyKey); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, cmd.Target())
		if err != nil {
			return err
		}

		var driver *Driver
		if driverID := DriverFor(*order, cmd); driverID != "" {
			driver, err = tx.LockDriver(ctx, driverID)
			switch {
			case errors.Is(err, ErrDriverNotFound):
				if _, isAssign := cmd.(Assign); isAssign {
					return err
				}
				driver = nil
			case err != nil:
				return err
			}
		}

		// completed_at must not precede a watermark committed by a concurrent
		// settlement, so the clock is read under the row locks.
		out, err = Apply(*order, driver, cmd, s.deps.Now())
		if err != nil {
			return err
		}
		if err := tx.SaveOrderTransition(ctx, out.Order, out.From); err != nil {
			return err
		}
		if out.Driver != nil {
			if err := tx.SaveDriverState(ctx, *out.Driver); err != nil {
				return fmt.Errorf("save driver %s: %w", out.Driver.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, meta.IdempotencyKey)
		s.observe(cmd.Name(), err)
		return Outcome{}, storeErr("execute "+cmd.Name(), err)
	}
	s.observe(cmd.Name(), nil)

	s.logger.Info("order transition",
		slog.String("order_id", out.Order.ID),
		slog.String("command", cmd.Name()),
		slog.String("from", string(out.From)),
		slog.String("to", string(out.Order.Status)),
		slog.String("actor_id", meta.ActorID),
	)
	auditMeta := map[string]any{"from": out.From, "to": out.Order.Status}
	if out.Order.DriverID != "" {
		auditMeta["driver_id"] = out.Order.DriverID
	}
	s.audit(ctx, meta.ActorID, "order."+cmd.Name(), "order", out.Order.ID, auditMeta)
	s.publish(ctx, CollectionOrders)
	if out.Driver != nil {
		s.publish(ctx, CollectionDrivers)
	}
	if s.deps.Notifier != nil && out.From != out.Order.Status {
		if err := s.deps.Notifier.OrderStatusChanged(ctx, out.Order.ID, out.Order.Status); err != nil {
			s.logger.Warn("enqueue status notification", slog.String("order_id", out.Order.ID), slog.Any("error", err))
		}
	}
	return out, nil
}

// CreateOrder registers a new pending order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest, actorID string) (*Order, error) {
	items := toItems(req.Items)
	value := ItemsTotal(items)
	if req.Value != nil {
		value = *req.Value
	}
	if err := nonNegative("value", value); err != nil {
		return nil, err
	}
	if err := nonNegative("delivery_fee", req.DeliveryFee); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := nonNegative("unit_price", it.UnitPrice); err != nil {
			return nil, err
		}
	}
	method := req.PaymentMethod
	if method == "" {
		method = PayCash
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := s.deps.Now()
	order := Order{
		ID:            id,
		Status:        OrderPending,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Address:       req.Address,
		Items:         items,
		Value:         value,
		DeliveryFee:   req.DeliveryFee,
		PaymentMethod: method,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, storeErr("create order", err)
	}

	s.audit(ctx, actorID, "order.create", "order", order.ID, map[string]any{"value": order.Value.StringFixed(2)})
	s.publish(ctx, CollectionOrders)
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.OrderStatusChanged(ctx, order.ID, order.Status); err != nil {
			s.logger.Warn("enqueue status notification", slog.String("order_id", order.ID), slog.Any("error", err))
		}
	}
	return &order, nil
}

// UpdateOrderDetails edits auxiliary fields. It is a data correction allowed in
// any status and never changes the lifecycle.
func (s *Service) UpdateOrderDetails(ctx context.Context, id string, req UpdateOrderRequest, actorID string) (*Order, error) {
	details := req.toDetails()
	if details.Value != nil {
		if err := nonNegative("value", *details.Value); err != nil {
			return nil, err
		}
	}
	if details.DeliveryFee != nil {
		if err := nonNegative("delivery_fee", *details.DeliveryFee); err != nil {
			return nil, err
		}
	}
	if details.Items != nil && details.Value == nil {
		total := ItemsTotal(*details.Items)
		details.Value = &total
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrderDetails(ctx, id, details)
	})
	if err != nil {
		return nil, storeErr("update order", err)
	}
	s.audit(ctx, actorID, "order.edit", "order", id, nil)
	s.publish(ctx, CollectionOrders)
	return s.GetOrder(ctx, id)
}

// DeleteOrder removes an order in any status. The assigned driver, if any, is
// not inspected or repaired.
func (s *Service) DeleteOrder(ctx context.Context, id, actorID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteOrder(ctx, id)
	})
	if err != nil {
		return storeErr("delete order", err)
	}
	s.audit(ctx, actorID, "order.delete", "order", id, nil)
	s.publish(ctx, CollectionOrders)
	return nil
}

// GetOrder retrieves an order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, storeErr("get order", err)
	}
	return order, nil
}

// ListOrders returns a page of orders and the total match count.
func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	orders, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, 0, storeErr("list orders", err)
	}
	return orders, total, nil
}

// CreateDriver registers a courier. New drivers start offline unless asked otherwise.
func (s *Service) CreateDriver(ctx context.Context, req CreateDriverRequest, actorID string) (*Driver, error) {
	status := req.Status
	if status == "" {
		status = DriverOffline
	}
	if status == DriverDelivering {
		return nil, fmt.Errorf("%w: new drivers cannot start delivering", ErrInvalidInput)
	}
	model := req.PaymentModel
	if model == "" {
		model = PaymentFixedPerDelivery
	}
	if !model.IsValid() {
		return nil, fmt.Errorf("%w: payment model %q", ErrInvalidInput, model)
	}
	if err := nonNegative("payment_rate", req.PaymentRate); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := s.deps.Now()
	driver := Driver{
		ID:           id,
		Name:         req.Name,
		Phone:        req.Phone,
		Vehicle:      req.Vehicle,
		Status:       status,
		PaymentModel: model,
		PaymentRate:  req.PaymentRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertDriver(ctx, driver)
	})
	if err != nil {
		return nil, storeErr("create driver", err)
	}
	s.audit(ctx, actorID, "driver.create", "driver", driver.ID, nil)
	s.publish(ctx, CollectionDrivers)
	return &driver, nil
}

// UpdateDriver edits a courier's profile and payment terms.
func (s *Service) UpdateDriver(ctx context.Context, id string, req UpdateDriverRequest, actorID string) (*Driver, error) {
	profile := req.toProfile()
	if profile.PaymentRate != nil {
		if err := nonNegative("payment_rate", *profile.PaymentRate); err != nil {
			return nil, err
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateDriverProfile(ctx, id, profile)
	})
	if err != nil {
		return nil, storeErr("update driver", err)
	}
	meta := map[string]any{}
	if profile.PaymentModel != nil {
		meta["payment_model"] = *profile.PaymentModel
	}
	if profile.PaymentRate != nil {
		meta["payment_rate"] = profile.PaymentRate.StringFixed(2)
	}
	s.audit(ctx, actorID, "driver.edit", "driver", id, meta)
	s.publish(ctx, CollectionDrivers)
	return s.GetDriver(ctx, id)
}

// SetDriverAvailability toggles a courier between available and offline.
// Drivers that are delivering keep their status until the order is closed.
func (s *Service) SetDriverAvailability(ctx context.Context, id string, status DriverStatus) (*Driver, error) {
	if status != DriverAvailable && status != DriverOffline {
		return nil, fmt.Errorf("%w: availability must be available or offline", ErrInvalidInput)
	}
	current, err := s.repo.GetDriver(ctx, id)
	if err != nil {
		return nil, storeErr("set availability", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Order before driver, as in Execute.
		var held *Order
		if current.CurrentOrderID != "" {
			order, err := tx.LockOrder(ctx, current.CurrentOrderID)
			switch {
			case errors.Is(err, ErrOrderNotFound):
			case err != nil:
				return err
			default:
				held = order
			}
		}
		driver, err := tx.LockDriver(ctx, id)
		if err != nil {
			return err
		}
		if driver.Status == DriverDelivering {
			if driver.CurrentOrderID != current.CurrentOrderID {
				return fmt.Errorf("%w: driver %s changed orders concurrently", ErrDriverBusy, driver.ID)
			}
			if held != nil && held.Status.IsActive() && held.DriverID == driver.ID {
				return fmt.Errorf("%w: driver %s is on order %s", ErrDriverBusy, driver.ID, driver.CurrentOrderID)
			}
			// The order was deleted or left the driver: release the stale pointer.
			s.logger.Warn("releasing driver from stale order",
				slog.String("driver_id", driver.ID), slog.String("order_id", driver.CurrentOrderID))
			driver.Status = status
			driver.CurrentOrderID = ""
			driver.UpdatedAt = s.deps.Now()
			return tx.SaveDriverState(ctx, *driver)
		}
		if driver.Status == status {
			return nil
		}
		return tx.SetDriverAvailability(ctx, id, status)
	})
	if err != nil {
		return nil, storeErr("set availability", err)
	}
	s.publish(ctx, CollectionDrivers)
	return s.GetDriver(ctx, id)
}

// UpdateDriverLocation records a courier position ping.
func (s *Service) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetDriverLocation(ctx, id, lat, lng)
	})
	if err != nil {
		return storeErr("update location", err)
	}
	s.publish(ctx, CollectionDrivers)
	return nil
}

// GetDriver retrieves a driver by id.
func (s *Service) GetDriver(ctx context.Context, id string) (*Driver, error) {
	driver, err := s.repo.GetDriver(ctx, id)
	if err != nil {
		return nil, storeErr("get driver", err)
	}
	return driver, nil
}

// ListDrivers returns every driver.
func (s *Service) ListDrivers(ctx context.Context) ([]Driver, error) {
	drivers, err := s.repo.ListDrivers(ctx)
	if err != nil {
		return nil, storeErr("list drivers", err)
	}
	if drivers == nil {
		drivers = []Driver{}
	}
	return drivers, nil
}

func (s *Service) claimKey(ctx context.Context, key string) error {
	if key == "" || s.deps.Idempotency == nil {
		return nil
	}
	if err := s.deps.Idempotency.CheckAndInsert(ctx, key, shared.IdempotencyModuleOrders); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return err
		}
		return fmt.Errorf("%w: idempotency: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.deps.Idempotency == nil {
		return
	}
	if err := s.deps.Idempotency.Delete(ctx, key, shared.IdempotencyModuleOrders); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, actorID, action, entity, entityID string, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, collection string) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(ctx, collection); err != nil {
		s.logger.Warn("publish change", slog.String("collection", collection), slog.Any("error", err))
	}
}

func (s *Service) observe(command string, err error) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.ObserveTransition(command, resultLabel(err))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidAssignment):
		return "invalid_assignment"
	case errors.Is(err, ErrMissingDriver):
		return "missing_driver"
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDriverNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// storeErr passes domain errors through and wraps everything else in ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		ErrOrderNotFound, ErrDriverNotFound, ErrInvalidTransition, ErrInvalidAssignment,
		ErrMissingDriver, ErrDriverBusy, ErrDuplicateOrder, ErrInvalidInput,
		shared.ErrIdempotencyConflict, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func nonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidInput, field)
	}
	return nil
}
