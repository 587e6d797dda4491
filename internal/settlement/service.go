package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/shared"
)

// Locker grants a short-lived exclusive lease on a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// Metrics counts payouts and vales.
type Metrics interface {
	ObserveSettlement(result string)
	ObserveVale()
}

// ServiceDeps groups optional collaborators of Service. Nil members are skipped.
// Without a Locker, payouts rely on the conditional watermark write alone.
type ServiceDeps struct {
	Logger      *slog.Logger
	Locker      Locker
	Audit       delivery.AuditRecorder
	Publisher   delivery.ChangePublisher
	Idempotency delivery.IdempotencyGuard
	Metrics     Metrics
	Now         func() time.Time
}

// Service computes balances and finalizes payouts.
type Service struct {
	repo   Repository
	calc   Calculator
	deps   ServiceDeps
	logger *slog.Logger
}

// NewService creates a new service.
func NewService(repo Repository, calc Calculator, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, calc: calc, deps: deps, logger: logger}
}

// Balance computes the driver's open cycle as of now.
func (s *Service) Balance(ctx context.Context, driverID string) (Breakdown, error) {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return Breakdown{}, storeErr("balance", err)
	}
	b, err := s.compute(ctx, s.repo, *driver, time.Time{})
	if err != nil {
		return Breakdown{}, storeErr("balance", err)
	}
	return b, nil
}

// Finalize appends a settlement for the window (watermark, EndAt] and moves the
// watermark to EndAt. Payouts for one driver are serialised.
func (s *Service) Finalize(ctx context.Context, cmd Settle, actorID, idempotencyKey string) (*Settlement, error) {
	if strings.TrimSpace(cmd.DriverID) == "" {
		return nil, fmt.Errorf("%w: driver id required", ErrInvalidInput)
	}
	if err := s.claimKey(ctx, idempotencyKey); err != nil {
		return nil, err
	}
	release, err := s.lock(ctx, cmd.DriverID)
	if err != nil {
		s.releaseKey(ctx, idempotencyKey)
		s.observe(err)
		return nil, err
	}
	defer release()

	var settlement Settlement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		driver, err := tx.LockDriver(ctx, cmd.DriverID)
		if err != nil {
			return err
		}
		now := s.deps.Now()
		endAt := cmd.EndAt
		if endAt.IsZero() {
			endAt = now
		}
		watermark := driver.Watermark()
		if !endAt.After(watermark) {
			return fmt.Errorf("%w: end %s is not after last settlement %s",
				ErrInvalidWindow, endAt.Format(time.RFC3339), watermark.Format(time.RFC3339))
		}
		if endAt.After(now) {
			return fmt.Errorf("%w: end %s is in the future", ErrInvalidWindow, endAt.Format(time.RFC3339))
		}

		b, err := s.compute(ctx, tx, *driver, endAt)
		if err != nil {
			return err
		}
		if cmd.Expected != nil && !cmd.Expected.Equal(b.Totals) {
			return fmt.Errorf("%w: reviewed net %s, current net %s",
				ErrStaleBalance, cmd.Expected.Net.StringFixed(2), b.Net.StringFixed(2))
		}

		settlement = Settlement{
			ID:            uuid.NewString(),
			DriverID:      driver.ID,
			PeriodStart:   watermark,
			PeriodEnd:     endAt,
			DeliveryCount: b.DeliveryCount,
			Gross:         b.Gross,
			TotalDebits:   b.TotalDebits,
			Net:           b.Net,
			PaymentModel:  b.PaymentModel,
			PaymentRate:   b.PaymentRate,
			CreatedBy:     actorID,
			CreatedAt:     now,
		}
		if err := tx.InsertSettlement(ctx, settlement); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		return tx.AdvanceWatermark(ctx, driver.ID, driver.LastSettlementAt, endAt)
	})
	if err != nil {
		s.releaseKey(ctx, idempotencyKey)
		s.observe(err)
		return nil, storeErr("finalize", err)
	}
	s.observe(nil)

	s.logger.Info("settlement finalized",
		slog.String("settlement_id", settlement.ID),
		slog.String("driver_id", settlement.DriverID),
		slog.Int("deliveries", settlement.DeliveryCount),
		slog.String("net", settlement.Net.StringFixed(2)),
		slog.String("actor_id", actorID),
	)
	s.audit(ctx, actorID, "settlement.finalize", "settlement", settlement.ID, map[string]any{
		"driver_id":  settlement.DriverID,
		"period_end": settlement.PeriodEnd,
		"gross":      settlement.Gross.StringFixed(2),
		"debits":     settlement.TotalDebits.StringFixed(2),
		"net":        settlement.Net.StringFixed(2),
	})
	s.publish(ctx, CollectionSettlements)
	s.publish(ctx, delivery.CollectionDrivers)
	return &settlement, nil
}

// CreateVale records a debit against the driver's open cycle.
func (s *Service) CreateVale(ctx context.Context, driverID string, req CreateValeRequest, actorID string) (*Vale, error) {
	if !req.Amount.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	// No vale may be timestamped inside a window that is being closed.
	release, err := s.lock(ctx, driverID)
	if err != nil {
		return nil, err
	}
	defer release()

	var vale Vale
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockDriver(ctx, driverID); err != nil {
			return err
		}
		vale = Vale{
			ID:        uuid.NewString(),
			DriverID:  driverID,
			Amount:    req.Amount.Round(2),
			Reason:    strings.TrimSpace(req.Reason),
			CreatedBy: actorID,
			CreatedAt: s.deps.Now(),
		}
		return tx.InsertVale(ctx, vale)
	})
	if err != nil {
		return nil, storeErr("create vale", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveVale()
	}
	s.audit(ctx, actorID, "vale.create", "vale", vale.ID, map[string]any{
		"driver_id": driverID,
		"amount":    vale.Amount.StringFixed(2),
	})
	s.publish(ctx, CollectionVales)
	return &vale, nil
}

// ListVales returns the driver's vales, optionally only those created after since.
func (s *Service) ListVales(ctx context.Context, driverID string, since *time.Time) ([]Vale, error) {
	if _, err := s.repo.GetDriver(ctx, driverID); err != nil {
		return nil, storeErr("list vales", err)
	}
	vales, err := s.repo.ListVales(ctx, driverID, since)
	if err != nil {
		return nil, storeErr("list vales", err)
	}
	if vales == nil {
		vales = []Vale{}
	}
	return vales, nil
}

// ListSettlements returns the driver's payout history, newest first.
func (s *Service) ListSettlements(ctx context.Context, driverID string) ([]Settlement, error) {
	if _, err := s.repo.GetDriver(ctx, driverID); err != nil {
		return nil, storeErr("list settlements", err)
	}
	out, err := s.repo.ListSettlements(ctx, driverID)
	if err != nil {
		return nil, storeErr("list settlements", err)
	}
	if out == nil {
		out = []Settlement{}
	}
	return out, nil
}

// GetSettlement retrieves a settlement by id.
func (s *Service) GetSettlement(ctx context.Context, id string) (*Settlement, error) {
	out, err := s.repo.GetSettlement(ctx, id)
	if err != nil {
		return nil, storeErr("get settlement", err)
	}
	return out, nil
}

// ExportSettlementsCSV writes the driver's payout history and open cycle as CSV.
func (s *Service) ExportSettlementsCSV(ctx context.Context, driverID string, w io.Writer) error {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return storeErr("export settlements", err)
	}
	history, err := s.repo.ListSettlements(ctx, driverID)
	if err != nil {
		return storeErr("export settlements", err)
	}
	open, err := s.compute(ctx, s.repo, *driver, time.Time{})
	if err != nil {
		return storeErr("export settlements", err)
	}
	return WriteSettlementsCSV(w, *driver, history, open, s.deps.Now())
}

// OpenBalances computes the open cycle of every listed driver.
func (s *Service) OpenBalances(ctx context.Context, drivers []delivery.Driver) ([]Breakdown, error) {
	out := make([]Breakdown, 0, len(drivers))
	for _, d := range drivers {
		b, err := s.compute(ctx, s.repo, d, time.Time{})
		if err != nil {
			return nil, storeErr("open balances", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Service) compute(ctx context.Context, r Reader, driver delivery.Driver, asOf time.Time) (Breakdown, error) {
	var upTo *time.Time
	if !asOf.IsZero() {
		upTo = &asOf
	}
	watermark := driver.Watermark()
	orders, err := r.CycleOrders(ctx, driver.ID, watermark, upTo)
	if err != nil {
		return Breakdown{}, fmt.Errorf("load cycle orders: %w", err)
	}
	vales, err := r.CycleVales(ctx, driver.ID, watermark, upTo)
	if err != nil {
		return Breakdown{}, fmt.Errorf("load cycle vales: %w", err)
	}
	return s.calc.ComputeBalance(driver, orders, vales, asOf), nil
}

func (s *Service) lock(ctx context.Context, driverID string) (func(), error) {
	if s.deps.Locker == nil {
		return func() {}, nil
	}
	key := shared.SettlementLockKey(driverID)
	release, err := s.deps.Locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, shared.ErrLockHeld) {
			return nil, fmt.Errorf("%w: driver %s", ErrSettlementInProgress, driverID)
		}
		return nil, fmt.Errorf("%w: acquire lock: %w", ErrStoreUnavailable, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release settlement lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) claimKey(ctx context.Context, key string) error {
	if key == "" || s.deps.Idempotency == nil {
		return nil
	}
	if err := s.deps.Idempotency.CheckAndInsert(ctx, key, shared.IdempotencyModuleSettlement); err != nil {
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
	if err := s.deps.Idempotency.Delete(ctx, key, shared.IdempotencyModuleSettlement); err != nil {
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

func (s *Service) observe(err error) {
	if s.deps.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrSettlementInProgress):
		result = "in_progress"
	case errors.Is(err, ErrSettlementConflict):
		result = "conflict"
	case errors.Is(err, ErrStaleBalance):
		result = "stale"
	case errors.Is(err, ErrInvalidWindow):
		result = "invalid_window"
	default:
		result = "error"
	}
	s.deps.Metrics.ObserveSettlement(result)
}

// storeErr passes domain errors through and wraps everything else in ErrStoreUnavailable.
func storeErr(op string, err error) error {
	for _, domain := range []error{
		delivery.ErrDriverNotFound, ErrSettlementNotFound, ErrInvalidWindow, ErrStaleBalance,
		ErrSettlementInProgress, ErrSettlementConflict, ErrInvalidInput, ErrStoreUnavailable,
		shared.ErrIdempotencyConflict, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
