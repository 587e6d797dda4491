package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rotafood/rotafood/internal/delivery"
)

// OrderSource loads the current order and courier records.
type OrderSource interface {
	GetOrder(ctx context.Context, id string) (*delivery.Order, error)
	GetDriver(ctx context.Context, id string) (*delivery.Driver, error)
}

// Dispatcher renders and stores the messages for a status change.
type Dispatcher struct {
	source   OrderSource
	composer *Composer
	store    Store
	logger   *slog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(source OrderSource, composer *Composer, store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{source: source, composer: composer, store: store, logger: logger}
}

// Dispatch renders messages for orderID. When the order has already moved past
// status the change is stale and nothing is sent. Deleted orders are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID string, status delivery.OrderStatus) (int, error) {
	order, err := d.source.GetOrder(ctx, orderID)
	if errors.Is(err, delivery.ErrOrderNotFound) {
		d.logger.Info("notification skipped, order gone", slog.String("order_id", orderID))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status != status {
		d.logger.Debug("notification skipped, status moved on",
			slog.String("order_id", orderID),
			slog.String("wanted", string(status)),
			slog.String("current", string(order.Status)),
		)
		return 0, nil
	}

	var driver *delivery.Driver
	if order.DriverID != "" {
		driver, err = d.source.GetDriver(ctx, order.DriverID)
		switch {
		case errors.Is(err, delivery.ErrDriverNotFound):
			driver = nil
		case err != nil:
			return 0, fmt.Errorf("load driver %s: %w", order.DriverID, err)
		}
	}

	msgs := d.composer.Compose(*order, driver)
	if err := d.store.Append(ctx, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
