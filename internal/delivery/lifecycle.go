package delivery

import (
	"fmt"
	"time"
)

// Command is a lifecycle request against a single order. The set of
// implementations is closed: Prepare, MarkReady, Assign, Accept, Complete,
// Revert and Cancel.
type Command interface {
	Target() string
	Name() string
	isCommand()
}

// Prepare moves a pending order into the kitchen.
type Prepare struct{ OrderID string }

// MarkReady flags a preparing order as ready for dispatch.
type MarkReady struct{ OrderID string }

// Assign attaches a driver to a queued order.
type Assign struct{ OrderID, DriverID string }

// Accept is the courier picking up an assigned order.
type Accept struct{ OrderID, DriverID string }

// Complete closes an assigned or delivering order.
type Complete struct{ OrderID, DriverID string }

// Revert forces a non-terminal order back into the kitchen queue.
type Revert struct {
	OrderID string
	To      OrderStatus
}

// Cancel terminates a non-terminal order.
type Cancel struct{ OrderID, Reason string }

func (c Prepare) Target() string   { return c.OrderID }
func (c MarkReady) Target() string { return c.OrderID }
func (c Assign) Target() string    { return c.OrderID }
func (c Accept) Target() string    { return c.OrderID }
func (c Complete) Target() string  { return c.OrderID }
func (c Revert) Target() string    { return c.OrderID }
func (c Cancel) Target() string    { return c.OrderID }

func (Prepare) Name() string   { return "prepare" }
func (MarkReady) Name() string { return "ready" }
func (Assign) Name() string    { return "assign" }
func (Accept) Name() string    { return "accept" }
func (Complete) Name() string  { return "complete" }
func (Revert) Name() string    { return "revert" }
func (Cancel) Name() string    { return "cancel" }

func (Prepare) isCommand()   {}
func (MarkReady) isCommand() {}
func (Assign) isCommand()    {}
func (Accept) isCommand()    {}
func (Complete) isCommand()  {}
func (Revert) isCommand()    {}
func (Cancel) isCommand()    {}

// Outcome is the result of applying a command.
type Outcome struct {
	Order Order
	// Driver is the updated driver record, nil when the command left drivers untouched.
	Driver *Driver
	From   OrderStatus
}

// DriverFor returns the id of the driver record a command will read and possibly
// write. Accept needs no driver record since the courier is already delivering.
func DriverFor(order Order, cmd Command) string {
	switch c := cmd.(type) {
	case Assign:
		return c.DriverID
	case Complete:
		return firstNonEmpty(order.DriverID, c.DriverID)
	case Revert, Cancel:
		return order.DriverID
	default:
		return ""
	}
}

// Apply computes the next order and driver state for cmd. It has no side
// effects; driver is the current record for DriverFor(order, cmd) or nil.
func Apply(order Order, driver *Driver, cmd Command, now time.Time) (Outcome, error) {
	out := Outcome{Order: order, From: order.Status}
	if order.Status.IsTerminal() {
		return out, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, order.ID, order.Status)
	}

	var err error
	switch c := cmd.(type) {
	case Prepare:
		err = advance(&out, OrderPending, OrderPreparing)
	case MarkReady:
		err = advance(&out, OrderPreparing, OrderReady)
	case Assign:
		err = assign(&out, driver, c, now)
	case Accept:
		err = accept(&out, c)
	case Complete:
		err = complete(&out, driver, c, now)
	case Revert:
		if !c.To.IsQueued() {
			return out, fmt.Errorf("%w: cannot revert to %q", ErrInvalidTransition, c.To)
		}
		unassign(&out, driver, now)
		out.Order.Status = c.To
	case Cancel:
		unassign(&out, driver, now)
		out.Order.Status = OrderCancelled
		out.Order.CancelReason = c.Reason
	default:
		return out, fmt.Errorf("%w: unknown command %T", ErrInvalidTransition, cmd)
	}
	if err != nil {
		return Outcome{Order: order, From: order.Status}, err
	}
	out.Order.UpdatedAt = now
	return out, nil
}

func advance(out *Outcome, from, to OrderStatus) error {
	if out.Order.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, out.Order.Status, to)
	}
	out.Order.Status = to
	return nil
}

func assign(out *Outcome, driver *Driver, c Assign, now time.Time) error {
	if !out.Order.Status.CanAssign() {
		return fmt.Errorf("%w: cannot assign order in status %s", ErrInvalidTransition, out.Order.Status)
	}
	if c.DriverID == "" || driver == nil {
		return ErrMissingDriver
	}
	if driver.ID != c.DriverID {
		return fmt.Errorf("%w: driver %s does not match %s", ErrInvalidAssignment, driver.ID, c.DriverID)
	}
	if driver.Status == DriverOffline {
		return fmt.Errorf("%w: driver %s is offline", ErrInvalidAssignment, driver.ID)
	}
	// A stale pointer at this same order is repaired rather than rejected.
	if driver.CurrentOrderID != "" && driver.CurrentOrderID != out.Order.ID {
		return fmt.Errorf("%w: driver %s is delivering order %s", ErrInvalidAssignment, driver.ID, driver.CurrentOrderID)
	}
	if driver.Status == DriverDelivering && driver.CurrentOrderID == "" {
		return fmt.Errorf("%w: driver %s is delivering", ErrInvalidAssignment, driver.ID)
	}

	at := now
	out.Order.Status = OrderAssigned
	out.Order.DriverID = driver.ID
	out.Order.AssignedAt = &at

	d := *driver
	d.Status = DriverDelivering
	d.CurrentOrderID = out.Order.ID
	d.UpdatedAt = now
	out.Driver = &d
	return nil
}

func accept(out *Outcome, c Accept) error {
	if out.Order.Status != OrderAssigned {
		return fmt.Errorf("%w: cannot accept order in status %s", ErrInvalidTransition, out.Order.Status)
	}
	if !out.Order.HasDriver() {
		return ErrMissingDriver
	}
	if c.DriverID != "" && c.DriverID != out.Order.DriverID {
		return fmt.Errorf("%w: order %s belongs to driver %s", ErrInvalidAssignment, out.Order.ID, out.Order.DriverID)
	}
	out.Order.Status = OrderDelivering
	return nil
}

func complete(out *Outcome, driver *Driver, c Complete, now time.Time) error {
	if !out.Order.Status.CanComplete() {
		return fmt.Errorf("%w: cannot complete order in status %s", ErrInvalidTransition, out.Order.Status)
	}
	driverID := firstNonEmpty(out.Order.DriverID, c.DriverID)
	if driverID == "" || driver == nil {
		return ErrMissingDriver
	}
	if c.DriverID != "" && c.DriverID != driverID {
		return fmt.Errorf("%w: order %s belongs to driver %s", ErrInvalidAssignment, out.Order.ID, driverID)
	}
	if driver.ID != driverID {
		return fmt.Errorf("%w: driver %s does not match %s", ErrInvalidAssignment, driver.ID, driverID)
	}

	at := now
	out.Order.Status = OrderCompleted
	out.Order.DriverID = driverID
	out.Order.CompletedAt = &at

	d := *driver
	d.TotalDeliveries++
	// Only release the driver when it is still on this order; a newer assignment wins.
	if d.CurrentOrderID == out.Order.ID {
		d.Status = DriverAvailable
		d.CurrentOrderID = ""
	}
	d.UpdatedAt = now
	out.Driver = &d
	return nil
}

func unassign(out *Outcome, driver *Driver, now time.Time) {
	if !out.Order.HasDriver() {
		return
	}
	if driver != nil && driver.ID == out.Order.DriverID && driver.CurrentOrderID == out.Order.ID {
		d := *driver
		d.Status = DriverAvailable
		d.CurrentOrderID = ""
		d.UpdatedAt = now
		out.Driver = &d
	}
	out.Order.DriverID = ""
	out.Order.AssignedAt = nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
