package delivery

import "errors"

// Domain errors for the order lifecycle.
var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDriverNotFound = errors.New("driver not found")

	// ErrInvalidTransition is returned when the command is not a legal edge from the order's status.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrInvalidAssignment is returned when the driver is offline, busy with another order
	// or does not match the order.
	ErrInvalidAssignment = errors.New("invalid driver assignment")
	// ErrMissingDriver is returned when a command needs a driver and none is known.
	ErrMissingDriver = errors.New("order has no driver")
	// ErrDriverBusy is returned when a delivering driver tries to change availability.
	ErrDriverBusy = errors.New("driver is delivering")
	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrDuplicateOrder = errors.New("order id already exists")
	ErrInvalidInput   = errors.New("invalid input")
)
