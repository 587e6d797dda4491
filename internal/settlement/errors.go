package settlement

import "errors"

var (
	// ErrInvalidWindow is returned when the end of a payout window is not after the
	// driver's watermark or lies in the future.
	ErrInvalidWindow = errors.New("invalid settlement window")
	// ErrStaleBalance is returned when the balance changed after the operator reviewed it.
	ErrStaleBalance = errors.New("balance changed since it was reviewed")
	// ErrSettlementInProgress is returned while another payout holds the driver's lock.
	ErrSettlementInProgress = errors.New("settlement in progress for driver")
	// ErrSettlementConflict is returned when the watermark moved under a payout.
	ErrSettlementConflict = errors.New("settlement watermark changed concurrently")

	ErrSettlementNotFound = errors.New("settlement not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrStoreUnavailable   = errors.New("store unavailable")
)
