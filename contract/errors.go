package contract

import "errors"

// Business-rule failures. All of them leave the contract untouched and none is
// retryable; compare with errors.Is.
var (
	ErrInvalidAmount          = errors.New("escrow: invalid amount")
	ErrInvalidInput           = errors.New("escrow: invalid input")
	ErrNotFound               = errors.New("escrow: not found")
	ErrUnauthorized           = errors.New("escrow: unauthorized")
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	ErrAlreadyPaid            = errors.New("escrow: milestone already paid")
	ErrAlreadyResolved        = errors.New("escrow: dispute already resolved")
	ErrInsufficientBalance    = errors.New("escrow: insufficient balance")
	ErrDisputeActive          = errors.New("escrow: dispute active")
)

// ErrConflict signals a duplicate contract id on insert.
var ErrConflict = errors.New("escrow: conflict")

// IsBusiness reports whether err belongs to the business taxonomy rather than
// an infrastructure fault.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrInvalidInput,
		ErrNotFound,
		ErrUnauthorized,
		ErrInvalidStateTransition,
		ErrAlreadyPaid,
		ErrAlreadyResolved,
		ErrInsufficientBalance,
		ErrDisputeActive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RequireActive gates milestone and escrow operations on the contract status.
func RequireActive(c Contract) error {
	switch c.Status {
	case StatusActive:
		return nil
	case StatusDisputed:
		return ErrDisputeActive
	default:
		return ErrInvalidStateTransition
	}
}
