package models

import "errors"

// Domain errors. Callers wrap these with context and match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidState      = errors.New("invalid order state")
	ErrSignatureInvalid  = errors.New("payment signature invalid")
	ErrEmptyCart         = errors.New("cart is empty")
)

// IsDomainError reports whether err is one of the user-facing domain errors above.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrInvalidArgument, ErrInsufficientStock, ErrConflict, ErrForbidden,
		ErrInvalidTransition, ErrInvalidState, ErrSignatureInvalid, ErrEmptyCart,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
