package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrSelfPair          = errors.New("sender and receiver must differ")
	ErrEmptyContent      = errors.New("message text must not be empty")
	ErrInvalidTemplate   = errors.New("unknown message template")
	ErrInvalidCategory   = errors.New("unknown message category")
	ErrInvalidPriority   = errors.New("priority must be between 1 and 10")
	ErrInvalidStatus     = errors.New("unknown status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryLimit        = errors.New("maximum retry limit reached")
)

// IsValidation reports whether err stems from rejected input rather than
// from the record's state or the store.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrSelfPair, ErrEmptyContent, ErrInvalidTemplate,
		ErrInvalidCategory, ErrInvalidPriority, ErrInvalidStatus,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
