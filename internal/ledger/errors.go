package ledger

import "errors"

// Sentinel errors. Callers classify with errors.Is; the HTTP adapter maps
// each kind to a status code.
var (
	ErrNotFound              = errors.New("credit ledger: not found")
	ErrInvalidArgument       = errors.New("credit ledger: invalid argument")
	ErrInsufficientCredits   = errors.New("credit ledger: insufficient credits")
	ErrAuthenticationFailed  = errors.New("credit ledger: authentication failed")
	ErrConflict              = errors.New("credit ledger: concurrent update conflict")
	ErrDownstreamUnavailable = errors.New("credit ledger: downstream unavailable")
	ErrAlreadyExists         = errors.New("credit ledger: already exists")
	ErrDuplicateGrant        = errors.New("credit ledger: duplicate grant event")
	ErrUnavailable           = errors.New("credit ledger: store unavailable")
)

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrDownstreamUnavailable)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
