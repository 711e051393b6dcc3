package engine

import "errors"

// Every rejected request maps to one of these, so callers can tell
// "insufficient balance" apart from "market not open" and react accordingly.
// Anything else that comes out of the engine is a storage failure.
var (
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketNotOpen       = errors.New("market is not open")
	ErrBettingClosed       = errors.New("betting is closed for this market")
	ErrBadOutcome          = errors.New("outcome must be 'yes' or 'no'")
	ErrBadAmount           = errors.New("amount must be a positive integer")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyResolved     = errors.New("market already resolved")
	ErrUserNotFound        = errors.New("user not found")
	ErrBadMode             = errors.New("mode must be 'set', 'add', or 'add_all'")
	ErrMissingUserID       = errors.New("userId required")
	ErrMissingQuestion     = errors.New("question required")
	ErrMissingDisplayName  = errors.New("displayName required")
	ErrInvalidCloseTime    = errors.New("close time must be a valid timestamp in the future")
	ErrInvalidWalletKey    = errors.New("invalid wallet key")
)

// IsRejection reports whether err is a rejected request rather than a
// storage or internal failure.
func IsRejection(err error) bool {
	for _, sentinel := range []error{
		ErrMarketNotFound, ErrMarketNotOpen, ErrBettingClosed, ErrBadOutcome,
		ErrBadAmount, ErrInsufficientBalance, ErrAlreadyResolved, ErrUserNotFound,
		ErrBadMode, ErrMissingUserID, ErrMissingQuestion, ErrMissingDisplayName,
		ErrInvalidCloseTime,
		ErrInvalidWalletKey,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
