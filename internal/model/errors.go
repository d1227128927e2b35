package model

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Verbs wrap these with context via fmt.Errorf("%w: ...").
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientItems      = errors.New("insufficient items")
	ErrNotParticipant         = errors.New("not a participant")
	ErrSelfTargetNotAllowed   = errors.New("cannot target yourself")
	ErrInvalidState           = errors.New("invalid state")
	ErrRecordNotFound         = errors.New("record not found")
	ErrBidTooLow              = errors.New("bid too low")
	ErrTargetBelowMinimum     = errors.New("target below minimum balance")
	ErrAlreadyActive          = errors.New("already active")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrEmptyOffer             = errors.New("empty offer")
	ErrBalanceLimit           = errors.New("balance limit exceeded")
	ErrLevelTooLow            = errors.New("level too low")
	ErrOnCooldown             = errors.New("on cooldown")
	ErrInvalidAmount          = errors.New("invalid amount")
)

// AccountError attributes a ledger failure to the account that caused it.
type AccountError struct {
	AccountID string
	Err       error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// AccountOf returns the account id attached to err, if any.
func AccountOf(err error) (string, bool) {
	var ae *AccountError
	if errors.As(err, &ae) {
		return ae.AccountID, true
	}
	return "", false
}

// IsValidation reports whether err is a caller-facing rejection rather than an
// infrastructure failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds, ErrInsufficientItems, ErrNotParticipant,
		ErrSelfTargetNotAllowed, ErrInvalidState, ErrRecordNotFound,
		ErrBidTooLow, ErrTargetBelowMinimum, ErrAlreadyActive, ErrEmptyOffer,
		ErrBalanceLimit, ErrLevelTooLow, ErrOnCooldown, ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
