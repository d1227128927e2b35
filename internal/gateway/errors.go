package gateway

import (
	"errors"
	"net/http"

	"github.com/rickgao/exchange-core/internal/ledger"
	"github.com/rickgao/exchange-core/internal/model"
)

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Account string `json:"account,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{model.ErrRecordNotFound, http.StatusNotFound, "record_not_found"},
	{model.ErrNotParticipant, http.StatusForbidden, "not_participant"},
	{model.ErrSelfTargetNotAllowed, http.StatusBadRequest, "self_target"},
	{model.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{model.ErrEmptyOffer, http.StatusBadRequest, "empty_offer"},
	{ledger.ErrNoAccount, http.StatusBadRequest, "no_account"},
	{model.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{model.ErrAlreadyActive, http.StatusConflict, "already_active"},
	{model.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{model.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{model.ErrInsufficientItems, http.StatusUnprocessableEntity, "insufficient_items"},
	{model.ErrBalanceLimit, http.StatusUnprocessableEntity, "balance_limit"},
	{model.ErrBidTooLow, http.StatusUnprocessableEntity, "bid_too_low"},
	{model.ErrTargetBelowMinimum, http.StatusUnprocessableEntity, "target_below_minimum"},
	{model.ErrLevelTooLow, http.StatusUnprocessableEntity, "level_too_low"},
	{model.ErrOnCooldown, http.StatusTooManyRequests, "on_cooldown"},
}

// classify maps err to a status and body. Unknown errors are internal.
func classify(err error) (int, errorBody) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			body := errorBody{Code: c.code, Message: err.Error()}
			if id, ok := model.AccountOf(err); ok {
				body.Account = id
			}
			return c.status, body
		}
	}
	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"}
}

// ErrorForCode returns the sentinel behind an error code, or nil when the
// code is not an engine error.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
