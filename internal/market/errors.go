package market

import "errors"

// Code identifies a rejection kind. Codes are stable and travel over the wire.
type Code string

const (
	CodeInvalidOptionCount         Code = "INVALID_OPTION_COUNT"
	CodeLockTimeNotInFuture        Code = "LOCK_TIME_NOT_IN_FUTURE"
	CodeMarketNotFound             Code = "MARKET_NOT_FOUND"
	CodeMarketNotOpen              Code = "MARKET_NOT_OPEN"
	CodeMarketLocked               Code = "MARKET_LOCKED"
	CodeInvalidOption              Code = "INVALID_OPTION"
	CodeInsufficientBalance        Code = "INSUFFICIENT_BALANCE"
	CodeAlreadyResolved            Code = "ALREADY_RESOLVED"
	CodeInvalidWinningOption       Code = "INVALID_WINNING_OPTION"
	CodeCannotCancelResolvedMarket Code = "CANNOT_CANCEL_RESOLVED_MARKET"
	CodeBetNotFound                Code = "BET_NOT_FOUND"
	CodeNotBetOwner                Code = "NOT_BET_OWNER"
	CodeAlreadySettled             Code = "ALREADY_SETTLED"
	CodeMarketNotResolved          Code = "MARKET_NOT_RESOLVED"

	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeAmountOverflow     Code = "AMOUNT_OVERFLOW"
	CodeAlreadyCancelled   Code = "ALREADY_CANCELLED"
	CodeInvalidFeeRate     Code = "INVALID_FEE_RATE"
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"
	CodeNotInitialized     Code = "NOT_INITIALIZED"
	CodeInvalidSnapshot    Code = "INVALID_SNAPSHOT"
)

// Error is a business-rule rejection. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Reject builds an *Error carrying a detail message.
func Reject(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrInvalidOptionCount         = &Error{Code: CodeInvalidOptionCount}
	ErrLockTimeNotInFuture        = &Error{Code: CodeLockTimeNotInFuture}
	ErrMarketNotFound             = &Error{Code: CodeMarketNotFound}
	ErrMarketNotOpen              = &Error{Code: CodeMarketNotOpen}
	ErrMarketLocked               = &Error{Code: CodeMarketLocked}
	ErrInvalidOption              = &Error{Code: CodeInvalidOption}
	ErrInsufficientBalance        = &Error{Code: CodeInsufficientBalance}
	ErrAlreadyResolved            = &Error{Code: CodeAlreadyResolved}
	ErrInvalidWinningOption       = &Error{Code: CodeInvalidWinningOption}
	ErrCannotCancelResolvedMarket = &Error{Code: CodeCannotCancelResolvedMarket}
	ErrBetNotFound                = &Error{Code: CodeBetNotFound}
	ErrNotBetOwner                = &Error{Code: CodeNotBetOwner}
	ErrAlreadySettled             = &Error{Code: CodeAlreadySettled}
	ErrMarketNotResolved          = &Error{Code: CodeMarketNotResolved}
	ErrInvalidAmount              = &Error{Code: CodeInvalidAmount}
	ErrAmountOverflow             = &Error{Code: CodeAmountOverflow}
	ErrAlreadyCancelled           = &Error{Code: CodeAlreadyCancelled}
	ErrInvalidFeeRate             = &Error{Code: CodeInvalidFeeRate}
	ErrAlreadyInitialized         = &Error{Code: CodeAlreadyInitialized}
	ErrNotInitialized             = &Error{Code: CodeNotInitialized}
	ErrInvalidSnapshot            = &Error{Code: CodeInvalidSnapshot}
)

// CodeOf extracts the rejection code, or "" if err is not a rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
