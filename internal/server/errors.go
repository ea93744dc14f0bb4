package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"PariLedger/internal/core"
	"PariLedger/internal/market"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Codes produced by the transport itself rather than the ledger.
const (
	codeInvalidRequest  = "INVALID_REQUEST"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeRateLimited     = "RATE_LIMITED"
	codeUnavailable     = "UNAVAILABLE"
	codeInternal        = "INTERNAL"
)

// requestError is a malformed or incomplete request caught before it reaches
// the ledger.
type requestError struct {
	code string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{code: codeInvalidRequest, msg: msg} }

var errNoCaller = &requestError{code: codeUnauthenticated, msg: "missing " + CallerHeader + " header"}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an error onto an HTTP status, a gRPC code and a wire code.
func classify(err error) (int, codes.Code, string) {
	var re *requestError
	if errors.As(err, &re) {
		if re.code == codeUnauthenticated {
			return http.StatusUnauthorized, codes.Unauthenticated, re.code
		}
		return http.StatusBadRequest, codes.InvalidArgument, re.code
	}

	if code := market.CodeOf(err); code != "" {
		switch code {
		case market.CodeMarketNotFound, market.CodeBetNotFound:
			return http.StatusNotFound, codes.NotFound, string(code)
		case market.CodeNotBetOwner:
			return http.StatusForbidden, codes.PermissionDenied, string(code)
		case market.CodeInvalidOptionCount, market.CodeLockTimeNotInFuture, market.CodeInvalidOption,
			market.CodeInvalidWinningOption, market.CodeInvalidAmount, market.CodeAmountOverflow,
			market.CodeInvalidFeeRate, market.CodeInvalidSnapshot:
			return http.StatusBadRequest, codes.InvalidArgument, string(code)
		default:
			// Valid request, wrong state.
			return http.StatusConflict, codes.FailedPrecondition, string(code)
		}
	}

	switch {
	case errors.Is(err, core.ErrRunnerStopped):
		return http.StatusServiceUnavailable, codes.Unavailable, codeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded, codeUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, codes.Canceled, codeUnavailable
	}
	return http.StatusInternalServerError, codes.Internal, codeInternal
}

// publicMessage hides infrastructure detail from clients.
func publicMessage(err error, wire string) string {
	if wire == codeInternal {
		return "internal error"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	httpStatus, _, wire := classify(err)
	writeJSON(w, httpStatus, errorBody{Error: wire, Message: publicMessage(err, wire)})
}

// grpcError converts err into a status error carrying the wire code as its
// message prefix.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !errors.As(err, new(*market.Error)) && !errors.As(err, new(*requestError)) {
		return err
	}
	_, code, wire := classify(err)
	return status.Error(code, wire+": "+publicMessage(err, wire))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
