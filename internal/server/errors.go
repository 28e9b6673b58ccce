package server

import (
	"context"
	"errors"
	"net/http"

	"FundingLedger/internal/core"
	"FundingLedger/internal/query"
	"FundingLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errInvalidRequest marks request validation failures raised by the servers.
var errInvalidRequest = errors.New("invalid request")

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, state.ErrZeroSize),
		errors.Is(err, core.ErrWrongMarket):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrPositionExists):
		return codes.AlreadyExists
	case errors.Is(err, state.ErrNoPosition):
		return codes.NotFound
	case errors.Is(err, core.ErrStaleSequence):
		return codes.FailedPrecondition
	case errors.Is(err, query.ErrNoDatabase):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// grpcError maps domain errors onto gRPC status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(err), err.Error())
}

// httpStatus maps the same errors onto HTTP status codes.
func httpStatus(err error) int {
	switch grpcCode(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
