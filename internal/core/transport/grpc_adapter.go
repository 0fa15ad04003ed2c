package transport

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkt.systems/txnd/internal/core"
)

// ToGRPC maps core.Failure to a gRPC status with details encoded in the
// status message.
func ToGRPC(err error) error {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return err
	}
	msg := failure.Code
	if failure.Detail != "" {
		msg += ": " + failure.Detail
	}
	return status.New(grpcCode(failure), msg).Err()
}

func grpcCode(f core.Failure) codes.Code {
	switch f.HTTPStatus {
	case 0, http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusAccepted:
		return codes.DeadlineExceeded
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		if f.Code == "cannot_join" {
			return codes.FailedPrecondition
		}
		return codes.Aborted
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
