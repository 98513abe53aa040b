package operator

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
)

// ToStatusError maps operator and scenario errors onto gRPC status codes.
// Errors that already carry a status pass through unchanged.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, scenario.ErrUnknownMode):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, scenario.ErrUnknownAgent):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrQueueClosed):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
