package control

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/kb"
)

// ErrInvalidArgument marks requests rejected before reaching the runtime.
var ErrInvalidArgument = errors.New("invalid argument")

// ToStatusError maps runtime and store errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrNotFound),
		errors.Is(err, runtime.ErrUnknownCell):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, kb.ErrExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, ue.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, runtime.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
