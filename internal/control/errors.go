package control

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/master"
)

// ErrInvalidArgument marks malformed control requests.
var ErrInvalidArgument = errors.New("invalid argument")

// ToStatusError maps controller errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, app.ErrUnknownApplication),
		errors.Is(err, master.ErrClientNotFound),
		errors.Is(err, master.ErrAgentNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, app.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, app.ErrAlreadyRegistered),
		errors.Is(err, master.ErrClientExists),
		errors.Is(err, master.ErrAgentExists):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
