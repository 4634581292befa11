package rpc

import (
	"context"
	"errors"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a delivery failure to a gRPC status. Handler failures do not
// pass through here; they travel inside the Response.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, protocol.ErrNoReceiver):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, protocol.ErrNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, state.ErrMalformedIntent), errors.Is(err, protocol.ErrUnsupported):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus maps a gRPC status back to the sentinel callers test for.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.Unavailable:
		sentinel = protocol.ErrNoReceiver
	case codes.FailedPrecondition:
		sentinel = protocol.ErrNotReady
	case codes.InvalidArgument:
		sentinel = protocol.ErrUnsupported
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	default:
		return err
	}
	return &statusError{msg: st.Message(), sentinel: sentinel}
}

type statusError struct {
	msg      string
	sentinel error
}

func (e *statusError) Error() string { return e.msg }
func (e *statusError) Unwrap() error { return e.sentinel }
