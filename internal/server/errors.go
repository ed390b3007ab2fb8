package server

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"switchyard"
)

// toGRPCError carries the domain error taxonomy onto the transport.
// Unary responses additionally embed the wire code in their envelope;
// streams only have the status to speak through.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(switchyard.CodeOf(err)), err.Error())
}

func grpcCode(code switchyard.Code) codes.Code {
	switch code {
	case switchyard.CodeOK:
		return codes.OK
	case switchyard.CodeInvalid:
		return codes.InvalidArgument
	case switchyard.CodeNotFound:
		return codes.NotFound
	case switchyard.CodeConcurrency:
		return codes.FailedPrecondition
	case switchyard.CodeNoHandler:
		return codes.FailedPrecondition
	case switchyard.CodeRegistryUnavailable,
		switchyard.CodeStorageTransient,
		switchyard.CodeBrokerUnavailable:
		return codes.Unavailable
	case switchyard.CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
