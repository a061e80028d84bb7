package provider

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
)

// EIP-1193 and EIP-1474 error codes.
const (
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeResourceUnavailable = -32002
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternal            = -32603
)

// RPCError is the only error type Request returns.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCError(code int, msg string) *RPCError {
	return &RPCError{Code: code, Message: msg}
}

func invalidParams(format string, args ...any) *RPCError {
	return newRPCError(CodeInvalidParams, fmt.Sprintf(format, args...))
}

// toRPCError maps internal errors onto provider error codes.
func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, navigation.ErrRejected), errors.Is(err, navigation.ErrCancelled):
		return newRPCError(CodeUserRejected, "User rejected the request.")
	case errors.Is(err, deviceaction.ErrConnection):
		return newRPCError(CodeDisconnected, "The device is not connected.")
	case errors.Is(err, deviceaction.ErrAccountNotSelected):
		return newRPCError(CodeUnauthorized, "No account selected.")
	case errors.Is(err, deviceaction.ErrDeviceBusy):
		return newRPCError(CodeResourceUnavailable, "The device is busy with another request.")
	case errors.Is(err, deviceaction.ErrInvalidRequest):
		return newRPCError(CodeInvalidParams, err.Error())
	case errors.Is(err, deviceaction.ErrSigning):
		if deviceaction.ErrorTag(err) == deviceaction.TagUserRefused {
			return newRPCError(CodeUserRejected, "User rejected the request on the device.")
		}
		return &RPCError{Code: CodeInternal, Message: "signing failed", Data: err.Error()}
	default:
		return &RPCError{Code: CodeInternal, Message: "internal error", Data: err.Error()}
	}
}
