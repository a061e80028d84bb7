package http

import (
	"encoding/json"

	"github.com/quantumauth-io/quantum-device-bridge/internal/provider"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// providerRequestBody also accepts a full JSON-RPC envelope; id and jsonrpc
// are ignored.
type providerRequestBody struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type providerResponse struct {
	Result any                `json:"result,omitempty"`
	Error  *provider.RPCError `json:"error,omitempty"`
}

type contextResponse struct {
	session.Context
	Connected  bool     `json:"connected"`
	Accounts   []string `json:"accounts"`
	ChainIDHex string   `json:"chainIdHex"`
}

type completeIntentRequest struct {
	Result json.RawMessage `json:"result"`
}

type rejectIntentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type deviceResponse struct {
	OK     bool               `json:"ok"`
	Device *session.DeviceRef `json:"device,omitempty"`
}

type providerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}
