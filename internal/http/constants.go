package http

// Generic HTTP / JSON strings
const (
	HTTPErrorMethodNotAllowedText = "method not allowed"
	HTTPErrorInvalidJSONText      = "invalid JSON"
	HTTPErrorForbiddenText        = "forbidden"
	HTTPErrorForbiddenOriginText  = "forbidden origin"
	HTTPErrorForbiddenHostText    = "forbidden host"
)

// Common JSON keys
const (
	JSONKeyOK     = "ok"
	JSONKeyError  = "error"
	JSONKeyResult = "result"
)

// JSON-RPC error codes (EIP-1474 style)
const (
	JSONRPCErrorCodeInvalidRequest = -32600
)

// Routes
const (
	PathHealth           = "/healthz"
	PathProviderRequest  = "/provider/request"
	PathProviderContext  = "/provider/context"
	PathProviderEvents   = "/provider/events"
	PathUIIntents        = "/ui/intents"
	PathUIIntentsStream  = "/ui/intents/stream"
	PathUIIntentComplete = "/ui/intents/{id}/complete"
	PathUIIntentReject   = "/ui/intents/{id}/reject"
	PathDeviceConnect    = "/device/connect"
	PathDeviceDisconnect = "/device/disconnect"
	PathDeviceSign       = "/device/sign"
	PathTrustChainAuth   = "/trustchain/authenticate"
	PathWalletDisconnect = "/wallet/disconnect"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"

	corsMaxAgeSeconds = 600
	maxBodyBytes      = 1 << 20
)
