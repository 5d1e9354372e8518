package types

// Wire-level type discriminator present on every gateway frame.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
)

// MethodConnect is the only request method the proxy interprets.
const MethodConnect = "connect"

// Error codes reported to the browser when a connect handshake fails.
const (
	CodeSettingsLoadFailed  = "studio.settings_load_failed"
	CodeGatewayURLMissing   = "studio.gateway_url_missing"
	CodeGatewayTokenMissing = "studio.gateway_token_missing"
	CodeGatewayURLInvalid   = "studio.gateway_url_invalid"
	CodeUpstreamError       = "studio.upstream_error"
	CodeUpstreamClosed      = "studio.upstream_closed"
)

// WebSocket close codes used by the proxy.
const (
	CloseNormal          = 1000
	CloseInvalidFrame    = 1003
	CloseProtocolError   = 1008
	CloseInternalError   = 1011
	CloseUpstreamClosed  = 1012
	CloseUpstreamNotOpen = 1013
)

// ErrorBody is the error member of a failed response frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the response frame synthesized by the proxy when it
// answers a connect request on the gateway's behalf.
type ErrorResponse struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	OK    bool      `json:"ok"`
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a failed response for request id.
func NewErrorResponse(id, code, message string) ErrorResponse {
	return ErrorResponse{
		Type:  TypeResponse,
		ID:    id,
		OK:    false,
		Error: ErrorBody{Code: code, Message: message},
	}
}
