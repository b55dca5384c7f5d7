package websocket

// Action constants for stream frames
const (
	// Health
	ActionHealthCheck = "health.check"

	// Stream lifecycle (server -> client)
	ActionStreamWelcome   = "stream.welcome"
	ActionEnvelopeDeliver = "envelope.deliver"

	// Stream control (client -> server)
	ActionStreamAck = "stream.ack"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeForbidden     = "AUTHORIZATION_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
