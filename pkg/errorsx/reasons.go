package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Setup phase. Fatal while CONNECTING, never retried.
	ReasonConfiguration   ReasonCode = "configuration"
	ReasonConnectionSetup ReasonCode = "connection_setup"
	ReasonUnauthorized    ReasonCode = "unauthorized"

	// Runtime. Transport is fatal for the whole session; protocol and
	// backend_runtime are absorbed by the pump that observes them.
	ReasonTransport      ReasonCode = "transport"
	ReasonProtocol       ReasonCode = "protocol"
	ReasonBackendRuntime ReasonCode = "backend_runtime"

	// Ordinary ends.
	ReasonClientClosed  ReasonCode = "client_closed"
	ReasonBackendClosed ReasonCode = "backend_closed"
	ReasonShutdown      ReasonCode = "shutdown"
)

// Recoverable reports whether a failure with this reason only drops the
// offending frame or event instead of ending the session.
func (r ReasonCode) Recoverable() bool {
	return r == ReasonProtocol || r == ReasonBackendRuntime
}

// Normal reports whether the reason describes an ordinary end of stream.
func (r ReasonCode) Normal() bool {
	return r == ReasonClientClosed || r == ReasonBackendClosed
}
