package mcpbridge

import "fmt"

// ErrorKind discriminates why a call to an MCP server failed, so callers can
// tell a protocol-level refusal (bad arguments, unknown tool) from a broken
// connection that might be worth retrying or reconnecting.
type ErrorKind string

const (
	// ErrorKindProtocol means the server responded with a JSON-RPC error object.
	ErrorKindProtocol ErrorKind = "protocol"
	// ErrorKindTransport means the request never got a response: the
	// subprocess exited, the socket closed, the request timed out.
	ErrorKindTransport ErrorKind = "transport"
)

// Error is the error type returned by every Bridge/Client/Transport call
// that talks to an MCP server.
type Error struct {
	Kind     ErrorKind
	ServerID string
	Method   string
	Code     int // JSON-RPC error code; zero for ErrorKindTransport
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Kind == ErrorKindProtocol {
		return fmt.Sprintf("mcp %s: %s.%s: rpc error %d: %s", e.Kind, e.ServerID, e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("mcp %s: %s.%s: %s", e.Kind, e.ServerID, e.Method, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTransport reports whether err is an *Error representing a connection
// failure rather than a protocol-level refusal.
func IsTransport(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == ErrorKindTransport
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func transportErr(serverID, method string, cause error) *Error {
	return &Error{Kind: ErrorKindTransport, ServerID: serverID, Method: method, Message: cause.Error(), Cause: cause}
}

func protocolErr(serverID, method string, code int, message string) *Error {
	return &Error{Kind: ErrorKindProtocol, ServerID: serverID, Method: method, Code: code, Message: message}
}
