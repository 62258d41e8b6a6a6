package testserve

import "fmt"

// Handler is the contract between the server and test content: it receives a
// parsed Request and mutates the Response in place. A handler may call
// resp.Write itself; the dispatch layer checks ContentWritten before writing
// again.
type Handler interface {
	HandleRequest(req *Request, resp *Response) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(req *Request, resp *Response) error

// HandleRequest calls f(req, resp).
func (f HandlerFunc) HandleRequest(req *Request, resp *Response) error {
	return f(req, resp)
}

// StreamHandler is the stream-aware capability set for HTTP/2 handlers that
// want to react to partial requests. HandleHeaders runs as soon as the
// request headers arrive; HandleData runs once per DATA payload; after the
// stream ends, HandleRequest runs as usual.
type StreamHandler interface {
	Handler
	HandleHeaders(req *Request, resp *Response) error
	HandleData(chunk []byte, req *Request, resp *Response) error
}

// HTTPError represents an HTTP error with a status code and message.
// Returning it from a handler makes the server synthesize that status with
// the message as the error body.
type HTTPError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}
