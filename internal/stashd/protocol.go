package stashd

import (
	"bytes"
	"encoding/json"
)

// The daemon speaks newline-delimited JSON over TCP. Each request carries the
// shared auth key; a mismatch terminates the connection.

// Op names accepted by the daemon.
const (
	OpPut    = "put"
	OpTake   = "take"
	OpLock   = "lock"
	OpUnlock = "unlock"
)

// Request is one client operation.
type Request struct {
	Auth  string          `json:"auth"`
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Response is the daemon's reply to one Request.
type Response struct {
	OK      bool            `json:"ok"`
	Present bool            `json:"present,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeResponse marshals r followed by the line terminator.
func EncodeResponse(r Response) []byte {
	b, _ := json.Marshal(r)
	return append(b, '\n')
}

// splitLine cuts the first complete line off buf, returning the line without
// its terminator and the remainder.
func splitLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+1:], true
}
