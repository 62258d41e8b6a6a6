// Package frame wraps the golang.org/x/net/http2 framer with the locking
// discipline the connection engine relies on: neither the framer nor the
// HPACK encoder is safe for concurrent use, and the peer installs
// dynamic-table entries in wire order, so header encoding and frame emission
// are serialized behind one mutex.
package frame

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Writer serializes outbound HTTP/2 frames and owns the connection's HPACK
// encoder state. Every write method takes the internal mutex; callers never
// touch the framer or encoder directly.
type Writer struct {
	mu      sync.Mutex
	framer  *http2.Framer
	out     flusher
	encBuf  bytes.Buffer
	encoder *hpack.Encoder
}

type flusher interface {
	io.Writer
	Flush() error
}

// NewWriter creates a Writer emitting frames to w.
func NewWriter(w flusher) *Writer {
	fw := &Writer{
		framer: http2.NewFramer(w, nil),
		out:    w,
	}
	fw.encoder = hpack.NewEncoder(&fw.encBuf)
	return fw
}

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteSettings(settings...); err != nil {
		return err
	}
	return w.out.Flush()
}

// WriteSettingsAck acknowledges a peer SETTINGS frame.
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteSettingsAck(); err != nil {
		return err
	}
	return w.out.Flush()
}

// WriteHeaderFields HPACK-encodes fields and writes the HEADERS frame,
// fragmenting the block into CONTINUATION frames when it exceeds
// maxFrameSize. Encoding and emission form one critical section so header
// blocks reach the wire in the order they touched the dynamic table.
func (w *Writer) WriteHeaderFields(streamID uint32, endStream bool, fields [][2]string, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.encBuf.Reset()
	for _, h := range fields {
		if err := w.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return err
		}
	}
	block := w.encBuf.Bytes()

	if maxFrameSize == 0 {
		maxFrameSize = 16384 // RFC 9113 default
	}

	first := true
	remaining := block
	for first || len(remaining) > 0 {
		chunk := remaining
		if len(chunk) > int(maxFrameSize) {
			chunk = chunk[:maxFrameSize]
		}
		remaining = remaining[len(chunk):]
		end := len(remaining) == 0
		if first {
			err := w.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    end,
			})
			if err != nil {
				return err
			}
			first = false
		} else {
			if err := w.framer.WriteContinuation(streamID, end, chunk); err != nil {
				return err
			}
		}
	}
	return w.out.Flush()
}

// WriteData writes a DATA frame. Zero-length frames without END_STREAM are
// suppressed; they carry no information and confuse strict peers.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	if len(data) == 0 && !endStream {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteData(streamID, endStream, data); err != nil {
		return err
	}
	return w.out.Flush()
}

// WriteRSTStream writes an RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteRSTStream(streamID, code); err != nil {
		return err
	}
	return w.out.Flush()
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteGoAway(lastStreamID, code, debug); err != nil {
		return err
	}
	return w.out.Flush()
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WritePing(ack, data); err != nil {
		return err
	}
	return w.out.Flush()
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.framer.WriteWindowUpdate(streamID, increment); err != nil {
		return err
	}
	return w.out.Flush()
}

