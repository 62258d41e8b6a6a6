package testserve

import (
	"bytes"
	"compress/gzip"
	"strconv"

	"github.com/andybalholm/brotli"
)

// A Pipe transforms a finished response before it is written, the usual use
// being content codings requested by test pages. Pipes must run before
// WriteStatusHeaders.
type Pipe func(resp *Response) error

// GzipPipe replaces the response content with its gzip coding and adjusts
// Content-Encoding and Content-Length.
func GzipPipe() Pipe {
	return func(resp *Response) error {
		raw, err := resp.ReadContent()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		setEncodedContent(resp, "gzip", buf.Bytes())
		return nil
	}
}

// BrotliPipe replaces the response content with its brotli coding and
// adjusts Content-Encoding and Content-Length.
func BrotliPipe() Pipe {
	return func(resp *Response) error {
		raw, err := resp.ReadContent()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		if _, err := bw.Write(raw); err != nil {
			return err
		}
		if err := bw.Close(); err != nil {
			return err
		}
		setEncodedContent(resp, "br", buf.Bytes())
		return nil
	}
}

func setEncodedContent(resp *Response, coding string, body []byte) {
	resp.Content = body
	resp.Headers.Set("Content-Encoding", coding)
	resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))
}
