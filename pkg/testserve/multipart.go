package testserve

import (
	"bytes"

	"github.com/google/uuid"
)

// MultipartContent builds a multipart/* response body: each part is a header
// block, a blank line, and the part's raw data, joined by boundary lines.
// Serialization is deferred until the response is written.
type MultipartContent struct {
	Boundary string
	Parts    []*MultipartPart
}

// MultipartPart is one section of a multipart body.
type MultipartPart struct {
	Headers [][2]string
	Data    []byte
}

// NewMultipartContent creates a MultipartContent. An empty boundary gets a
// generated UUID boundary.
func NewMultipartContent(boundary string) *MultipartContent {
	if boundary == "" {
		boundary = uuid.NewString()
	}
	return &MultipartContent{Boundary: boundary}
}

// AppendPart adds a part with the given headers and data.
func (m *MultipartContent) AppendPart(headers [][2]string, data []byte) {
	m.Parts = append(m.Parts, &MultipartPart{Headers: headers, Data: data})
}

// ContentType returns the value for the response Content-Type header.
func (m *MultipartContent) ContentType(subtype string) string {
	return "multipart/" + subtype + "; boundary=" + m.Boundary
}

// Render serializes all parts into the final body.
func (m *MultipartContent) Render() []byte {
	var b bytes.Buffer
	for _, part := range m.Parts {
		b.WriteString("--" + m.Boundary + "\r\n")
		for _, h := range part.Headers {
			b.WriteString(h[0] + ": " + h[1] + "\r\n")
		}
		b.WriteString("\r\n")
		b.Write(part.Data)
		b.WriteString("\r\n")
	}
	b.WriteString("--" + m.Boundary + "--\r\n")
	return b.Bytes()
}
