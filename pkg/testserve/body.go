package testserve

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Bodies larger than this are spilled to a temp file instead of being held
// in memory.
const inMemoryBodyLimit = 1 << 20

// InputBuffer wraps the raw request body stream with a backing buffer so
// handlers can read it, seek back, and read it again without touching socket
// state. Small bodies are buffered in memory; bodies with a declared length
// above inMemoryBodyLimit go to a temp file. Bytes are pulled from the
// source lazily, only as reads advance past the buffered region.
type InputBuffer struct {
	src     io.Reader
	backing bodyStore
	length  int64 // declared total, -1 when unknown
	bufLen  int64 // bytes buffered so far
	pos     int64 // read cursor
	srcDone bool
}

type bodyStore interface {
	append(p []byte) error
	readAt(p []byte, off int64) (int, error)
	close() error
}

// NewInputBuffer wraps src. length is the declared body length, or -1 when
// the length is unknown (chunked transfer coding); in that case the source
// is read until EOF.
func NewInputBuffer(src io.Reader, length int64) *InputBuffer {
	var backing bodyStore
	if length >= 0 && length <= inMemoryBodyLimit {
		backing = &memStore{}
	} else if length < 0 {
		backing = &memStore{}
	} else {
		backing = newFileStore()
	}
	return &InputBuffer{src: src, backing: backing, length: length}
}

// Len returns the declared body length, or -1 if unknown and not yet fully
// read.
func (b *InputBuffer) Len() int64 {
	if b.length < 0 && b.srcDone {
		return b.bufLen
	}
	return b.length
}

// Read implements io.Reader over the buffered body.
func (b *InputBuffer) Read(p []byte) (int, error) {
	if err := b.fill(b.pos + int64(len(p))); err != nil {
		return 0, err
	}
	if b.pos >= b.bufLen {
		return 0, io.EOF
	}
	n, err := b.backing.readAt(p, b.pos)
	b.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAll reads from the current position to the end of the body.
func (b *InputBuffer) ReadAll() ([]byte, error) {
	return io.ReadAll(b)
}

// ReadLine reads up to and including the next '\n', or to EOF. It scans
// byte by byte so it never pulls more than one line past the cursor.
func (b *InputBuffer) ReadLine() ([]byte, error) {
	var line []byte
	var one [1]byte
	for {
		n, err := b.Read(one[:])
		if n > 0 {
			line = append(line, one[0])
			if one[0] == '\n' {
				return line, nil
			}
		}
		if err == io.EOF {
			if len(line) > 0 {
				return line, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return line, err
		}
	}
}

// Seek implements io.Seeker. Seeking backward is always in-buffer; seeking
// forward past the buffered region reads and discards from the source up to
// the target. Seeking beyond the body length or before the start is an
// error.
func (b *InputBuffer) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = b.pos + offset
	case io.SeekEnd:
		if b.length < 0 {
			if err := b.fill(-1); err != nil {
				return b.pos, err
			}
		}
		target = b.Len() + offset
	default:
		return b.pos, fmt.Errorf("invalid whence %d", whence)
	}
	if target < 0 {
		return b.pos, errors.New("seek before start of body")
	}
	if b.length >= 0 && target > b.length {
		return b.pos, errors.New("seek beyond end of body")
	}
	if err := b.fill(target); err != nil {
		return b.pos, err
	}
	if b.length < 0 && target > b.bufLen {
		return b.pos, errors.New("seek beyond end of body")
	}
	b.pos = target
	return b.pos, nil
}

// Tell returns the current read position.
func (b *InputBuffer) Tell() int64 {
	return b.pos
}

// Close releases the backing store. The server calls it after the handler
// finishes; handlers never need to.
func (b *InputBuffer) Close() error {
	return b.backing.close()
}

// fill buffers bytes from the source until the buffer covers target, the
// declared length is reached, or the source is exhausted. target < 0 means
// buffer everything.
func (b *InputBuffer) fill(target int64) error {
	if b.srcDone {
		return nil
	}
	if b.length >= 0 && (target > b.length || target < 0) {
		target = b.length
	}
	chunk := make([]byte, 8192)
	for target < 0 || b.bufLen < target {
		want := int64(len(chunk))
		if b.length >= 0 {
			if remaining := b.length - b.bufLen; remaining < want {
				want = remaining
			}
		}
		if want <= 0 {
			b.srcDone = true
			return nil
		}
		n, err := b.src.Read(chunk[:want])
		if n > 0 {
			if aerr := b.backing.append(chunk[:n]); aerr != nil {
				return aerr
			}
			b.bufLen += int64(n)
		}
		if err == io.EOF {
			b.srcDone = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	if b.length >= 0 && b.bufLen >= b.length {
		b.srcDone = true
	}
	return nil
}

// drain consumes any unread source bytes without growing the read cursor,
// so leftover request body never bleeds into the next request on a
// keep-alive connection.
func (b *InputBuffer) drain() error {
	return b.fill(-1)
}

type memStore struct {
	data []byte
}

func (m *memStore) append(p []byte) error {
	m.data = append(m.data, p...)
	return nil
}

func (m *memStore) readAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memStore) close() error {
	m.data = nil
	return nil
}

type fileStore struct {
	f   *os.File
	err error
}

func newFileStore() *fileStore {
	f, err := os.CreateTemp("", "testserve-body-*")
	return &fileStore{f: f, err: err}
}

func (s *fileStore) append(p []byte) error {
	if s.err != nil {
		return s.err
	}
	_, err := s.f.Write(p)
	return err
}

func (s *fileStore) readAt(p []byte, off int64) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.f.ReadAt(p, off)
}

func (s *fileStore) close() error {
	if s.f == nil {
		return s.err
	}
	name := s.f.Name()
	err := s.f.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	s.f = nil
	return err
}
