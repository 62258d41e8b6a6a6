// Package h2 implements the server side of an HTTP/2 connection on top of
// the golang.org/x/net/http2 framing engine. One reader goroutine owns the
// socket; each stream gets a dedicated worker goroutine fed through an
// unbounded per-stream queue, and all outbound frames funnel through a
// mutex-serialized frame writer.
package h2

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/testserve/internal/h2/frame"
)

// ClientPreface is the fixed byte sequence every HTTP/2 client connection
// begins with (RFC 9113 §3.4).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	defaultMaxFrameSize  = 16384
	initialStreamWindow  = 1 << 20 // window we advertise for inbound DATA
	defaultMaxHeaderList = 1 << 20
)

// Handler receives one logical stream: decoded request headers plus a body
// reader fed incrementally as DATA frames arrive.
type Handler interface {
	HandleStream(ctx context.Context, st *Stream)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, st *Stream)

// HandleStream calls f(ctx, st).
func (f HandlerFunc) HandleStream(ctx context.Context, st *Stream) { f(ctx, st) }

type eventKind int

const (
	evHeaders eventKind = iota
	evData
	evReset
	evTerminate // connection-level sentinel broadcast into every live queue
)

type streamEvent struct {
	kind      eventKind
	fields    [][2]string
	data      []byte
	endStream bool
}

// Conn drives one HTTP/2 connection.
type Conn struct {
	nc      net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	writer  *frame.Writer
	flow    *flowController
	handler Handler
	logger  *slog.Logger

	maxStreams   uint32
	peerMaxFrame atomic.Uint32

	mu           sync.Mutex
	streams      map[uint32]*stream
	lastClientID uint32

	goAwaySent atomic.Bool
}

type stream struct {
	id     uint32
	conn   *Conn
	queue  *eventQueue
	cancel context.CancelFunc

	headersSent atomic.Bool
	closed      atomic.Bool // reset by peer or connection torn down
}

// ServerConfig holds the connection-level knobs.
type ServerConfig struct {
	MaxConcurrentStreams uint32
	Logger               *slog.Logger
}

// NewConn wraps an accepted connection on which the client has requested
// HTTP/2 (via ALPN or prior knowledge).
func NewConn(nc net.Conn, handler Handler, cfg ServerConfig) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 100
	}
	bw := bufio.NewWriter(nc)
	c := &Conn{
		nc:         nc,
		br:         bufio.NewReader(nc),
		bw:         bw,
		writer:     frame.NewWriter(bw),
		flow:       newFlowController(65535),
		handler:    handler,
		logger:     cfg.Logger,
		maxStreams: cfg.MaxConcurrentStreams,
		streams:    make(map[uint32]*stream),
	}
	c.peerMaxFrame.Store(defaultMaxFrameSize)
	return c
}

// Serve runs the connection until the peer disconnects, a fatal protocol
// error occurs, or ctx is cancelled. It always broadcasts the termination
// sentinel into every live stream queue before returning, which is what
// guarantees all stream workers exit when the connection drops.
func (c *Conn) Serve(ctx context.Context) {
	defer c.terminate()
	defer c.nc.Close()

	if err := c.handshake(); err != nil {
		c.logger.Debug("h2 handshake failed", "remote", c.nc.RemoteAddr(), "err", err)
		return
	}

	fr := http2.NewFramer(nil, c.br)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	fr.MaxHeaderListSize = defaultMaxHeaderList
	fr.SetMaxReadFrameSize(1 << 20)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := fr.ReadFrame()
		if err != nil {
			if err != io.EOF && !isClosedConnError(err) {
				c.logger.Debug("h2 read frame", "remote", c.nc.RemoteAddr(), "err", err)
				if ce, ok := err.(http2.ConnectionError); ok {
					c.sendGoAway(http2.ErrCode(ce))
				}
			}
			return
		}

		switch f := f.(type) {
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				_ = c.writer.WritePing(true, f.Data)
			}
		case *http2.WindowUpdateFrame:
			c.flow.add(f.StreamID, int64(f.Increment))
		case *http2.MetaHeadersFrame:
			c.handleHeaders(ctx, f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.RSTStreamFrame:
			c.handleReset(f.StreamID)
		case *http2.GoAwayFrame:
			// Peer is going away; unblock every worker and stop reading.
			return
		case *http2.PriorityFrame:
			// Priority scheduling is not implemented; frames are legal to ignore.
		default:
		}
	}
}

func (c *Conn) handshake() error {
	buf := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return err
	}
	if string(buf) != ClientPreface {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return c.writer.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.maxStreams},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialStreamWindow},
	)
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	_ = f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			c.peerMaxFrame.Store(s.Val)
		case http2.SettingInitialWindowSize:
			c.flow.setInitial(int64(s.Val))
		}
		return nil
	})
	_ = c.writer.WriteSettingsAck()
}

func (c *Conn) handleHeaders(ctx context.Context, f *http2.MetaHeadersFrame) {
	id := f.StreamID
	c.mu.Lock()
	st, known := c.streams[id]
	if !known {
		if id <= c.lastClientID {
			// Peer reused a retired stream id.
			c.mu.Unlock()
			_ = c.writer.WriteRSTStream(id, http2.ErrCodeStreamClosed)
			return
		}
		if uint32(len(c.streams)) >= c.maxStreams {
			c.mu.Unlock()
			_ = c.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
			return
		}
		st = c.newStreamLocked(ctx, id)
	}
	c.mu.Unlock()

	fields := make([][2]string, 0, len(f.Fields))
	for _, hf := range f.Fields {
		fields = append(fields, [2]string{hf.Name, hf.Value})
	}
	st.queue.push(streamEvent{kind: evHeaders, fields: fields, endStream: f.StreamEnded()})
}

func (c *Conn) handleData(f *http2.DataFrame) {
	id := f.StreamID
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()

	data := f.Data()
	if n := len(data); n > 0 {
		// Credit-on-receipt: our advertised window never shrinks.
		_ = c.writer.WriteWindowUpdate(0, uint32(n))
		if ok {
			_ = c.writer.WriteWindowUpdate(id, uint32(n))
		}
	}
	if !ok {
		_ = c.writer.WriteRSTStream(id, http2.ErrCodeStreamClosed)
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	st.queue.push(streamEvent{kind: evData, data: buf, endStream: f.StreamEnded()})
}

func (c *Conn) handleReset(id uint32) {
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()
	if ok {
		st.closed.Store(true)
		st.queue.push(streamEvent{kind: evReset})
	}
}

// newStreamLocked registers a stream and spawns its worker. Caller holds c.mu.
func (c *Conn) newStreamLocked(ctx context.Context, id uint32) *stream {
	streamCtx, cancel := context.WithCancel(ctx)
	st := &stream{
		id:     id,
		conn:   c,
		queue:  newEventQueue(),
		cancel: cancel,
	}
	c.streams[id] = st
	if id > c.lastClientID {
		c.lastClientID = id
	}
	c.flow.openStream(id)
	go st.run(streamCtx)
	return st
}

// retireStream drops the stream from broadcast tracking and unblocks its
// worker queue.
func (c *Conn) retireStream(id uint32) {
	c.mu.Lock()
	st, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if ok {
		c.flow.closeStream(id)
		st.queue.close()
	}
}

// terminate broadcasts the connection-closed sentinel so every live stream
// worker unblocks and exits.
func (c *Conn) terminate() {
	c.mu.Lock()
	live := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		live = append(live, st)
	}
	c.streams = make(map[uint32]*stream)
	c.mu.Unlock()

	c.flow.close()
	for _, st := range live {
		st.closed.Store(true)
		st.queue.push(streamEvent{kind: evTerminate})
		st.queue.close()
	}
}

func (c *Conn) sendGoAway(code http2.ErrCode) {
	if c.goAwaySent.Swap(true) {
		return
	}
	c.mu.Lock()
	last := c.lastClientID
	c.mu.Unlock()
	_ = c.writer.WriteGoAway(last, code, nil)
}

func isClosedConnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// run is the per-stream worker loop. It consumes frames in arrival order,
// feeding DATA into the body pipe and launching the handler on HEADERS.
func (st *stream) run(ctx context.Context) {
	var (
		bodyW       *io.PipeWriter
		handlerDone chan struct{}
	)
	for {
		ev, ok := st.queue.pop()
		if !ok {
			return
		}
		switch ev.kind {
		case evHeaders:
			if handlerDone != nil {
				// Trailers on an open stream. The handler is already
				// running; END_STREAM finishes the body, nothing redispatches.
				if ev.endStream && bodyW != nil {
					_ = bodyW.Close()
					bodyW = nil
				}
				continue
			}
			pr, pw := io.Pipe()
			bodyW = pw
			pub := &Stream{
				ID:         st.id,
				Headers:    ev.fields,
				Body:       pr,
				RemoteAddr: st.conn.nc.RemoteAddr(),
				st:         st,
			}
			if ev.endStream {
				_ = pw.Close()
				bodyW = nil
			}
			handlerDone = make(chan struct{})
			go func() {
				defer close(handlerDone)
				st.conn.handler.HandleStream(ctx, pub)
				// A handler that never drained the body leaves the worker
				// blocked in a pipe write; closing the read end fails that
				// write so the worker resumes its queue loop.
				_ = pub.Body.Close()
				st.conn.retireStream(st.id)
			}()
		case evData:
			if bodyW != nil {
				if _, err := bodyW.Write(ev.data); err != nil {
					bodyW = nil
				}
			}
			if ev.endStream && bodyW != nil {
				_ = bodyW.Close()
				bodyW = nil
			}
		case evReset, evTerminate:
			st.cancel()
			if bodyW != nil {
				_ = bodyW.CloseWithError(io.ErrUnexpectedEOF)
				bodyW = nil
			}
			if ev.kind == evReset {
				st.conn.retireStream(st.id)
			}
			if handlerDone != nil {
				<-handlerDone
			}
			return
		}
	}
}

// Stream is the public view of one request/response exchange handed to the
// Handler. Headers hold the decoded field lines including pseudo-headers;
// Body yields DATA payloads as they arrive.
type Stream struct {
	ID         uint32
	Headers    [][2]string
	Body       io.ReadCloser
	RemoteAddr net.Addr

	st *stream
}

// Header returns the first value of the named field, or "".
func (s *Stream) Header(name string) string {
	for _, h := range s.Headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Closed reports whether the stream was reset by the peer or the connection
// was torn down.
func (s *Stream) Closed() bool { return s.st.closed.Load() }

// HeadersSent reports whether response headers have been emitted.
func (s *Stream) HeadersSent() bool { return s.st.headersSent.Load() }

// WriteHeaders emits the response HEADERS frame (plus CONTINUATION as
// needed). fields must start with the :status pseudo-header.
func (s *Stream) WriteHeaders(fields [][2]string, endStream bool) error {
	if s.Closed() {
		return errFlowClosed
	}
	s.st.headersSent.Store(true)
	return s.st.conn.writer.WriteHeaderFields(s.ID, endStream, fields, s.st.conn.peerMaxFrame.Load())
}

// WriteData emits DATA frames, blocking on flow control as needed.
func (s *Stream) WriteData(p []byte, endStream bool) error {
	conn := s.st.conn
	sentEnd := false
	for len(p) > 0 {
		if s.Closed() {
			return errFlowClosed
		}
		want := len(p)
		if mf := int(conn.peerMaxFrame.Load()); want > mf {
			want = mf
		}
		n, err := conn.flow.take(s.ID, want)
		if err != nil {
			return err
		}
		end := endStream && n == len(p)
		if err := conn.writer.WriteData(s.ID, end, p[:n]); err != nil {
			return err
		}
		sentEnd = end
		p = p[n:]
	}
	if endStream && !sentEnd {
		// Empty body: a zero-length terminal DATA frame closes the stream.
		return conn.writer.WriteData(s.ID, true, nil)
	}
	return nil
}
