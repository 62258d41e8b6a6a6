package testserve

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httputil"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/albertbausili/testserve/internal/date"
	"github.com/albertbausili/testserve/internal/h1"
	"github.com/albertbausili/testserve/internal/h2"
)

// Server accepts connections and serves them with HTTP/1.1 or, over TLS with
// ALPN, HTTP/2. Every connection gets its own goroutine; HTTP/2 adds one
// worker goroutine per open stream.
type Server struct {
	cfg      Config
	router   *Router
	rewriter *Rewriter
	logger   *slog.Logger
	tlsConf  *tls.Config
	latency  func() time.Duration
	limiter  *rate.Limiter

	baseCtx   context.Context
	cancelCtx context.CancelFunc
	stopDate  func()

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRewriter installs path rewriting applied before routing.
func WithRewriter(rw *Rewriter) Option {
	return func(s *Server) { s.rewriter = rw }
}

// WithLatency injects an artificial delay before each dispatch. fn is called
// per request so jittered delays are possible.
func WithLatency(fn func() time.Duration) Option {
	return func(s *Server) { s.latency = fn }
}

// WithTLSConfig enables TLS on all accepted connections. Include "h2" in
// NextProtos to enable HTTP/2.
func WithTLSConfig(tc *tls.Config) Option {
	return func(s *Server) { s.tlsConf = tc }
}

// LoadTLSConfig builds a tls.Config from pregenerated certificate files,
// advertising HTTP/2 and HTTP/1.1 via ALPN.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// NewServer creates a Server for the given configuration and router.
func NewServer(cfg Config, router *Router, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		router:    router,
		logger:    slog.Default(),
		baseCtx:   ctx,
		cancelCtx: cancel,
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.MaxRequestLineBytes <= 0 {
		s.cfg.MaxRequestLineBytes = h1.DefaultMaxLineBytes
	}
	if cfg.Latency > 0 {
		d := time.Duration(cfg.Latency)
		s.latency = func() time.Duration { return d }
	}
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections from l until Stop is called or the listener
// fails.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	if s.stopDate == nil {
		s.stopDate = date.StartTicker()
	}
	s.mu.Unlock()

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.trackConn(nc, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(nc, false)
			defer nc.Close()
			s.handleConn(nc)
		}()
	}
}

// Stop closes the listeners and waits for in-flight connections. When ctx
// expires first, remaining connections are closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	s.closed.Store(true)

	s.mu.Lock()
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelCtx()
		s.mu.Lock()
		for nc := range s.conns {
			_ = nc.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) trackConn(nc net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[nc] = struct{}{}
	} else {
		delete(s.conns, nc)
	}
	s.mu.Unlock()
}

func (s *Server) handleConn(nc net.Conn) {
	if s.tlsConf == nil {
		br := bufio.NewReader(nc)
		if s.cfg.EnableH2C && sniffH2Preface(br) {
			openConnections.WithLabelValues("h2c").Inc()
			defer openConnections.WithLabelValues("h2c").Dec()
			s.serveH2(&bufferedConn{Conn: nc, br: br})
			return
		}
		openConnections.WithLabelValues("http/1.1").Inc()
		defer openConnections.WithLabelValues("http/1.1").Dec()
		s.serveH1(nc, br, false)
		return
	}

	tc := tls.Server(nc, s.tlsConf)
	if err := tc.HandshakeContext(s.baseCtx); err != nil {
		s.logger.Debug("tls handshake failed", "remote", nc.RemoteAddr(), "err", err)
		return
	}
	proto := tc.ConnectionState().NegotiatedProtocol
	if proto == "h2" {
		openConnections.WithLabelValues("h2").Inc()
		defer openConnections.WithLabelValues("h2").Dec()
		s.serveH2(tc)
		return
	}
	openConnections.WithLabelValues("http/1.1").Inc()
	defer openConnections.WithLabelValues("http/1.1").Dec()
	s.serveH1(tc, bufio.NewReader(tc), true)
}

// sniffH2Preface reports whether the connection opens with the HTTP/2 client
// preface. The peeked bytes stay in the reader for the H2 engine to consume.
func sniffH2Preface(br *bufio.Reader) bool {
	peeked, err := br.Peek(len(h2.ClientPreface))
	return err == nil && string(peeked) == h2.ClientPreface
}

// bufferedConn replays bytes already pulled into a bufio.Reader during
// protocol sniffing before reading from the underlying connection.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func (s *Server) serveH2(nc net.Conn) {
	conn := h2.NewConn(nc, h2.HandlerFunc(s.handleStream), h2.ServerConfig{
		MaxConcurrentStreams: s.cfg.MaxConcurrentStreams,
		Logger:               s.logger,
	})
	conn.Serve(s.baseCtx)
}

// serveH1 runs the per-connection HTTP/1.1 loop: request line, headers,
// dispatch, write, keep-alive decision.
func (s *Server) serveH1(nc net.Conn, br *bufio.Reader, secure bool) {
	for {
		rl, err := h1.ReadRequestLine(br, s.cfg.MaxRequestLineBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			case errors.Is(err, h1.ErrLineTooLong), errors.Is(err, h1.ErrMalformedRequestLine):
				s.writeSimpleResponse(nc, 414, "Request-URI Too Long")
			default:
				s.logger.Debug("read request line", "remote", nc.RemoteAddr(), "err", err)
			}
			return
		}

		headers, err := h1.ReadHeaders(br, s.cfg.MaxRequestLineBytes)
		if err != nil {
			s.writeSimpleResponse(nc, 400, "Bad Request")
			return
		}
		reqHeaders := NewRequestHeaders(headers)

		if rl.Method == "CONNECT" {
			tc, ok := s.upgradeConnect(nc)
			if !ok {
				return
			}
			if tc.ConnectionState().NegotiatedProtocol == "h2" {
				s.serveH2(tc)
				return
			}
			nc = tc
			br = bufio.NewReader(nc)
			secure = true
			continue
		}

		target := rl.Target
		if s.rewriter != nil {
			target = s.rewriter.Rewrite(rl.Method, target)
		}

		bodySrc, bodyLen, chunked, err := requestBody(br, headers)
		if err != nil {
			s.writeSimpleResponse(nc, 400, "Bad Request")
			return
		}

		req, err := NewRequest(rl.Method, target, rl.Version, reqHeaders.Get("Host"), reqHeaders, NewInputBuffer(bodySrc, bodyLen), secure)
		if err != nil {
			s.writeSimpleResponse(nc, 400, "Bad Request")
			return
		}
		req.RemoteAddr = nc.RemoteAddr()

		resp := NewResponse(req, &h1Writer{bw: bufio.NewWriter(nc), proto: rl.Version}, s.logger)
		s.dispatch(s.baseCtx, req, resp, s.router.GetHandler(req))

		// Drain leftover body bytes so they are not mistaken for the next
		// request line.
		if err := req.RawInput.drain(); err != nil {
			_ = req.RawInput.Close()
			return
		}
		_ = req.RawInput.Close()

		// Chunked requests leave optional trailers on the wire, so the
		// connection cannot be reused.
		keep := h1.KeepAlive(rl.Version, headers) &&
			!resp.CloseConnection() && !chunked && !s.closed.Load()
		if !keep {
			return
		}
	}
}

// upgradeConnect answers a CONNECT request and rewraps the socket in TLS, so
// tests can tunnel to the server as if through a proxy.
func (s *Server) upgradeConnect(nc net.Conn) (*tls.Conn, bool) {
	if s.tlsConf == nil {
		s.writeSimpleResponse(nc, 501, "CONNECT not supported without TLS configuration")
		return nil, false
	}
	if _, err := io.WriteString(nc, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return nil, false
	}
	tc := tls.Server(nc, s.tlsConf)
	if err := tc.HandshakeContext(s.baseCtx); err != nil {
		s.logger.Debug("tls handshake after CONNECT failed", "remote", nc.RemoteAddr(), "err", err)
		return nil, false
	}
	return tc, true
}

// requestBody returns a reader over the request body along with its declared
// length (-1 when chunked).
func requestBody(br *bufio.Reader, headers [][2]string) (io.Reader, int64, bool, error) {
	if h1.IsChunked(headers) {
		return httputil.NewChunkedReader(br), -1, true, nil
	}
	n, err := h1.ContentLength(headers)
	if err != nil {
		return nil, 0, false, err
	}
	if n < 0 {
		n = 0
	}
	return io.LimitReader(br, n), n, false, nil
}

// handleStream adapts an HTTP/2 stream to the shared dispatch path.
func (s *Server) handleStream(ctx context.Context, st *h2.Stream) {
	activeStreams.Inc()
	defer activeStreams.Dec()

	method := st.Header(":method")
	target := st.Header(":path")
	authority := st.Header(":authority")

	if s.rewriter != nil {
		target = s.rewriter.Rewrite(method, target)
	}

	var pairs [][2]string
	bodyLen := int64(-1)
	for _, f := range st.Headers {
		if strings.HasPrefix(f[0], ":") {
			continue
		}
		if f[0] == "content-length" {
			if n, err := strconv.ParseInt(f[1], 10, 64); err == nil {
				bodyLen = n
			}
		}
		pairs = append(pairs, f)
	}

	req, err := NewRequest(method, target, "HTTP/2.0", authority, NewRequestHeaders(pairs), NewInputBuffer(st.Body, bodyLen), true)
	if err != nil {
		_ = st.WriteHeaders([][2]string{{":status", "400"}}, true)
		return
	}
	req.RemoteAddr = st.RemoteAddr

	resp := NewResponse(req, &h2Writer{st: st}, s.logger)
	handler := s.router.GetHandler(req)

	if sh, ok := handler.(StreamHandler); ok {
		handler = streamDispatch(sh, st)
	}
	s.dispatch(ctx, req, resp, handler)
	_ = req.RawInput.Close()
}

// streamDispatch wraps a stream-aware handler so its header and data hooks
// run as the request arrives, before the final HandleRequest.
func streamDispatch(sh StreamHandler, st *h2.Stream) Handler {
	return HandlerFunc(func(req *Request, resp *Response) error {
		if err := sh.HandleHeaders(req, resp); err != nil {
			return err
		}
		var body bytes.Buffer
		chunk := make([]byte, 32*1024)
		for {
			n, err := st.Body.Read(chunk)
			if n > 0 {
				body.Write(chunk[:n])
				if herr := sh.HandleData(chunk[:n], req, resp); herr != nil {
					return herr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		req.RawInput = NewInputBuffer(bytes.NewReader(body.Bytes()), int64(body.Len()))
		return sh.HandleRequest(req, resp)
	})
}

// dispatch runs one request through latency injection, throttling, handler
// invocation and response writing, recovering handler panics into 500s.
func (s *Server) dispatch(ctx context.Context, req *Request, resp *Response, handler Handler) {
	requestsInFlight.Inc()
	defer requestsInFlight.Dec()
	start := time.Now()

	if s.latency != nil {
		time.Sleep(s.latency())
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	span := noopSpan()
	if s.cfg.EnableTracing {
		ctx, span = startDispatchSpan(ctx, req)
	}

	err := invokeHandler(handler, req, resp)
	switch e := err.(type) {
	case nil:
	case *HTTPError:
		s.synthesizeError(resp, e.Code, e.Message)
	case *panicError:
		s.logger.Error("handler panicked", "method", req.Method, "path", req.URL.Path, "err", e.value)
		s.synthesizeError(resp, 500, e.value+"\n\n"+string(e.stack))
	default:
		s.logger.Error("handler failed", "method", req.Method, "path", req.URL.Path, "err", err)
		s.synthesizeError(resp, 500, err.Error())
	}

	if !resp.ContentWritten() {
		if werr := resp.Write(); werr != nil {
			// Peer hung up; nothing left to send the error to.
			s.logger.Debug("response write failed", "remote", req.RemoteAddr, "err", werr)
		}
	}

	observeRequest(req.Method, req.Protocol, resp.Status.Code, time.Since(start))
	endDispatchSpan(span, resp.Status.Code)

	level := slog.LevelInfo
	if resp.Status.Code >= 500 {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "request",
		"method", req.Method,
		"path", req.RequestPath,
		"proto", req.Protocol,
		"status", resp.Status.Code,
		"took", time.Since(start))
}

// synthesizeError replaces the pending response with an error response. When
// headers already went out the wire state is beyond repair and the
// connection is marked for close instead.
func (s *Server) synthesizeError(resp *Response, code int, message string) {
	if resp.HeadersWritten() {
		resp.Status.Code = code
		resp.Content = nil
		return
	}
	resp.SetStatus(code)
	resp.Headers.Set("Content-Type", "text/plain")
	resp.Content = message
}

func invokeHandler(h Handler, req *Request, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: fmt.Sprint(r), stack: debug.Stack()}
		}
	}()
	if h == nil {
		return NewHTTPError(404, "No handler found for "+req.URL.Path)
	}
	return h.HandleRequest(req, resp)
}

type panicError struct {
	value string
	stack []byte
}

func (e *panicError) Error() string { return "panic: " + e.value }

// writeSimpleResponse emits a minimal closing response outside the normal
// dispatch path, for protocol-level failures where no Request exists.
func (s *Server) writeSimpleResponse(nc net.Conn, code int, message string) {
	body := message + "\n"
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, message)
	b.WriteString("Server: " + serverHeaderValue + "\r\n")
	b.WriteString("Date: " + date.Current() + "\r\n")
	b.WriteString("Content-Type: text/plain\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	_, _ = io.WriteString(nc, b.String())
}

// h1Writer serializes a response as HTTP/1.1.
type h1Writer struct {
	bw    *bufio.Writer
	proto string
}

func (w *h1Writer) WriteStatusAndHeaders(code int, message string, headers [][2]string) error {
	if _, err := fmt.Fprintf(w.bw, "%s %d %s\r\n", w.proto, code, message); err != nil {
		return err
	}
	for _, h := range headers {
		if _, err := fmt.Fprintf(w.bw, "%s: %s\r\n", h[0], h[1]); err != nil {
			return err
		}
	}
	if _, err := w.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *h1Writer) WriteData(p []byte) error {
	_, err := w.bw.Write(p)
	return err
}

func (w *h1Writer) End() error {
	return w.bw.Flush()
}

// h2Writer serializes a response as HEADERS and DATA frames on one stream.
type h2Writer struct {
	st *h2.Stream
}

func (w *h2Writer) WriteStatusAndHeaders(code int, message string, headers [][2]string) error {
	fields := [][2]string{{":status", strconv.Itoa(code)}}
	for _, h := range headers {
		name := strings.ToLower(h[0])
		switch name {
		case "connection", "keep-alive", "transfer-encoding", "upgrade", "proxy-connection":
			continue
		}
		fields = append(fields, [2]string{name, h[1]})
	}
	return w.st.WriteHeaders(fields, false)
}

func (w *h2Writer) WriteData(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return w.st.WriteData(p, false)
}

func (w *h2Writer) End() error {
	return w.st.WriteData(nil, true)
}
