package stashd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
)

// Daemon is the event-driven TCP front end for a Store.
type Daemon struct {
	gnet.BuiltinEventEngine
	store   *Store
	addr    string
	authKey []byte
	logger  *slog.Logger
	engine  gnet.Engine
	started chan error
}

// NewAuthKey generates a random shared secret for daemon access.
func NewAuthKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}

// NewDaemon creates a daemon bound to addr (host:port).
func NewDaemon(addr string, authKey []byte, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		store:   NewStore(),
		addr:    addr,
		authKey: authKey,
		logger:  logger,
		started: make(chan error, 1),
	}
}

// Store exposes the backing store for in-process use.
func (d *Daemon) Store() *Store { return d.store }

// Addr returns the daemon's listen address.
func (d *Daemon) Addr() string { return d.addr }

// Start runs the event engine in the background and waits until it is
// accepting connections.
func (d *Daemon) Start() error {
	go func() {
		err := gnet.Run(d, "tcp://"+d.addr,
			gnet.WithMulticore(false),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		)
		select {
		case d.started <- err:
		default:
		}
	}()
	select {
	case err := <-d.started:
		return err
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	}
}

// Stop shuts the engine down.
func (d *Daemon) Stop(ctx context.Context) error {
	return d.engine.Stop(ctx)
}

// OnBoot is called once the engine is accepting connections.
func (d *Daemon) OnBoot(eng gnet.Engine) gnet.Action {
	d.engine = eng
	d.logger.Info("stash daemon listening", "addr", d.addr)
	select {
	case d.started <- nil:
	default:
	}
	return gnet.None
}

// connState buffers partial lines per connection and records closure so a
// queued lock waiter whose client hung up is skipped on handoff.
type connState struct {
	buf    []byte
	closed atomic.Bool
}

// OnOpen attaches the per-connection read buffer.
func (d *Daemon) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(&connState{})
	return nil, gnet.None
}

// OnClose marks the connection dead for any lock handoff still queued.
func (d *Daemon) OnClose(c gnet.Conn, err error) gnet.Action {
	if state, ok := c.Context().(*connState); ok {
		state.closed.Store(true)
	}
	return gnet.None
}

// OnTraffic decodes complete request lines and dispatches them.
func (d *Daemon) OnTraffic(c gnet.Conn) gnet.Action {
	state, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	state.buf = append(state.buf, data...)

	for {
		line, rest, ok := splitLine(state.buf)
		if !ok {
			return gnet.None
		}
		state.buf = rest
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.logger.Debug("stash daemon: bad request line", "err", err)
			return gnet.Close
		}
		if action := d.dispatch(c, req); action != gnet.None {
			return action
		}
	}
}

func (d *Daemon) dispatch(c gnet.Conn, req Request) gnet.Action {
	auth, err := base64.StdEncoding.DecodeString(req.Auth)
	if err != nil || subtle.ConstantTimeCompare(auth, d.authKey) != 1 {
		d.logger.Warn("stash daemon: auth failure", "remote", c.RemoteAddr())
		return gnet.Close
	}

	switch req.Op {
	case OpPut:
		if err := d.store.Put(req.Path, req.Key, req.Value); err != nil {
			d.reply(c, Response{OK: false, Error: err.Error()})
		} else {
			d.reply(c, Response{OK: true})
		}
	case OpTake:
		v, present := d.store.Take(req.Path, req.Key)
		d.reply(c, Response{OK: true, Present: present, Value: v})
	case OpLock:
		// The reply is deferred until the lock is acquired; the callback may
		// run on another goroutine, which AsyncWrite tolerates. A waiter
		// whose connection closed while queued refuses the handoff.
		state, _ := c.Context().(*connState)
		d.store.Lock(req.Path, req.Key, func() bool {
			if state != nil && state.closed.Load() {
				return false
			}
			d.reply(c, Response{OK: true})
			return true
		})
	case OpUnlock:
		if err := d.store.Unlock(req.Path, req.Key); err != nil {
			d.reply(c, Response{OK: false, Error: err.Error()})
		} else {
			d.reply(c, Response{OK: true})
		}
	default:
		d.reply(c, Response{OK: false, Error: "unknown op " + req.Op})
	}
	return gnet.None
}

func (d *Daemon) reply(c gnet.Conn, resp Response) {
	_ = c.AsyncWrite(EncodeResponse(resp), nil)
}
