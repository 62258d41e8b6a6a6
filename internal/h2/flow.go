package h2

import (
	"errors"
	"sync"
)

// errFlowClosed is returned from take once the connection is torn down.
var errFlowClosed = errors.New("h2: connection closed")

// flowController tracks outbound flow-control windows. DATA writers block in
// take until both the connection window and the stream window have capacity.
type flowController struct {
	mu      sync.Mutex
	cond    *sync.Cond
	conn    int64
	streams map[uint32]int64
	initial int64
	closed  bool
}

func newFlowController(initialWindow int64) *flowController {
	fc := &flowController{
		conn:    65535, // RFC 9113 §6.9.2 connection default, never re-initialized by SETTINGS
		streams: make(map[uint32]int64),
		initial: initialWindow,
	}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *flowController) openStream(id uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.streams[id] = fc.initial
}

func (fc *flowController) closeStream(id uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	delete(fc.streams, id)
	fc.cond.Broadcast()
}

// take blocks until at least one byte may be sent on the stream, then
// reserves up to n bytes and returns the reserved amount.
func (fc *flowController) take(id uint32, n int) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for {
		if fc.closed {
			return 0, errFlowClosed
		}
		win, ok := fc.streams[id]
		if !ok {
			return 0, errFlowClosed
		}
		avail := fc.conn
		if win < avail {
			avail = win
		}
		if avail > 0 {
			take := int64(n)
			if avail < take {
				take = avail
			}
			fc.conn -= take
			fc.streams[id] -= take
			return int(take), nil
		}
		fc.cond.Wait()
	}
}

// add credits a window on WINDOW_UPDATE. Stream id 0 credits the connection.
func (fc *flowController) add(id uint32, n int64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if id == 0 {
		fc.conn += n
	} else if _, ok := fc.streams[id]; ok {
		fc.streams[id] += n
	}
	fc.cond.Broadcast()
}

// setInitial applies a SETTINGS_INITIAL_WINDOW_SIZE change, adjusting all open
// stream windows by the delta per RFC 9113 §6.9.2.
func (fc *flowController) setInitial(n int64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	delta := n - fc.initial
	fc.initial = n
	for id := range fc.streams {
		fc.streams[id] += delta
	}
	fc.cond.Broadcast()
}

func (fc *flowController) close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	fc.cond.Broadcast()
}
