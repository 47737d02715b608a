package peer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// HandshakeTimeout bounds how long OpenChannel waits for both greetings
// before failing the pending open (spec.md §4.1, B1).
const HandshakeTimeout = 15 * time.Second

// HandlerFunc answers a Request arriving on a channel this side is the
// server for. Unknown paths are handled by the channel itself with a 404
// before a registered handler would ever see them.
type HandlerFunc func(c context.T, req *Request) *Response

// Channel is a named sub-stream over a Conn, identified by (protocol
// label, channel id). One side is the opener ("client"), the other
// answers requests ("server") — spec.md §4.1.
type Channel struct {
	id      uint32
	conn    *Conn
	isLocal bool // true if this side called OpenChannel

	local  Handshake
	remote Handshake

	handshakeOnce sync.Once
	handshakeWait chan error
	opened        atomic.Bool

	handlersMu     sync.RWMutex
	handlers       map[string]HandlerFunc
	prefixHandlers map[string]HandlerFunc

	pendingMu sync.Mutex
	pending   map[uint64]chan *Response
	nextReqID atomic.Uint64

	wsFrames  chan []byte
	health    chan struct{}
	healthRTT chan time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(id uint32, conn *Conn, isLocal bool) *Channel {
	return &Channel{
		id:            id,
		conn:          conn,
		isLocal:       isLocal,
		handshakeWait: make(chan error, 1),
		handlers:      make(map[string]HandlerFunc),
		prefixHandlers: make(map[string]HandlerFunc),
		pending:       make(map[uint64]chan *Response),
		wsFrames:      make(chan []byte, 16),
		health:        make(chan struct{}, 1),
		healthRTT:     make(chan time.Duration, 1),
		closed:        make(chan struct{}),
	}
}

// ID returns the channel's numeric identifier on the underlying Conn.
func (c *Channel) ID() uint32 { return c.id }

// IsServer reports whether this side answers requests on this channel
// (i.e. it did not open it).
func (c *Channel) IsServer() bool { return !c.isLocal }

// RemoteHandshake returns the greeting received from the peer. Valid only
// after the channel has finished opening.
func (c *Channel) RemoteHandshake() Handshake { return c.remote }

// Handle registers a request handler for an exact path. A server MUST
// register handlers before requests for that path arrive; unmatched paths
// get a 404 (spec.md §4.1).
func (c *Channel) Handle(path string, fn HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[path] = fn
}

// HandlePrefix registers fn for every request path beginning with
// prefix, for routes that carry a variable suffix (e.g. spec.md §6.2's
// `/drive/{identifier}/{file}`) that this protocol's exact-path
// dispatch cannot express directly. The longest registered prefix wins
// when more than one matches.
func (c *Channel) HandlePrefix(prefix string, fn HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.prefixHandlers[prefix] = fn
}

func (c *Channel) handlerFor(path string) (HandlerFunc, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	if fn, ok := c.handlers[path]; ok {
		return fn, true
	}
	var best string
	var bestFn HandlerFunc
	for prefix, fn := range c.prefixHandlers {
		if len(prefix) > len(best) && strings.HasPrefix(path, prefix) {
			best, bestFn = prefix, fn
		}
	}
	if bestFn != nil {
		return bestFn, true
	}
	return nil, false
}

// awaitOpen blocks until both handshakes have been exchanged or the
// handshake timeout / context elapses.
func (c *Channel) awaitOpen(ctx context.T) error {
	select {
	case err := <-c.handshakeWait:
		if err == nil {
			c.handshakeWait <- nil // allow repeat waiters to observe success
		}
		return err
	case <-time.After(HandshakeTimeout):
		return fmt.Errorf("peer: handshake timed out on channel %d", c.id)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("peer: connection-closed")
	}
}

func (c *Channel) completeHandshake(remote Handshake, err error) {
	c.handshakeOnce.Do(
		func() {
			c.remote = remote
			c.opened.Store(err == nil)
			c.handshakeWait <- err
		},
	)
}

// Do sends req and blocks for the matching Response, or until ctx is
// cancelled. With no deadline on ctx the call blocks until the peer
// answers or the channel closes (spec.md §5, per-RPC timeout is
// caller-defined).
func (c *Channel) Do(ctx context.T, req *Request) (*Response, error) {
	if !c.opened.Load() {
		return nil, fmt.Errorf("peer: channel %d not open", c.id)
	}
	req.Id = c.nextReqID.Add(1)
	wait := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[req.Id] = wait
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.Id)
		c.pendingMu.Unlock()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("peer: marshal request: %w", err)
	}
	if err = c.conn.send(Frame{Channel: c.id, Kind: KindRequest, Payload: body}); err != nil {
		return nil, fmt.Errorf("peer: connection-closed: %w", err)
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("peer: connection-closed")
	}
}

func (c *Channel) handleRequest(req *Request) {
	fn, ok := c.handlerFor(req.Path)
	var resp *Response
	if !ok {
		resp = &Response{Id: req.Id, StatusCode: 404}
	} else {
		resp = fn(c.conn.ctx, req)
		if resp == nil {
			resp = &Response{Id: req.Id, StatusCode: 500}
		}
		resp.Id = req.Id
	}
	body, err := json.Marshal(resp)
	if chk.E(err) {
		return
	}
	chk.E(c.conn.send(Frame{Channel: c.id, Kind: KindResponse, Payload: body}))
}

func (c *Channel) handleResponse(resp *Response) {
	c.pendingMu.Lock()
	wait, ok := c.pending[resp.Id]
	c.pendingMu.Unlock()
	if !ok {
		log.D.F("peer: response for unknown request %d on channel %d", resp.Id, c.id)
		return
	}
	wait <- resp
}

// SendWsFrame pushes a raw forwarded frame (e.g. a queued Nostr frame
// during delegated-forwarding fallback) to the peer.
func (c *Channel) SendWsFrame(data []byte) error {
	return c.conn.send(Frame{Channel: c.id, Kind: KindWsFrame, Payload: data})
}

// WsFrames yields frames pushed by the peer via SendWsFrame.
func (c *Channel) WsFrames() <-chan []byte { return c.wsFrames }

// Probe sends a health-check and waits for the matching health-response,
// returning the observed round-trip time (spec.md §4.3).
func (c *Channel) Probe(ctx context.T) (time.Duration, error) {
	start := time.Now()
	if err := c.conn.send(Frame{Channel: c.id, Kind: KindHealthCheck}); err != nil {
		return 0, err
	}
	select {
	case <-c.health:
		return time.Since(start), nil
	case rtt := <-c.healthRTT:
		return rtt, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.closed:
		return 0, fmt.Errorf("peer: connection-closed")
	}
}

func (c *Channel) handleHealthCheck() {
	chk.E(c.conn.send(Frame{Channel: c.id, Kind: KindHealthResponse}))
}

func (c *Channel) handleHealthResponse() {
	select {
	case c.health <- struct{}{}:
	default:
	}
}

// Close tears down this channel only, without affecting the rest of the
// multiplexed Conn. Used for the short-lived, one-RPC-and-done channels
// the gateway opens for each peer request (spec.md §6.2).
func (c *Channel) Close() error {
	c.teardown(fmt.Errorf("peer: channel closed by caller"))
	c.conn.dropChannel(c.id)
	return nil
}

func (c *Channel) teardown(cause error) {
	c.closeOnce.Do(
		func() {
			close(c.closed)
			c.completeHandshake(Handshake{}, cause)
			c.pendingMu.Lock()
			for id, wait := range c.pending {
				close(wait)
				delete(c.pending, id)
			}
			c.pendingMu.Unlock()
		},
	)
}
