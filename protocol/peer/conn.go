package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// Identity is the local side's answer to every handshake this Conn
// completes, whether it opens the channel or accepts one.
type Identity struct {
	Role                     string
	Capabilities             []string
	HyperbeeKey              string
	HyperbeeLength           uint64
	HyperbeeContiguousLength uint64
	DelegateReqToPeers       bool
}

func (id Identity) handshake(isServer bool) Handshake {
	return Handshake{
		Version:                  HandshakeVersion,
		IsServer:                 isServer,
		Role:                     id.Role,
		Capabilities:             id.Capabilities,
		HyperbeeKey:              id.HyperbeeKey,
		HyperbeeLength:           id.HyperbeeLength,
		HyperbeeContiguousLength: id.HyperbeeContiguousLength,
		DelegateReqToPeers:       id.DelegateReqToPeers,
	}
}

// Hooks lets an embedder observe connection-level events without the Conn
// needing to know anything about gateways, dispatchers or health managers —
// each hook is independently optional and statically typed, rather than a
// single untyped event-bus callback.
type Hooks struct {
	OnAccept           func(ch *Channel)
	OnTelemetry        func(ch *Channel, t Telemetry)
	OnWsFrame          func(ch *Channel, data []byte)
	OnConnectionClosed func(cause error)
}

// Conn multiplexes any number of Channels over one net.Conn. There is
// exactly one Conn per underlying socket; the connection pool (C2) is
// responsible for having at most one live Conn per PeerKey.
type Conn struct {
	ctx    context.T
	cancel context.F
	nc     net.Conn
	ident  Identity
	hooks  Hooks

	writeMu sync.Mutex

	chMu     sync.Mutex
	channels map[uint32]*Channel
	nextID   atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps nc and starts its read loop. The returned Conn is ready
// for OpenChannel calls immediately; inbound channel opens are delivered
// to hooks.OnAccept.
func NewConn(ctx context.T, nc net.Conn, ident Identity, hooks Hooks) *Conn {
	cctx, cancel := context.Cancel(ctx)
	c := &Conn{
		ctx:      cctx,
		cancel:   cancel,
		nc:       nc,
		ident:    ident,
		hooks:    hooks,
		channels: make(map[uint32]*Channel),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("peer: connection-closed")
	default:
	}
	return writeFrame(c.nc, f)
}

// OpenChannel allocates a new channel id, sends this side's handshake, and
// blocks until the peer's handshake arrives or HandshakeTimeout elapses
// (spec.md §4.1, B1).
func (c *Conn) OpenChannel(ctx context.T) (*Channel, error) {
	id := c.nextID.Add(1)
	ch := newChannel(id, c, true)
	c.chMu.Lock()
	c.channels[id] = ch
	c.chMu.Unlock()

	hs := c.ident.handshake(false)
	if err := c.sendHandshake(id, hs); err != nil {
		c.dropChannel(id)
		return nil, err
	}
	if err := ch.awaitOpen(ctx); err != nil {
		c.dropChannel(id)
		return nil, err
	}
	return ch, nil
}

func (c *Conn) sendHandshake(id uint32, hs Handshake) error {
	body, err := marshalHandshake(hs)
	if err != nil {
		return err
	}
	return c.send(Frame{Channel: id, Kind: KindHandshake, Payload: body})
}

func (c *Conn) dropChannel(id uint32) {
	c.chMu.Lock()
	delete(c.channels, id)
	c.chMu.Unlock()
}

func (c *Conn) readLoop() {
	var cause error
	defer func() {
		c.teardown(cause)
	}()
	for {
		f, err := readFrame(c.nc)
		if err != nil {
			cause = err
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f Frame) {
	switch f.Kind {
	case KindHandshake:
		c.onHandshake(f)
	case KindRequest:
		c.withChannel(f.Channel, func(ch *Channel) {
			var req Request
			if chk.E(unmarshalInto(f.Payload, &req)) {
				return
			}
			ch.handleRequest(&req)
		})
	case KindResponse:
		c.withChannel(f.Channel, func(ch *Channel) {
			var resp Response
			if chk.E(unmarshalInto(f.Payload, &resp)) {
				return
			}
			ch.handleResponse(&resp)
		})
	case KindWsFrame:
		c.withChannel(f.Channel, func(ch *Channel) {
			select {
			case ch.wsFrames <- f.Payload:
			default:
				log.W.F("peer: wsFrame dropped, channel %d consumer too slow", ch.id)
			}
			if c.hooks.OnWsFrame != nil {
				c.hooks.OnWsFrame(ch, f.Payload)
			}
		})
	case KindHealthCheck:
		c.withChannel(f.Channel, func(ch *Channel) { ch.handleHealthCheck() })
	case KindHealthResponse:
		c.withChannel(f.Channel, func(ch *Channel) { ch.handleHealthResponse() })
	case KindTelemetry:
		c.withChannel(f.Channel, func(ch *Channel) {
			var t Telemetry
			if chk.E(unmarshalInto(f.Payload, &t)) {
				return
			}
			if c.hooks.OnTelemetry != nil {
				c.hooks.OnTelemetry(ch, t)
			}
		})
	default:
		log.D.F("peer: unknown frame kind %d on channel %d", f.Kind, f.Channel)
	}
}

func (c *Conn) onHandshake(f Frame) {
	var remote Handshake
	if chk.E(unmarshalInto(f.Payload, &remote)) {
		return
	}

	c.chMu.Lock()
	ch, exists := c.channels[f.Channel]
	c.chMu.Unlock()

	if exists {
		// Either this completes a channel WE opened, or a peer is
		// retrying an open against an id we already hold — the
		// latter gets a distinct rejection rather than silently
		// clobbering the live channel.
		if ch.isLocal && !ch.opened.Load() {
			ch.completeHandshake(remote, nil)
			return
		}
		chk.E(
			c.send(
				Frame{
					Channel: f.Channel, Kind: KindHandshake,
					Payload: mustMarshalHandshake(Handshake{Version: HandshakeVersion}),
				},
			),
		)
		log.W.F("peer: rejected duplicate channel-open on id %d", f.Channel)
		return
	}

	// Fresh inbound open.
	ch = newChannel(f.Channel, c, false)
	c.chMu.Lock()
	c.channels[f.Channel] = ch
	c.chMu.Unlock()

	reply := c.ident.handshake(true)
	if err := c.sendHandshake(f.Channel, reply); chk.E(err) {
		c.dropChannel(f.Channel)
		return
	}
	ch.completeHandshake(remote, nil)
	ch.opened.Store(true)

	if c.hooks.OnAccept != nil {
		c.hooks.OnAccept(ch)
	}
}

func (c *Conn) withChannel(id uint32, fn func(ch *Channel)) {
	c.chMu.Lock()
	ch, ok := c.channels[id]
	c.chMu.Unlock()
	if !ok {
		log.D.F("peer: frame for unknown channel %d", id)
		return
	}
	fn(ch)
}

// Close tears down the underlying connection and every channel on it.
func (c *Conn) Close() error {
	c.teardown(fmt.Errorf("peer: closed locally"))
	return c.nc.Close()
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(
		func() {
			close(c.closed)
			c.cancel()
			c.chMu.Lock()
			chs := make([]*Channel, 0, len(c.channels))
			for _, ch := range c.channels {
				chs = append(chs, ch)
			}
			c.chMu.Unlock()
			for _, ch := range chs {
				ch.teardown(cause)
			}
			if c.hooks.OnConnectionClosed != nil {
				c.hooks.OnConnectionClosed(cause)
			}
		},
	)
}

// RemoteAddr reports the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
