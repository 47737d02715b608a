// Package pool maintains at most one live peer connection per PeerKey,
// coalescing concurrent dial attempts the way the teacher's ws.Pool
// coalesces relay connects, and replacing an outbound attempt with an
// inbound connection from the same peer whenever one arrives.
package pool

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// MaxLocks sizes the fixed pool of named mutexes used to coalesce
// concurrent connect attempts for the same peer key without allocating a
// mutex per key (grounded on the teacher's namedLock/MAX_LOCKS scheme).
const MaxLocks = 50

var namedMutexPool = make([]sync.Mutex, MaxLocks)

//go:noescape
//go:linkname memhash runtime.memhash
func memhash(p unsafe.Pointer, h, s uintptr) uintptr

func namedLock(key peer.Key) (unlock func()) {
	idx := uint64(memhash(unsafe.Pointer(&key[0]), 0, uintptr(len(key)))) % MaxLocks
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// Dialer opens a raw transport connection to a peer's advertised address.
type Dialer func(ctx context.T, addr string) (net.Conn, error)

// Entry is one pooled connection, keyed by PeerKey.
type Entry struct {
	Key         peer.Key
	Addr        string
	Conn        *peer.Conn
	Inbound     bool
	ConnectedAt time.Time
}

// Pool is the single authority on "is there a live connection to this
// peer" for every other component (health manager, dispatcher, gateway
// session core). One Conn per PeerKey, ever (spec.md C2).
type Pool struct {
	ctx    context.T
	cancel context.F

	entries *xsync.MapOf[peer.Key, *Entry]

	// connectGroup coalesces concurrent Ensure calls for the same peer
	// key onto a single in-flight dial, so a burst of callers wanting
	// the same connection never opens more than one (golang.org/x/sync's
	// singleflight, replacing a second dial-coalescing path on top of
	// the teacher's namedLock scheme, which still guards the entries-map
	// swap against a concurrent Accept).
	connectGroup singleflight.Group

	dial  Dialer
	ident peer.Identity

	// onAccepted lets embedders (e.g. the health manager) observe every
	// channel opened on a pooled connection, inbound or outbound.
	onAccepted func(key peer.Key, ch *peer.Channel)
	onClosed   func(key peer.Key, cause error)

	connectTimeout time.Duration
}

// New constructs an empty Pool. dial is used for outbound connects;
// ident is advertised in every handshake this pool completes.
func New(ctx context.T, dial Dialer, ident peer.Identity) *Pool {
	cctx, cancel := context.Cancel(ctx)
	return &Pool{
		ctx:            cctx,
		cancel:         cancel,
		entries:        xsync.NewMapOf[peer.Key, *Entry](),
		dial:           dial,
		ident:          ident,
		connectTimeout: 15 * time.Second,
	}
}

// OnAccepted sets the hook invoked whenever a peer opens a channel on a
// pooled connection (inbound or outbound).
func (p *Pool) OnAccepted(fn func(key peer.Key, ch *peer.Channel)) { p.onAccepted = fn }

// OnClosed sets the hook invoked when a pooled connection tears down.
func (p *Pool) OnClosed(fn func(key peer.Key, cause error)) { p.onClosed = fn }

// Get returns the live connection for key, if any, without attempting to
// dial one.
func (p *Pool) Get(key peer.Key) (*Entry, bool) {
	return p.entries.Load(key)
}

// Ensure returns the pooled connection for key, dialing one if none is
// live. Concurrent callers for the same key coalesce onto a single dial
// (grounded on the teacher's EnsureRelay pattern, coalesced here with
// singleflight instead of a bespoke in-flight-call map).
func (p *Pool) Ensure(ctx context.T, key peer.Key, addr string) (*Entry, error) {
	if e, ok := p.entries.Load(key); ok {
		return e, nil
	}

	v, err, _ := p.connectGroup.Do(
		key.String(), func() (any, error) {
			if e, ok := p.entries.Load(key); ok {
				return e, nil
			}

			dialCtx, cancel := context.TimeoutCause(
				ctx, p.connectTimeout, fmt.Errorf("pool: connecting to %s timed out", addr),
			)
			defer cancel()

			nc, dialErr := p.dial(dialCtx, addr)
			if dialErr != nil {
				return nil, fmt.Errorf("pool: dial %s: %w", addr, dialErr)
			}

			unlock := namedLock(key)
			defer unlock()
			if e, ok := p.entries.Load(key); ok {
				// an inbound Accept won the race while we were dialing.
				_ = nc.Close()
				return e, nil
			}

			conn := peer.NewConn(p.ctx, nc, p.ident, p.hooksFor(key))
			e := &Entry{Key: key, Addr: addr, Conn: conn, ConnectedAt: time.Now()}
			p.entries.Store(key, e)
			log.I.F("pool: connected to peer %s at %s", key, addr)
			return e, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Accept installs an inbound connection for key, replacing (and closing)
// any existing entry — spec.md C2's "inbound supersedes" invariant.
func (p *Pool) Accept(key peer.Key, addr string, nc net.Conn) *Entry {
	defer namedLock(key)()

	if old, ok := p.entries.Load(key); ok {
		log.I.F("pool: inbound connection from %s supersedes existing entry", key)
		_ = old.Conn.Close()
	}

	conn := peer.NewConn(p.ctx, nc, p.ident, p.hooksFor(key))
	e := &Entry{Key: key, Addr: addr, Conn: conn, Inbound: true, ConnectedAt: time.Now()}
	p.entries.Store(key, e)
	return e
}

func (p *Pool) hooksFor(key peer.Key) peer.Hooks {
	return peer.Hooks{
		OnAccept: func(ch *peer.Channel) {
			if p.onAccepted != nil {
				p.onAccepted(key, ch)
			}
		},
		OnConnectionClosed: func(cause error) {
			p.destroy(key, cause)
		},
	}
}

// Destroy closes and forgets the entry for key, if any (e.g. when the
// health manager trips a circuit breaker and wants to force a redial).
func (p *Pool) Destroy(key peer.Key) {
	p.destroy(key, fmt.Errorf("pool: destroyed by caller"))
}

func (p *Pool) destroy(key peer.Key, cause error) {
	e, ok := p.entries.LoadAndDelete(key)
	if !ok {
		return
	}
	_ = e.Conn.Close()
	if p.onClosed != nil {
		p.onClosed(key, cause)
	}
}

// Len reports the number of live pooled connections.
func (p *Pool) Len() int { return p.entries.Size() }

// Keys returns every peer key with a live connection.
func (p *Pool) Keys() []peer.Key {
	out := make([]peer.Key, 0, p.entries.Size())
	p.entries.Range(
		func(k peer.Key, _ *Entry) bool {
			out = append(out, k)
			return true
		},
	)
	return out
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.cancel()
	p.entries.Range(
		func(k peer.Key, e *Entry) bool {
			_ = e.Conn.Close()
			return true
		},
	)
}
