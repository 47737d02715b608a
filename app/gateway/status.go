package gateway

import (
	"time"

	"hypertuna.dev/protocol/peer"
)

// StatusEventKind names a session lifecycle transition (spec.md §9's
// "statically typed observer registration" note).
type StatusEventKind string

const (
	StatusOpened         StatusEventKind = "opened"
	StatusPeerSelected   StatusEventKind = "peer-selected"
	StatusPeerFailedOver StatusEventKind = "peer-failed-over"
	StatusClosed         StatusEventKind = "closed"
)

// StatusEvent is one session state transition, emitted to every
// registered StatusSubscriber. Peer is nil for transitions that aren't
// about a specific peer (opened, closed).
type StatusEvent struct {
	SessionKey string
	RelayKey   string
	Kind       StatusEventKind
	Peer       *peer.Key
	At         time.Time
}

// StatusSubscriber receives every StatusEvent emitted by the gateway.
// Subscribers run synchronously on the emitting goroutine and must not
// block.
type StatusSubscriber func(StatusEvent)

// OnStatus registers fn to receive every future StatusEvent. It is safe
// to call concurrently with session activity.
func (d *Deps) OnStatus(fn StatusSubscriber) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.statusSubs = append(d.statusSubs, fn)
}

// emitStatus fans ev out to every subscriber registered via OnStatus. A
// nil or empty subscriber list is the common case and costs one RLock.
func (d *Deps) emitStatus(ev StatusEvent) {
	d.statusMu.RLock()
	subs := d.statusSubs
	d.statusMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	ev.At = time.Now()
	for _, fn := range subs {
		fn(ev)
	}
}
