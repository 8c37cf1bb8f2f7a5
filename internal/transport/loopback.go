package transport

import (
	"sync"

	"github.com/livetemplate/stepdeck"
)

// Loopback is an in-memory transport that delivers emitted events back to
// its own handler. Events queue until Drain so that delivery never happens
// while the emitting engine holds its lock.
type Loopback struct {
	mu      sync.Mutex
	handler func(*stepdeck.GotoEvent)
	queue   []stepdeck.GotoEvent
	emitted []stepdeck.GotoEvent
	peers   []*Loopback
}

var _ stepdeck.Transport = (*Loopback)(nil)

// NewLoopback creates a loopback transport
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Link makes events emitted on l also queue on each peer, the way a relay
// fans a presenter's goto out to followers.
func (l *Loopback) Link(peers ...*Loopback) {
	l.mu.Lock()
	l.peers = append(l.peers, peers...)
	l.mu.Unlock()
}

func (l *Loopback) OnGoto(fn func(*stepdeck.GotoEvent)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Loopback) OffGoto() {
	l.mu.Lock()
	l.handler = nil
	l.mu.Unlock()
}

func (l *Loopback) EmitGoto(ev stepdeck.GotoEvent) error {
	l.mu.Lock()
	l.emitted = append(l.emitted, ev)
	l.queue = append(l.queue, ev)
	peers := append([]*Loopback(nil), l.peers...)
	l.mu.Unlock()

	for _, p := range peers {
		p.enqueue(ev)
	}
	return nil
}

func (l *Loopback) enqueue(ev stepdeck.GotoEvent) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
}

// Drain delivers queued events to the handler and returns how many were
// delivered. Events emitted by the handler itself are delivered too.
func (l *Loopback) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		handler := l.handler
		l.mu.Unlock()

		if handler != nil {
			handler(&ev)
		}
		n++
	}
}

// Emitted returns every event emitted so far
func (l *Loopback) Emitted() []stepdeck.GotoEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stepdeck.GotoEvent(nil), l.emitted...)
}
