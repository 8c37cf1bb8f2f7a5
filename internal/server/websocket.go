package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/livetemplate/stepdeck/internal/transport"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 4096
	storeTimeout   = 2 * time.Second
)

var validRoomName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// peer is one WebSocket connection in a room.
type peer struct {
	conn    *websocket.Conn
	room    string
	role    string
	addr    string
	limiter *rate.Limiter

	writeMu sync.Mutex
	closed  bool
}

// send writes an envelope, serialized with other writers of this peer
func (p *peer) send(env transport.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return websocket.ErrCloseSent
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(env)
}

func (p *peer) close() {
	p.writeMu.Lock()
	if !p.closed {
		p.closed = true
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
	}
	p.writeMu.Unlock()
	p.conn.Close()
}

// room is the set of peers sharing one presentation. seq orders the
// relayed gotos against the catch-up sent to joining peers, so a joiner
// never receives an older position after a newer one.
type room struct {
	seq sync.Mutex

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

func newRoom() *room {
	return &room{peers: make(map[*peer]struct{})}
}

func (r *room) list() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *room) counts() (presenters, followers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		if p.role == transport.RolePresenter {
			presenters++
		} else {
			followers++
		}
	}
	return presenters, followers
}

// broadcast sends env to every peer in the room and returns how many
// peers it reached.
func (r *room) broadcast(env transport.Envelope) int {
	sent := 0
	for _, p := range r.list() {
		if err := p.send(env); err != nil {
			log.Printf("[WS] Failed to send %s to %s: %v", env.Action, p.addr, err)
			continue
		}
		sent++
	}
	return sent
}

// join adds p to its room, creating the room on first use. It returns with
// the room's seq lock held; the caller unlocks it once p has been greeted.
func (s *Server) join(p *peer) *room {
	for {
		s.mu.Lock()
		rm, ok := s.rooms[p.room]
		if !ok {
			rm = newRoom()
			s.rooms[p.room] = rm
		}
		s.mu.Unlock()

		rm.seq.Lock()
		s.mu.Lock()
		if s.rooms[p.room] != rm {
			// The room emptied and was dropped while we waited
			s.mu.Unlock()
			rm.seq.Unlock()
			continue
		}
		rm.mu.Lock()
		rm.peers[p] = struct{}{}
		n := len(rm.peers)
		rm.mu.Unlock()
		s.mu.Unlock()

		log.Printf("[Server] %s joined room %q as %s: %d connection(s)", p.addr, p.room, p.role, n)
		return rm
	}
}

// leave removes p from its room and drops the room once it is empty.
func (s *Server) leave(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[p.room]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.peers, p)
	n := len(rm.peers)
	rm.mu.Unlock()
	if n == 0 {
		delete(s.rooms, p.room)
	}
	log.Printf("[Server] %s left room %q: %d connection(s)", p.addr, p.room, n)
}

// broadcast sends env to the named room, if it has any connections.
func (s *Server) broadcast(roomName string, env transport.Envelope) int {
	s.mu.RLock()
	rm, ok := s.rooms[roomName]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return rm.broadcast(env)
}

// serveWebSocket handles /ws?room=<name>&role=presenter|follower.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	roomName := q.Get("room")
	if roomName == "" {
		roomName = s.config.Sync.GetRoom()
	}
	if !validRoomName.MatchString(roomName) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	role := q.Get("role")
	if role == "" {
		role = transport.RoleFollower
	}
	if !transport.ValidRole(role) {
		http.Error(w, "role must be presenter or follower", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade connection: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := &peer{
		conn:    conn,
		room:    roomName,
		role:    role,
		addr:    getClientIP(r),
		limiter: rate.NewLimiter(rate.Limit(s.config.Server.GetMessagesPerSecond()), s.config.Server.GetBurst()),
	}

	rm := s.join(p)
	defer func() {
		s.leave(p)
		p.close()
	}()

	s.greet(r.Context(), p, rm)
	rm.seq.Unlock()
	s.readLoop(p, rm)
}

// greet sends a new peer the room summary, then the room's last goto so a
// late joiner lands where the presenter is. The caller holds rm.seq.
func (s *Server) greet(ctx context.Context, p *peer, rm *room) {
	presenters, followers := rm.counts()
	state, err := transport.NewEnvelope(transport.ActionState, p.room, transport.StateData{
		Room:       p.room,
		Role:       p.role,
		Presenters: presenters,
		Followers:  followers,
	})
	if err == nil {
		if err := p.send(state); err != nil {
			log.Printf("[WS] Failed to send state to %s: %v", p.addr, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	last, err := s.store.Load(ctx, p.room)
	if err != nil {
		log.Printf("[Store] Failed to load room %q: %v", p.room, err)
		return
	}
	if last == nil {
		return
	}

	env, err := transport.NewEnvelope(transport.ActionGoto, p.room, last)
	if err != nil {
		log.Printf("[WS] %v", err)
		return
	}
	if err := p.send(env); err != nil {
		log.Printf("[WS] Failed to send catch-up goto to %s: %v", p.addr, err)
		return
	}
	if s.debug {
		log.Printf("[WS] Caught up %s to #%s", p.addr, last.Step)
	}
}

func (s *Server) readLoop(p *peer, rm *room) {
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Unexpected close from %s: %v", p.addr, err)
			}
			return
		}

		if !p.limiter.Allow() {
			if s.debug {
				log.Printf("[WS] Rate limit exceeded for %s, dropping message", p.addr)
			}
			continue
		}

		if s.debug {
			log.Printf("[WS] Received from %s: %s", p.addr, message)
		}

		var env transport.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[WS] Ignoring malformed message from %s: %v", p.addr, err)
			continue
		}

		switch env.Action {
		case transport.ActionGoto:
			s.handleGoto(p, rm, env)
		default:
			if s.debug {
				log.Printf("[WS] Ignoring action %q from %s", env.Action, p.addr)
			}
		}
	}
}

// handleGoto stores a presenter's goto as the room's last position and
// relays it to the whole room, sender included. A goto without a step
// keeps the room's stored step.
func (s *Server) handleGoto(p *peer, rm *room, env transport.Envelope) {
	if p.role != transport.RolePresenter {
		if s.debug {
			log.Printf("[WS] Ignoring goto from follower %s", p.addr)
		}
		return
	}

	ev, err := env.Goto()
	if err != nil {
		log.Printf("[WS] %v", err)
		return
	}

	rm.seq.Lock()
	defer rm.seq.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if ev.Step == "" {
		last, err := s.store.Load(ctx, p.room)
		if err != nil {
			log.Printf("[Store] Failed to load room %q: %v", p.room, err)
			return
		}
		if last == nil || last.Step == "" {
			log.Printf("[WS] Dropping goto without a step from %s: room %q has no position", p.addr, p.room)
			return
		}
		ev.Step = last.Step
	}

	if entry, err := s.Deck(); err == nil && !entry.Registry.Has(ev.Step) {
		log.Printf("[WS] Dropping goto for unknown step %q from %s", ev.Step, p.addr)
		return
	}

	if err := s.store.Save(ctx, p.room, *ev); err != nil {
		log.Printf("[Store] Failed to save room %q: %v", p.room, err)
	}

	out, err := transport.NewEnvelope(transport.ActionGoto, p.room, ev)
	if err != nil {
		log.Printf("[WS] %v", err)
		return
	}
	n := rm.broadcast(out)
	if s.debug {
		log.Printf("[WS] Relayed goto #%s in room %q to %d connection(s)", ev.Step, p.room, n)
	}
}
