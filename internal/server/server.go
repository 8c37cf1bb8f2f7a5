// Package server implements the stepdeck relay: a WebSocket hub that fans a
// presenter's goto events out to every follower in the same room, plus a
// JSON endpoint serving the current deck.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/stepdeck"
	"github.com/livetemplate/stepdeck/internal/cache"
	"github.com/livetemplate/stepdeck/internal/config"
	"github.com/livetemplate/stepdeck/internal/store"
	"github.com/livetemplate/stepdeck/internal/transport"
)

// Server is the stepdeck relay server.
type Server struct {
	deckPath string
	config   *config.Config
	cache    *cache.DeckCache
	store    store.Store
	upgrader websocket.Upgrader
	debug    bool

	mu    sync.RWMutex
	rooms map[string]*room

	watcher *Watcher
}

// DeckResponse is the body of GET /deck
type DeckResponse struct {
	Title   string          `json:"title,omitempty"`
	Offset  int             `json:"offset,omitempty"`
	Initial stepdeck.StepID `json:"initial,omitempty"`
	Index   stepdeck.Index  `json:"index"`

	Titles map[stepdeck.StepID]string `json:"titles,omitempty"`
}

// RoomSummary is one entry of GET /rooms
type RoomSummary struct {
	Room       string              `json:"room"`
	Presenters int                 `json:"presenters"`
	Followers  int                 `json:"followers"`
	Last       *stepdeck.GotoEvent `json:"last,omitempty"`
}

// New creates a relay for the deck at deckPath. A nil store keeps room
// positions in memory.
func New(deckPath string, cfg *config.Config, st store.Store) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if st == nil {
		st = store.NewMemory()
	}
	if abs, err := filepath.Abs(deckPath); err == nil {
		deckPath = abs
	}

	s := &Server{
		deckPath: deckPath,
		config:   cfg,
		cache:    cache.NewDeckCache(cfg.Features.GetDeckCacheTTL()),
		store:    st,
		debug:    cfg.Server.Debug,
		rooms:    make(map[string]*room),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: checkOrigin(cfg.Server.AllowedOrigins),
	}
	return s
}

// DeckPath returns the absolute path of the served deck
func (s *Server) DeckPath() string {
	return s.deckPath
}

// Deck returns the parsed deck, from the cache when it is fresh.
func (s *Server) Deck() (*cache.Entry, error) {
	return s.cache.Get(s.deckPath)
}

// Handler returns the server wrapped in its HTTP middleware
func (s *Server) Handler() http.Handler {
	return CORSMiddleware(s.config.Server.AllowedOrigins)(s)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ws":
		s.serveWebSocket(w, r)
	case "/deck":
		withCompression(http.HandlerFunc(s.serveDeck)).ServeHTTP(w, r)
	case "/rooms":
		s.serveRooms(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveDeck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entry, err := s.Deck()
	if err != nil {
		log.Printf("[Server] Failed to load deck %s: %v", s.deckPath, err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	titles := make(map[stepdeck.StepID]string)
	for i, step := range entry.Deck.Steps {
		if step.Title != "" {
			titles[entry.Registry.At(i)] = step.Title
		}
	}

	writeJSON(w, http.StatusOK, DeckResponse{
		Title:   entry.Deck.Title,
		Offset:  entry.Deck.Offset,
		Initial: entry.Deck.Initial,
		Index:   entry.Registry.Index(),
		Titles:  titles,
	})
}

func (s *Server) serveRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.Rooms(r.Context()))
}

// Rooms summarizes the rooms that currently have connections
func (s *Server) Rooms(ctx context.Context) []RoomSummary {
	s.mu.RLock()
	summaries := make([]RoomSummary, 0, len(s.rooms))
	for name, rm := range s.rooms {
		p, f := rm.counts()
		summaries = append(summaries, RoomSummary{Room: name, Presenters: p, Followers: f})
	}
	s.mu.RUnlock()

	for i := range summaries {
		last, err := s.store.Load(ctx, summaries[i].Room)
		if err != nil {
			log.Printf("[Store] Failed to load room %q: %v", summaries[i].Room, err)
			continue
		}
		summaries[i].Last = last
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Room < summaries[j].Room })
	return summaries
}

// BroadcastReload tells every connection in every room that the deck changed.
func (s *Server) BroadcastReload(file string) {
	rel, err := filepath.Rel(filepath.Dir(s.deckPath), file)
	if err != nil {
		rel = filepath.Base(file)
	}

	s.mu.RLock()
	rooms := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		rooms = append(rooms, name)
	}
	s.mu.RUnlock()

	for _, name := range rooms {
		env, err := transport.NewEnvelope(transport.ActionReload, name, transport.ReloadData{File: rel})
		if err != nil {
			log.Printf("[Server] Failed to marshal reload message: %v", err)
			return
		}
		n := s.broadcast(name, env)
		log.Printf("[Server] Broadcasting reload for %s to %d connection(s) in room %q", rel, n, name)
	}
}

// EnableWatch reloads the deck and notifies clients when the deck file changes.
func (s *Server) EnableWatch() error {
	watcher, err := NewWatcher(s.deckPath, func(file string) error {
		s.cache.Invalidate(s.deckPath)

		// Parse now so a broken edit is reported instead of broadcast
		if _, err := s.Deck(); err != nil {
			return fmt.Errorf("deck no longer parses: %w", err)
		}

		s.BroadcastReload(file)
		return nil
	}, s.debug)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()

	log.Printf("[Watch] Watching %s", s.deckPath)
	return nil
}

// StopWatch stops the deck watcher if it's running.
func (s *Server) StopWatch() error {
	if s.watcher != nil {
		w := s.watcher
		s.watcher = nil
		return w.Stop()
	}
	return nil
}

// Close disconnects every client and releases the cache and store.
func (s *Server) Close() error {
	s.StopWatch()

	s.mu.Lock()
	var peers []*peer
	for _, rm := range s.rooms {
		peers = append(peers, rm.list()...)
	}
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}

	s.cache.Stop()
	return s.store.Close()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}
