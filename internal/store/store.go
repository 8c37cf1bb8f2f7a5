// Package store keeps the last goto event of each relay room so that
// connections joining late, or a restarted relay, can catch up.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/livetemplate/stepdeck"
	"github.com/livetemplate/stepdeck/internal/config"
)

// Store persists the last position per room.
// Load returns (nil, nil) when the room has no recorded position.
type Store interface {
	Save(ctx context.Context, room string, ev stepdeck.GotoEvent) error
	Load(ctx context.Context, room string) (*stepdeck.GotoEvent, error)
	Close() error
}

// Open creates the store selected by cfg
func Open(cfg config.StoreConfig) (Store, error) {
	switch driver := cfg.GetDriver(); driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "postgres":
		return OpenSQL(driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// Memory is a Store backed by a map
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]stepdeck.GotoEvent
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]stepdeck.GotoEvent)}
}

func (m *Memory) Save(_ context.Context, room string, ev stepdeck.GotoEvent) error {
	m.mu.Lock()
	m.rooms[room] = ev
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, room string) (*stepdeck.GotoEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) Close() error { return nil }
