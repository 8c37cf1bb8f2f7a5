// Package transport carries goto events between navigation engines over the
// relay server's WebSocket protocol.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/livetemplate/stepdeck"
)

// Envelope actions
const (
	ActionGoto   = "goto"
	ActionReload = "reload"
	ActionState  = "state"
)

// Connection roles
const (
	RolePresenter = "presenter"
	RoleFollower  = "follower"
)

// Envelope is the message framing shared by the relay server and clients.
type Envelope struct {
	Action string          `json:"action"`
	Room   string          `json:"room,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ReloadData is the payload of a reload envelope
type ReloadData struct {
	File string `json:"file"`
}

// StateData is the payload of the state envelope sent to each new connection
type StateData struct {
	Room       string `json:"room"`
	Role       string `json:"role"`
	Presenters int    `json:"presenters"`
	Followers  int    `json:"followers"`
}

// NewEnvelope marshals data into an envelope for action
func NewEnvelope(action, room string, data any) (Envelope, error) {
	env := Envelope{Action: action, Room: room}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}
	env.Data = raw
	return env, nil
}

// Goto decodes the payload of a goto envelope
func (e Envelope) Goto() (*stepdeck.GotoEvent, error) {
	if e.Action != ActionGoto {
		return nil, fmt.Errorf("envelope action is %q, not %q", e.Action, ActionGoto)
	}
	var ev stepdeck.GotoEvent
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid goto payload: %w", err)
		}
	}
	return &ev, nil
}

// ValidRole reports whether role is a known connection role
func ValidRole(role string) bool {
	return role == RolePresenter || role == RoleFollower
}
