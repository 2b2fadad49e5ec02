package fanout

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scope is the granularity an event is broadcast at.
type Scope string

const (
	// ScopeConnection reaches everyone watching one messaging session
	ScopeConnection Scope = "connection"
	// ScopeConversation reaches everyone viewing one thread
	ScopeConversation Scope = "conversation"
)

// Event types.
const (
	EventQR        = "qr"
	EventStatus    = "status"
	EventDuplicate = "duplicate"
	EventRemoved   = "removed"
	EventMessage   = "message"
	EventPreview   = "preview"
	EventMedia     = "media"
	EventRead      = "read"
)

// Event is the unit delivered to subscribers and sinks.
type Event struct {
	Type         string      `json:"type"`
	Scope        Scope       `json:"scope"`
	Key          string      `json:"key"`
	ConnectionID string      `json:"connection_id"`
	OwnerID      string      `json:"owner_id,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	At           time.Time   `json:"at"`
}

// NewConnectionEvent builds an event addressed to a session's subscribers.
func NewConnectionEvent(typ, connectionID, ownerID string, data interface{}) *Event {
	return &Event{
		Type:         typ,
		Scope:        ScopeConnection,
		Key:          connectionID,
		ConnectionID: connectionID,
		OwnerID:      ownerID,
		Data:         data,
		At:           time.Now(),
	}
}

// NewConversationEvent builds an event addressed to a thread's viewers.
func NewConversationEvent(typ, conversationID, connectionID, ownerID string, data interface{}) *Event {
	return &Event{
		Type:         typ,
		Scope:        ScopeConversation,
		Key:          conversationID,
		ConnectionID: connectionID,
		OwnerID:      ownerID,
		Data:         data,
		At:           time.Now(),
	}
}

// Encode renders the wire form shared by websocket, redis and kafka.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
