// Package events pushes engine events to websocket subscribers.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	NetworkChanged         = "network.changed"
	SyncCompleted          = "sync.completed"
	ActionDeadLettered     = "action.dead_lettered"
	ConnectionConnected    = "connection.connected"
	ConnectionFailed       = "connection.failed"
	ConnectionDisconnected = "connection.disconnected"
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher receives engine events.
type Publisher interface {
	Broadcast(eventType string, data any)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Broadcast(string, any) {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Broadcast(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
