// Package events publishes task lifecycle notifications so other processes
// can react to a task starting or finishing without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
)

// Event is a single lifecycle notification
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	Task    string    `json:"task"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATS publishes events as JSON on a subject derived from the event type.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to the NATS server at url. Events go to
// "<subject>.<event type>".
func NewNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("barkest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: subject}, nil
}

// Publish sends ev. The context is only checked before sending; NATS
// publishes are buffered by the client.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(n.subject, ev.Type), body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
