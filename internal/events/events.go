// Package events publishes ledger facts to a message broker after they
// have been committed. Delivery is best effort: a failed publish never
// undoes a committed ledger change.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	PointsEarned       Type = "points.earned"
	PointsSpent        Type = "points.spent"
	PointsExpired      Type = "points.expired"
	PointsAdjusted     Type = "points.adjusted"
	RedemptionCreated  Type = "redemption.created"
	RedemptionConsumed Type = "redemption.consumed"
)

// Event is the envelope written to the broker.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       Type      `json:"type"`
	CustomerID string    `json:"customer_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

func New(t Type, customerID string, at time.Time, data any) Event {
	return Event{ID: uuid.New(), Type: t, CustomerID: customerID, OccurredAt: at, Data: data}
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the published event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
