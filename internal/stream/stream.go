// Package stream fans identity events out to live subscribers such as the staff activity
// feed.
package stream

import (
	"context"
	"sync"
	"time"

	"helpdesk.org/internal/auth"
)

// Activity is the subscriber view of an identity event.
type Activity struct {
	Type       string            `json:"type"`
	IdentityID string            `json:"identity_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Stream fan-outs activity to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Activity
	next int
	size int
}

var _ auth.Dispatcher = (*Stream)(nil)

// New initialises an empty stream whose subscribers buffer up to 16 events.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Activity), size: 16}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Activity {
	ch := make(chan Activity, s.size)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports how many subscribers are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Activity) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Dispatch publishes an identity event.
func (s *Stream) Dispatch(_ context.Context, ev auth.Event) {
	var fields map[string]string
	if len(ev.Fields) > 0 {
		fields = make(map[string]string, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = v
		}
	}
	s.Publish(Activity{
		Type:       string(ev.Type),
		IdentityID: ev.IdentityID,
		ActorID:    ev.ActorID,
		IP:         ev.IP,
		Fields:     fields,
		Timestamp:  ev.OccurredAt.UTC(),
	})
}
