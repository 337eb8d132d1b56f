package events

import (
	"context"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

// Fanout delivers every event to each dispatcher in order.
type Fanout []auth.Dispatcher

func (f Fanout) Dispatch(ctx context.Context, ev auth.Event) {
	for _, d := range f {
		if d != nil {
			d.Dispatch(ctx, ev)
		}
	}
}

// Metrics counts events in identity_events_total.
type Metrics struct{}

func (Metrics) Dispatch(_ context.Context, ev auth.Event) {
	obs.CountIdentityEvent(string(ev.Type))
}
