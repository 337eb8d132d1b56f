package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherEnvelope(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "", map[string]string{"account_locked": "helpdesk.security"})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p.Dispatch(context.Background(), auth.Event{Type: auth.EventLogin, IdentityID: "id-1", IP: "10.0.0.1", OccurredAt: at})
	p.Dispatch(context.Background(), auth.Event{Type: auth.EventAccountLocked, IdentityID: "id-1", OccurredAt: at})

	require.Len(t, w.msgs, 2)
	require.Equal(t, DefaultTopic, w.msgs[0].Topic)
	require.Equal(t, "helpdesk.security", w.msgs[1].Topic)
	require.Equal(t, []byte("id-1"), w.msgs[0].Key)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	require.Equal(t, "login", env.Type)
	require.Equal(t, "id-1", env.IdentityID)
	require.Equal(t, "10.0.0.1", env.IP)
	require.True(t, env.OccurredAt.Equal(at))
	require.NotEmpty(t, env.ID)
}

func TestKafkaPublisherSurvivesCancelledContext(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "topic", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Publish(ctx, auth.Event{Type: auth.EventLogout, IdentityID: "id-1"}))
	require.Len(t, w.msgs, 1)
}

func TestKafkaPublisherDispatchSwallowsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "topic", nil)
	require.Error(t, p.Publish(context.Background(), auth.Event{Type: auth.EventLogin}))
	p.Dispatch(context.Background(), auth.Event{Type: auth.EventLogin})
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "", nil)
	require.Error(t, err)
}

func TestFanoutAndMetrics(t *testing.T) {
	var got []auth.EventType
	record := auth.DispatcherFunc(func(_ context.Context, ev auth.Event) { got = append(got, ev.Type) })
	before := obs.IdentityEventCount("user_created")

	Fanout{record, nil, Metrics{}, record}.Dispatch(context.Background(), auth.Event{Type: auth.EventUserCreated})

	require.Equal(t, []auth.EventType{auth.EventUserCreated, auth.EventUserCreated}, got)
	require.Equal(t, float64(1), obs.IdentityEventCount("user_created")-before)
}
