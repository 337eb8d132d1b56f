package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Recorder writes every identity event to the audit log.
type Recorder struct{}

var _ auth.Dispatcher = Recorder{}

// Dispatch logs ev under "identity.<type>". The subject and actor land in fields so
// they survive when no principal is attached to ctx, as on login.
func (Recorder) Dispatch(ctx context.Context, ev auth.Event) {
	fields := map[string]any{
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.IdentityID != "" {
		fields["identity_id"] = ev.IdentityID
	}
	if ev.ActorID != "" {
		fields["actor_id"] = ev.ActorID
	}
	if ev.IP != "" {
		fields["ip"] = ev.IP
	}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	if err := LogEvent(ctx, "identity."+string(ev.Type), fields); err != nil {
		obs.Error("audit write failed", map[string]any{"event": string(ev.Type), "error": err.Error()})
	}
}
