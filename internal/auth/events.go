package auth

import (
	"context"
	"time"
)

// EventType names a completed state-machine transition.
type EventType string

const (
	EventUserCreated        EventType = "user_created"
	EventVerificationResent EventType = "verification_resent"
	EventEmailVerified      EventType = "email_verified"
	EventVerificationFailed EventType = "verification_failed"
	EventLogin              EventType = "login"
	EventLoginFailed        EventType = "login_failed"
	EventLogout             EventType = "logout"
	EventAccountLocked      EventType = "account_locked"
	EventAccountUnlocked    EventType = "account_unlocked"
	EventUserApproved       EventType = "user_approved"
	EventUserRejected       EventType = "user_rejected"
	EventTOTPEnrolled       EventType = "totp_enrolled"
	EventTOTPVerified       EventType = "totp_verified"
	EventTOTPFailed         EventType = "totp_failed"
	EventTOTPDisabled       EventType = "totp_disabled"
	EventRecoveryGenerated  EventType = "recovery_generated"
	EventRecoveryRedeemed   EventType = "recovery_redeemed"
	EventRecoveryFailed     EventType = "recovery_failed"
	EventDeviceTrusted      EventType = "device_trusted"
	EventPasswordChanged    EventType = "password_change"
	EventPasswordCodeSent   EventType = "password_change_code_sent"
	EventPasswordReset      EventType = "password_reset"
	EventOrphansRepaired    EventType = "orphans_repaired"
)

// Event is emitted once a transition has been committed. It never carries secrets.
type Event struct {
	Type       EventType         `json:"type"`
	IdentityID string            `json:"identity_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Dispatcher consumes events. Dispatch must not block the caller for long; failures are
// the consumer's concern.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ev Event)

func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) { f(ctx, ev) }

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, Event) {}

func (s *Service) emit(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	s.events.Dispatch(ctx, ev)
}
