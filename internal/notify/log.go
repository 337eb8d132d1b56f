package notify

import (
	"context"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

// Log writes notifications to the service log instead of sending them. Codes and tokens
// are only included when Reveal is set, which is meant for local development.
type Log struct {
	Reveal bool
}

var _ auth.Notifier = Log{}

func (l Log) SendVerificationCode(_ context.Context, id *auth.Identity, code string) error {
	fields := map[string]any{"identity_id": id.ID, "email": id.Email}
	if l.Reveal {
		fields["code"] = code
	}
	obs.Info("verification code issued", fields)
	return nil
}

func (l Log) SendPasswordChangeCode(_ context.Context, id *auth.Identity, code string) error {
	fields := map[string]any{"identity_id": id.ID, "email": id.Email}
	if l.Reveal {
		fields["code"] = code
	}
	obs.Info("password change code issued", fields)
	return nil
}

func (l Log) SendPasswordChangedNotice(_ context.Context, id *auth.Identity) error {
	obs.Info("password changed notice", map[string]any{"identity_id": id.ID, "email": id.Email})
	return nil
}

func (l Log) SendPasswordResetLink(_ context.Context, id *auth.Identity, token string) error {
	fields := map[string]any{"identity_id": id.ID, "email": id.Email}
	if l.Reveal {
		fields["token"] = token
	}
	obs.Info("password reset link issued", fields)
	return nil
}
