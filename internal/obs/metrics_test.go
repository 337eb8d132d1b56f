package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/identities/01HX/approve":            "/v1/identities/:id/approve",
		"/v1/identities/01HX/two-factor/disable": "/v1/identities/:id/two-factor/disable",
		"/v1/identities/01HX":                    "/v1/identities/:id",
		"/v1/organizations":                      "/v1/organizations",
		"/v1/login?next=/tickets":                "/v1/login",
		"/v1/two-factor/verify":                  "/v1/two-factor/verify",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestCountIdentityEvent(t *testing.T) {
	before := IdentityEventCount("login")
	CountIdentityEvent("login")
	CountIdentityEvent("login")
	if got := IdentityEventCount("login") - before; got != 2 {
		t.Fatalf("expected 2 increments, got %v", got)
	}
}

func TestLogWritesJSONLine(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Log("warn", "limiter unavailable", map[string]any{"addr": "redis:6379", "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "limiter unavailable" || entry["addr"] != "redis:6379" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
