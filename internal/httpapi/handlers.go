package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
	"helpdesk.org/internal/session"
	"helpdesk.org/internal/stream"
)

const serviceName = "helpdesk-api"

// Paths the two-factor gate sends sessions to.
const (
	SetupPath  = "/v1/two-factor/setup"
	VerifyPath = "/v1/two-factor/verify"
)

// GateExempt lists the path prefixes the two-factor gate never guards besides the setup
// and verify paths. Redeeming a recovery code is itself a second factor.
var GateExempt = []string{"/v1/two-factor/recovery/redeem", "/v1/logout"}

// GateOption configures the service gate for the routes served here.
func GateOption() auth.ServiceOption {
	return auth.WithGatePaths(SetupPath, VerifyPath, GateExempt)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	svc        *auth.Service
	sessions   *session.Store
	stream     *stream.Stream
	readyProbe readinessChecker
	version    string

	rateBurst     int
	ratePerSecond float64
	maxBodyBytes  int64
}

// Option tunes the HTTP layer.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSecond = burst, perSecond
		}
	}
}

// WithActivityStream enables the staff activity feed.
func WithActivityStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(svc *auth.Service, sessions *session.Store, rp readinessChecker, version string, opts ...Option) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		router:        chi.NewRouter(),
		svc:           svc,
		sessions:      sessions,
		readyProbe:    rp,
		version:       version,
		rateBurst:     20,
		ratePerSecond: 10,
		maxBodyBytes:  1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Post("/register", a.register)
		r.Post("/verify-email", a.verifyEmail)
		r.Post("/verify-email/resend", a.resendCode)
		r.Post("/login", a.login)
		r.Post("/password-reset/request", a.requestPasswordReset)
		r.Post("/password-reset/confirm", a.resetPassword)

		r.Group(func(r chi.Router) {
			r.Use(a.withSession)
			r.Use(a.withGate)

			r.Post("/logout", a.logout)
			r.Get("/me", a.me)
			r.Get("/devices", a.devices)
			r.Post("/password/change", a.beginPasswordChange)
			r.Post("/password/change/confirm", a.confirmPasswordChange)

			r.Post("/two-factor/setup", a.beginEnrollment)
			r.Post("/two-factor/setup/confirm", a.confirmEnrollment)
			r.Post("/two-factor/verify", a.verifyLogin)
			r.Post("/two-factor/disable", a.disableTwoFactor)
			r.Post("/two-factor/recovery", a.generateRecoveryCode)
			r.Post("/two-factor/recovery/redeem", a.redeemRecoveryCode)

			r.With(a.requirePermission(auth.PermOrganizationManage)).Post("/organizations", a.createOrganization)
			r.Get("/organizations", a.listOrganizations)

			r.Route("/identities/{id}", func(r chi.Router) {
				r.Use(wellFormedID)
				r.With(a.requirePermission(auth.PermIdentityApprove)).Post("/approve", a.approve)
				r.With(a.requirePermission(auth.PermIdentityReject)).Post("/reject", a.reject)
				r.With(a.requirePermission(auth.PermIdentityUnlock)).Post("/unlock", a.unlock)
				r.With(a.requirePermission(auth.PermTwoFactorManage)).Post("/two-factor/disable", a.disableTwoFactorFor)
				r.With(a.requirePermission(auth.PermTwoFactorManage)).Post("/recovery", a.generateRecoveryCodeFor)
			})

			r.With(a.requirePermission(auth.PermOrganizationManage)).Post("/admin/repair-orphans", a.repairOrphans)
			r.With(a.requirePermission(auth.PermIdentityApprove)).Get("/admin/activity", a.Activity)
		})
	})
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	// оборачиваем весь роутер метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
