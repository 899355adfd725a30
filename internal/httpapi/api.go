// Package httpapi is the JSON-over-HTTP adapter for the account flows,
// the administrative mutations and the activity log.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
	"pressline.org/internal/obs"
)

const (
	serviceName         = "pressline-api"
	defaultMaxBodyBytes = 1 << 20
)

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the credential store.
type ReadyProbe struct {
	Store pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the API routes to. All but Ready are required.
type Deps struct {
	Guard    *auth.Guard
	Accounts *auth.Accounts
	Admin    *auth.Admin
	Audit    *audit.Log
	Ready    readinessChecker
	Version  string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	rateBurst  int
	ratePerSec int
	maxBody    int64
	trusted    []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-IP budget for credential endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the proxies whose X-Forwarded-For header is
// used to find the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trusted = append([]netip.Prefix(nil), prefixes...)
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(deps Deps, opts ...Option) (*API, error) {
	switch {
	case deps.Guard == nil:
		return nil, errors.New("httpapi: guard is required")
	case deps.Accounts == nil:
		return nil, errors.New("httpapi: accounts service is required")
	case deps.Admin == nil:
		return nil, errors.New("httpapi: admin service is required")
	case deps.Audit == nil:
		return nil, errors.New("httpapi: audit log is required")
	}
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		rateBurst:  10,
		ratePerSec: 5,
		maxBody:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	g := a.deps.Guard
	limited := func(h http.HandlerFunc) http.Handler { return RateLimit(h, a.rateBurst, a.ratePerSec) }

	// health/ready
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// account flows
	a.mux.HandleFunc("POST /v1/auth/register", a.register)
	a.mux.Handle("POST /v1/auth/login", limited(a.login))
	a.mux.Handle("POST /v1/auth/forgot-password", limited(a.forgotPassword))
	a.mux.Handle("POST /v1/auth/reset-password", limited(a.resetPassword))
	a.mux.Handle("POST /v1/auth/logout", RequireAuth(g)(http.HandlerFunc(a.logout)))
	a.mux.Handle("GET /v1/auth/me", RequireAuth(g)(http.HandlerFunc(a.me)))
	a.mux.Handle("PUT /v1/auth/password", RequireAuth(g)(http.HandlerFunc(a.changePassword)))

	// activity log
	a.mux.Handle("GET /v1/activity-logs", RequirePermission(g, "logs", "view")(http.HandlerFunc(a.listActivity)))
	a.mux.Handle("GET /v1/activity-logs/stream", RequirePermission(g, "logs", "view")(http.HandlerFunc(a.streamActivity)))
	a.mux.Handle("DELETE /v1/activity-logs", RequirePermission(g, "logs", "delete")(http.HandlerFunc(a.purgeActivity)))

	// administration
	a.mux.Handle("DELETE /v1/users/{id}", RequirePermissions(g,
		auth.Pair{Resource: "users", Action: "delete"},
		auth.Pair{Resource: "sessions", Action: "delete"},
	)(http.HandlerFunc(a.deleteUser)))
	a.mux.Handle("PUT /v1/users/{id}/role", RequirePermission(g, "roles", "assign")(http.HandlerFunc(a.changeUserRole)))
	a.mux.Handle("GET /v1/roles", RequirePermission(g, "roles", "read")(http.HandlerFunc(a.listRoles)))
	a.mux.Handle("POST /v1/roles", RequirePermission(g, "roles", "create")(http.HandlerFunc(a.createRole)))
	a.mux.Handle("PATCH /v1/roles/{id}", RequirePermission(g, "roles", "update")(http.HandlerFunc(a.updateRole)))
	a.mux.Handle("DELETE /v1/roles/{id}", RequirePermission(g, "roles", "delete")(http.HandlerFunc(a.deleteRole)))
	a.mux.Handle("GET /v1/roles/{id}/permissions", RequirePermission(g, "roles", "read")(http.HandlerFunc(a.rolePermissions)))
	a.mux.Handle("POST /v1/roles/{id}/permissions", RequirePermission(g, "roles", "update")(http.HandlerFunc(a.grantPermission)))
	a.mux.Handle("DELETE /v1/roles/{id}/permissions/{permissionID}", RequirePermission(g, "roles", "update")(http.HandlerFunc(a.revokePermission)))
	a.mux.Handle("GET /v1/permissions", RequirePermission(g, "permissions", "read")(http.HandlerFunc(a.listPermissions)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.trusted)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
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

func writeDenial(w http.ResponseWriter, r *http.Request, d *auth.Denial) {
	payload := map[string]any{
		"error": d.Reason,
	}
	if d.Resource != "" {
		payload["resource"] = d.Resource
		payload["action"] = d.Action
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if d.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pressline"`)
	}
	writeJSON(w, d.Status, payload)
}

// writeServiceError maps the auth and audit error taxonomy onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, audit.ErrInvalidFilter),
		errors.Is(err, audit.ErrInvalidRetention):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrResetTokenInvalid),
		errors.Is(err, auth.ErrResetTokenUsed),
		errors.Is(err, auth.ErrResetTokenExpired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errors.New("request body too large")
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
