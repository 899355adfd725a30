package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/obs"
)

const (
	reasonUnauthenticated = "unauthenticated"
	reasonInvalidToken    = "invalid token"
	reasonInsufficient    = "insufficient permission"
	reasonUnavailable     = "authorization unavailable"
)

// Denial is a structured refusal. It is returned, never raised, so a
// caller cannot mistake a failure for a grant.
type Denial struct {
	Status   int    `json:"-"`
	Reason   string `json:"error"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
}

func (d *Denial) Error() string {
	if d.Resource != "" {
		return d.Reason + " (" + d.Resource + ":" + d.Action + ")"
	}
	return d.Reason
}

type guardStore interface {
	resolverStore
	SessionByID(ctx context.Context, id string) (Session, error)
}

// Guard composes token verification, the session check and the resolver
// into a single authorize-or-deny decision. It holds no mutable state.
type Guard struct {
	tokens   *TokenService
	store    guardStore
	resolver *Resolver
	audit    *audit.Log
	now      func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source for session expiry checks.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(tokens *TokenService, store guardStore, log *audit.Log, opts ...GuardOption) (*Guard, error) {
	if tokens == nil {
		return nil, errors.New("guard: token service is required")
	}
	if store == nil {
		return nil, errors.New("guard: store is required")
	}
	resolver, err := NewResolver(store)
	if err != nil {
		return nil, err
	}
	g := &Guard{tokens: tokens, store: store, resolver: resolver, audit: log, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Resolver exposes the underlying permission resolver.
func (g *Guard) Resolver() *Resolver { return g.resolver }

// Authenticate checks the bearer token and its session, then loads the
// user. It does not check permissions.
func (g *Guard) Authenticate(ctx context.Context, bearerHeader string, origin audit.Origin) (Principal, *Denial) {
	p, denial := g.authenticate(ctx, bearerHeader, "", "", origin)
	if denial != nil {
		return Principal{}, denial
	}
	user, err := g.store.UserByID(ctx, p.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "user not found", "", "", origin)
	case err != nil:
		return Principal{}, g.unavailable(ctx, p.UserID, "", "", err, origin)
	case !user.Active:
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "user inactive", "", "", origin)
	}
	p.RoleID = user.RoleID
	return p, nil
}

// AuthorizeRequest authenticates the request and checks one pair.
func (g *Guard) AuthorizeRequest(ctx context.Context, bearerHeader, resource, action string, origin audit.Origin) (Principal, *Denial) {
	return g.AuthorizeRequestAll(ctx, bearerHeader, []Pair{{Resource: resource, Action: action}}, origin)
}

// AuthorizeRequestAll authenticates the request and requires every pair.
func (g *Guard) AuthorizeRequestAll(ctx context.Context, bearerHeader string, pairs []Pair, origin audit.Origin) (Principal, *Denial) {
	var first Pair
	if len(pairs) > 0 {
		first = pairs[0]
	}
	p, denial := g.authenticate(ctx, bearerHeader, first.Resource, first.Action, origin)
	if denial != nil {
		return Principal{}, denial
	}
	res, err := g.resolver.AuthorizeAll(ctx, p.UserID, pairs)
	if err != nil {
		return Principal{}, g.unavailable(ctx, p.UserID, first.Resource, first.Action, err, origin)
	}
	if !res.Granted() {
		denied := first
		if len(res.Missing) > 0 {
			denied = res.Missing[0]
		}
		details := map[string]any{
			"reason": string(res.Reason),
			"action": denied.Action,
		}
		if len(pairs) > 1 {
			details["missing"] = pairStrings(res.Missing)
		}
		g.audit.Record(ctx, audit.Event{
			UserID:   p.UserID,
			Action:   audit.ActionUnauthorizedAccess,
			Resource: denied.Resource,
			Details:  details,
			Origin:   origin,
		})
		return Principal{}, &Denial{Status: http.StatusForbidden, Reason: reasonInsufficient, Resource: denied.Resource, Action: denied.Action}
	}
	p.RoleID = res.RoleID
	return p, nil
}

func (g *Guard) authenticate(ctx context.Context, bearerHeader, resource, action string, origin audit.Origin) (Principal, *Denial) {
	token, ok := BearerToken(bearerHeader)
	if !ok {
		return Principal{}, g.unauthenticated(ctx, reasonUnauthenticated, "missing bearer token", resource, action, origin)
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "token rejected", resource, action, origin)
	}
	session, err := g.store.SessionByID(ctx, claims.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "session revoked", resource, action, origin)
	case err != nil:
		return Principal{}, g.unavailable(ctx, claims.UserID(), resource, action, err, origin)
	case session.UserID != claims.UserID():
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "session mismatch", resource, action, origin)
	case !g.now().Before(session.ExpiresAt):
		return Principal{}, g.unauthenticated(ctx, reasonInvalidToken, "session expired", resource, action, origin)
	}
	return Principal{
		UserID:    claims.UserID(),
		SessionID: session.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (g *Guard) unauthenticated(ctx context.Context, reason, detail, resource, action string, origin audit.Origin) *Denial {
	details := map[string]any{"reason": detail}
	if action != "" {
		details["action"] = action
	}
	g.audit.Record(ctx, audit.Event{
		Action:   audit.ActionUnauthorizedAccess,
		Resource: resource,
		Details:  details,
		Origin:   origin,
	})
	return &Denial{Status: http.StatusUnauthorized, Reason: reason}
}

func (g *Guard) unavailable(ctx context.Context, userID, resource, action string, err error, origin audit.Origin) *Denial {
	obs.Error("authorization lookup failed", err, map[string]any{"user_id": userID, "resource": resource, "action": action})
	g.audit.Record(ctx, audit.Event{
		UserID:   userID,
		Action:   audit.ActionError,
		Resource: resource,
		Details:  map[string]any{"stage": "authorization", "action": action},
		Origin:   origin,
	})
	return &Denial{Status: http.StatusServiceUnavailable, Reason: reasonUnavailable}
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func pairStrings(pairs []Pair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.String())
	}
	return out
}
