package httpapi

import (
	"net/http"

	"pressline.org/internal/auth"
)

// RequireAuth admits requests carrying a valid bearer token bound to a
// live session of an active user. The principal is placed in the context.
func RequireAuth(g *auth.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, denial := g.Authenticate(r.Context(), r.Header.Get("Authorization"), originFrom(r))
			if denial != nil {
				writeDenial(w, r, denial)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequirePermission admits requests whose principal holds resource:action.
func RequirePermission(g *auth.Guard, resource, action string) func(http.Handler) http.Handler {
	return RequirePermissions(g, auth.Pair{Resource: resource, Action: action})
}

// RequirePermissions admits requests whose principal holds every pair.
func RequirePermissions(g *auth.Guard, pairs ...auth.Pair) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, denial := g.AuthorizeRequestAll(r.Context(), r.Header.Get("Authorization"), pairs, originFrom(r))
			if denial != nil {
				writeDenial(w, r, denial)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// principal is only called behind one of the Require* wrappers.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
