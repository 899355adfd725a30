package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pressline.org/internal/obs"
)

// Pair is the unit of authorization. Matching is exact and case-sensitive.
type Pair struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

func (p Pair) String() string { return p.Resource + ":" + p.Action }

// PermissionSet is the flat set of pairs granted by one role.
type PermissionSet map[Pair]struct{}

// NewPermissionSet builds a set from permission records.
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p.Pair()] = struct{}{}
	}
	return set
}

// Has reports whether the exact pair is granted.
func (s PermissionSet) Has(p Pair) bool {
	_, ok := s[p]
	return ok
}

// Missing returns the pairs from want that are not in the set, in order.
func (s PermissionSet) Missing(want []Pair) []Pair {
	var out []Pair
	for _, p := range want {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason explains a Deny decision.
type DenyReason string

const (
	ReasonNone         DenyReason = ""
	ReasonUserNotFound DenyReason = "user_not_found"
	ReasonUserInactive DenyReason = "user_inactive"
	ReasonNoRole       DenyReason = "no_role"
	ReasonRoleInactive DenyReason = "role_inactive"
	ReasonNoPermission DenyReason = "no_permission"
	ReasonNoPairs      DenyReason = "no_pairs"
	ReasonLookupFailed DenyReason = "lookup_failed"
)

// Result is the outcome of a permission check.
type Result struct {
	Decision Decision
	Reason   DenyReason
	RoleID   string
	// Missing lists the requested pairs the role lacks.
	Missing []Pair
}

// Granted reports whether the decision is Allow.
func (r Result) Granted() bool { return r.Decision == Allow }

type resolverStore interface {
	UserByID(ctx context.Context, id string) (User, error)
	RoleByID(ctx context.Context, id string) (Role, error)
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
}

// Resolver decides whether a user's current role grants resource/action
// pairs. It re-reads the store on every call.
type Resolver struct {
	store resolverStore
}

func NewResolver(store resolverStore) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("resolver store is required")
	}
	return &Resolver{store: store}, nil
}

// Authorize checks a single pair.
func (r *Resolver) Authorize(ctx context.Context, userID, resource, action string) (Result, error) {
	return r.AuthorizeAll(ctx, userID, []Pair{{Resource: resource, Action: action}})
}

// AuthorizeAll grants only when every pair is present in the role's
// permission set. On a store error the result is Deny with
// ReasonLookupFailed and the error is returned.
func (r *Resolver) AuthorizeAll(ctx context.Context, userID string, pairs []Pair) (Result, error) {
	res, err := r.decide(ctx, userID, pairs)
	obs.AuthzDecisions.WithLabelValues(res.Decision.String(), string(res.Reason)).Inc()
	return res, err
}

func (r *Resolver) decide(ctx context.Context, userID string, pairs []Pair) (Result, error) {
	if len(pairs) == 0 {
		return Result{Decision: Deny, Reason: ReasonNoPairs}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{Decision: Deny, Reason: ReasonUserNotFound, Missing: pairs}, nil
	}
	user, err := r.store.UserByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Result{Decision: Deny, Reason: ReasonUserNotFound, Missing: pairs}, nil
	}
	if err != nil {
		return lookupFailed(pairs), fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return Result{Decision: Deny, Reason: ReasonUserInactive, Missing: pairs}, nil
	}
	if user.RoleID == "" {
		return Result{Decision: Deny, Reason: ReasonNoRole, Missing: pairs}, nil
	}
	role, err := r.store.RoleByID(ctx, user.RoleID)
	if errors.Is(err, ErrNotFound) {
		return Result{Decision: Deny, Reason: ReasonNoRole, Missing: pairs}, nil
	}
	if err != nil {
		return lookupFailed(pairs), fmt.Errorf("load role: %w", err)
	}
	if !role.Active {
		return Result{Decision: Deny, Reason: ReasonRoleInactive, RoleID: role.ID, Missing: pairs}, nil
	}
	perms, err := r.store.RolePermissions(ctx, role.ID)
	if err != nil {
		return lookupFailed(pairs), fmt.Errorf("load permissions: %w", err)
	}
	missing := NewPermissionSet(perms).Missing(pairs)
	if len(missing) > 0 {
		return Result{Decision: Deny, Reason: ReasonNoPermission, RoleID: role.ID, Missing: missing}, nil
	}
	return Result{Decision: Allow, RoleID: role.ID}, nil
}

func lookupFailed(pairs []Pair) Result {
	return Result{Decision: Deny, Reason: ReasonLookupFailed, Missing: pairs}
}
