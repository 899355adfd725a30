package audit

import (
	"context"
	"errors"
	"time"
)

// Action classifies an activity-log entry.
type Action string

const (
	ActionLogin              Action = "login"
	ActionLogout             Action = "logout"
	ActionRegister           Action = "register"
	ActionForgotPassword     Action = "forgot_password"
	ActionResetPassword      Action = "reset_password"
	ActionUpdateProfile      Action = "update_profile"
	ActionUpdateUser         Action = "update_user"
	ActionDeleteUser         Action = "delete_user"
	ActionCreateArticle      Action = "create_article"
	ActionUpdateArticle      Action = "update_article"
	ActionDeleteArticle      Action = "delete_article"
	ActionChangeRole         Action = "change_role"
	ActionUnauthorizedAccess Action = "unauthorized_access"
	ActionError              Action = "error"
)

var knownActions = map[Action]struct{}{
	ActionLogin: {}, ActionLogout: {}, ActionRegister: {}, ActionForgotPassword: {},
	ActionResetPassword: {}, ActionUpdateProfile: {}, ActionUpdateUser: {}, ActionDeleteUser: {},
	ActionCreateArticle: {}, ActionUpdateArticle: {}, ActionDeleteArticle: {}, ActionChangeRole: {},
	ActionUnauthorizedAccess: {}, ActionError: {},
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

var (
	// ErrInvalidFilter is returned by Query for malformed filters.
	ErrInvalidFilter = errors.New("audit: invalid filter")
	// ErrInvalidRetention is returned by Purge for non-positive windows.
	ErrInvalidRetention = errors.New("audit: retention must be at least one day")
)

// Origin describes where a request came from.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Event is what callers hand to Record. The log assigns ID and timestamp.
type Event struct {
	UserID     string
	Action     Action
	Resource   string
	ResourceID string
	Details    map[string]any
	Origin     Origin
}

// Entry is a persisted, append-only activity record.
type Entry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     Action         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	UserID string
	Action Action
	Limit  int
	Offset int
}

// Page is one slice of query results plus the unpaginated total.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Store persists activity entries. Implementations must order Query
// results newest first, breaking ties by descending ID.
type Store interface {
	AppendEntry(ctx context.Context, entry Entry) error
	QueryEntries(ctx context.Context, filter Filter) ([]Entry, int, error)
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)
}
