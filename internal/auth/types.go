package auth

import "time"

const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// User is an account as held by the credential store. An empty RoleID
// means the user has no role and therefore no permissions.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	RoleID       string    `json:"role_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions. System roles cannot be deleted or renamed.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	DisplayName *string
	Active      *bool
}

// Permission is immutable reference data. Authorization compares the
// (Resource, Action) pair, never Name.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Pair returns the permission's authorization unit.
func (p Permission) Pair() Pair { return Pair{Resource: p.Resource, Action: p.Action} }

// RolePermission links a role to a permission. Each pair appears once.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the server-side record that keeps a token alive. Deleting
// it revokes the token before its natural expiry.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PasswordResetToken stores only the digest of the value sent to the user.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Principal is the authenticated identity handed to business logic.
type Principal struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"-"`
	RoleID    string    `json:"role_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}
