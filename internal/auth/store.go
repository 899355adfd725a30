package auth

import "context"

// UserStore manages user records. Emails passed in are already normalised.
type UserStore interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// SetUserRole changes the role reference; an empty roleID clears it.
	// If the user currently holds guardRoleID and would be its last
	// holder after the change, it returns ErrLastAdmin without mutating.
	SetUserRole(ctx context.Context, userID, roleID, guardRoleID string) error
	// DeleteUser removes the user, its sessions and reset tokens, with
	// the same last-holder guard as SetUserRole.
	DeleteUser(ctx context.Context, userID, guardRoleID string) error
	CountUsersWithRole(ctx context.Context, roleID string) (int, error)
}

// RoleStore manages roles.
type RoleStore interface {
	RoleByID(ctx context.Context, id string) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	// DeleteRole removes the role and its grants and clears the role
	// reference of its holders. Permissions themselves are kept.
	DeleteRole(ctx context.Context, id string) error
}

// PermissionStore manages the permission catalog and role grants.
type PermissionStore interface {
	PermissionByID(ctx context.Context, id string) (Permission, error)
	PermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
	// GrantPermission returns ErrDuplicateGrant if the pair exists.
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	// GrantPermissions inserts the missing grants and reports how many
	// were added. Existing grants are left alone.
	GrantPermissions(ctx context.Context, roleID string, permissionIDs []string) (int, error)
}

// SessionStore manages server-side session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
}

// ResetTokenStore manages password reset tokens.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, t PasswordResetToken) error
	ResetTokenByHash(ctx context.Context, tokenHash string) (PasswordResetToken, error)
	DeleteResetToken(ctx context.Context, id string) error
	// ConsumeResetToken atomically marks the token used, stores the new
	// password hash and deletes every session of the user. It returns
	// ErrResetTokenUsed if the token was already consumed.
	ConsumeResetToken(ctx context.Context, tokenID, userID, passwordHash string) error
}

// Store is the credential store capability consumed by the core.
type Store interface {
	UserStore
	RoleStore
	PermissionStore
	SessionStore
	ResetTokenStore
	Ping(ctx context.Context) error
}
