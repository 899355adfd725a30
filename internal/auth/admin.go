package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/ids"
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,62}$`)

// RoleInput is the payload for CreateRole.
type RoleInput struct {
	Name        string
	DisplayName string
}

// Admin performs privileged mutations. Callers authorize the actor first;
// Admin enforces the invariants that hold regardless of who asks.
type Admin struct {
	store Store
	audit *audit.Log
	roles Roles
	now   func() time.Time
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source.
func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *Admin) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAdmin(store Store, log *audit.Log, roles Roles, opts ...AdminOption) (*Admin, error) {
	if store == nil {
		return nil, errors.New("admin: store is required")
	}
	if roles.AdminID == "" {
		return nil, errors.New("admin: admin role is not resolved")
	}
	a := &Admin{store: store, audit: log, roles: roles, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// DeleteUser removes a user together with its sessions and reset tokens.
// Removing the only holder of the admin role fails with ErrLastAdmin.
func (a *Admin) DeleteUser(ctx context.Context, actor Principal, userID string, origin audit.Origin) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	err := a.store.DeleteUser(ctx, userID, a.roles.AdminID)
	if errors.Is(err, ErrLastAdmin) {
		a.record(ctx, actor, audit.ActionDeleteUser, "users", userID, map[string]any{"success": false, "reason": "last_admin"}, origin)
		return err
	}
	if err != nil {
		return err
	}
	a.record(ctx, actor, audit.ActionDeleteUser, "users", userID, map[string]any{"success": true}, origin)
	return nil
}

// ChangeRole assigns roleID to a user and revokes the user's sessions so
// the new permissions apply from the next login.
func (a *Admin) ChangeRole(ctx context.Context, actor Principal, userID, roleID string, origin audit.Origin) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if _, err := a.store.RoleByID(ctx, roleID); err != nil {
		return fmt.Errorf("role %s: %w", roleID, err)
	}
	user, err := a.store.UserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	if user.RoleID == roleID {
		return nil
	}
	details := map[string]any{"old_role_id": user.RoleID, "new_role_id": roleID}
	if err := a.store.SetUserRole(ctx, userID, roleID, a.roles.AdminID); err != nil {
		if errors.Is(err, ErrLastAdmin) {
			details["success"] = false
			details["reason"] = "last_admin"
			a.record(ctx, actor, audit.ActionChangeRole, "users", userID, details, origin)
		}
		return err
	}
	if _, err := a.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	details["success"] = true
	a.record(ctx, actor, audit.ActionChangeRole, "users", userID, details, origin)
	return nil
}

func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.ListRoles(ctx)
}

func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// RolePermissions lists the permissions granted to an existing role.
func (a *Admin) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	if _, err := a.store.RoleByID(ctx, roleID); err != nil {
		return nil, err
	}
	return a.store.RolePermissions(ctx, roleID)
}

func (a *Admin) CreateRole(ctx context.Context, actor Principal, in RoleInput, origin audit.Origin) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if !roleNamePattern.MatchString(name) {
		return Role{}, fmt.Errorf("%w: role name must be lowercase letters, digits, '-' or '_'", ErrInvalidInput)
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = name
	}
	now := a.now().UTC()
	role, err := a.store.CreateRole(ctx, Role{
		ID:          ids.NewAt(now),
		Name:        name,
		DisplayName: display,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Role{}, err
	}
	a.record(ctx, actor, audit.ActionChangeRole, "roles", role.ID, map[string]any{"op": "create", "name": role.Name}, origin)
	return role, nil
}

// UpdateRole applies upd. System roles keep their name and stay active.
func (a *Admin) UpdateRole(ctx context.Context, actor Principal, roleID string, upd RoleUpdate, origin audit.Origin) (Role, error) {
	role, err := a.store.RoleByID(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if !roleNamePattern.MatchString(name) {
			return Role{}, fmt.Errorf("%w: role name must be lowercase letters, digits, '-' or '_'", ErrInvalidInput)
		}
		if role.System && name != role.Name {
			return Role{}, ErrSystemRole
		}
		upd.Name = &name
	}
	if upd.DisplayName != nil {
		display := strings.TrimSpace(*upd.DisplayName)
		if display == "" {
			return Role{}, fmt.Errorf("%w: display name is required", ErrInvalidInput)
		}
		upd.DisplayName = &display
	}
	if upd.Active != nil && !*upd.Active && role.System {
		return Role{}, ErrSystemRole
	}
	updated, err := a.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		return Role{}, err
	}
	a.record(ctx, actor, audit.ActionChangeRole, "roles", roleID, map[string]any{"op": "update", "name": updated.Name, "active": updated.Active}, origin)
	return updated, nil
}

// DeleteRole removes a non-system role. Holders are left without a role
// and the role's permissions stay in the catalog.
func (a *Admin) DeleteRole(ctx context.Context, actor Principal, roleID string, origin audit.Origin) error {
	role, err := a.store.RoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return ErrSystemRole
	}
	holders, err := a.store.CountUsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	a.record(ctx, actor, audit.ActionChangeRole, "roles", roleID, map[string]any{"op": "delete", "name": role.Name, "holders": holders}, origin)
	return nil
}

func (a *Admin) GrantPermission(ctx context.Context, actor Principal, roleID, permissionID string, origin audit.Origin) error {
	if _, err := a.store.RoleByID(ctx, roleID); err != nil {
		return err
	}
	perm, err := a.store.PermissionByID(ctx, permissionID)
	if err != nil {
		return err
	}
	if err := a.store.GrantPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	a.record(ctx, actor, audit.ActionChangeRole, "roles", roleID, map[string]any{"op": "grant", "permission": perm.Name}, origin)
	return nil
}

func (a *Admin) RevokePermission(ctx context.Context, actor Principal, roleID, permissionID string, origin audit.Origin) error {
	if _, err := a.store.RoleByID(ctx, roleID); err != nil {
		return err
	}
	perm, err := a.store.PermissionByID(ctx, permissionID)
	if err != nil {
		return err
	}
	if err := a.store.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	a.record(ctx, actor, audit.ActionChangeRole, "roles", roleID, map[string]any{"op": "revoke", "permission": perm.Name}, origin)
	return nil
}

func (a *Admin) record(ctx context.Context, actor Principal, action audit.Action, resource, resourceID string, details map[string]any, origin audit.Origin) {
	a.audit.Record(ctx, audit.Event{
		UserID:     actor.UserID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		Origin:     origin,
	})
}
