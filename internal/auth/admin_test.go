package auth_test

import (
	"context"
	"errors"
	"testing"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
)

func TestDeleteUserScenarioD(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	a1 := w.register(t, "a1@example.com", "password-1")
	w.setRole(t, a1.ID, "admin")
	actor := auth.Principal{UserID: a1.ID}

	err := w.admin.DeleteUser(ctx, actor, a1.ID, origin)
	if !errors.Is(err, auth.ErrLastAdmin) || !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected last-admin conflict, got %v", err)
	}
	if _, err := w.store.UserByID(ctx, a1.ID); err != nil {
		t.Fatalf("rejected delete must not mutate: %v", err)
	}

	a2 := w.register(t, "a2@example.com", "password-1")
	w.setRole(t, a2.ID, "admin")
	if err := w.admin.DeleteUser(ctx, actor, a2.ID, origin); err != nil {
		t.Fatalf("deleting second-to-last admin: %v", err)
	}
	if _, err := w.store.UserByID(ctx, a2.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("user should be gone, got %v", err)
	}
	if err := w.admin.DeleteUser(ctx, actor, "missing", origin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	entries := w.entries(audit.ActionDeleteUser)
	if len(entries) != 2 || entries[1].ResourceID != a2.ID || entries[1].UserID != a1.ID {
		t.Fatalf("unexpected delete entries %+v", entries)
	}
}

func TestDeleteUserCascadesSessions(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	u := w.register(t, "reader@example.com", "password-1")
	res := w.login(t, "reader@example.com", "password-1")
	if err := w.admin.DeleteUser(ctx, auth.Principal{UserID: "root"}, u.ID, origin); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	claims, _ := w.tokens.Verify(res.Token)
	if _, err := w.store.SessionByID(ctx, claims.SessionID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("session should be removed with the user")
	}
}

func TestChangeRole(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	admin := w.register(t, "admin@example.com", "password-1")
	w.setRole(t, admin.ID, "admin")
	u := w.register(t, "reader@example.com", "password-1")
	res := w.login(t, "reader@example.com", "password-1")
	actor := auth.Principal{UserID: admin.ID}
	mod, _ := w.store.RoleByName(ctx, "moderator")

	if err := w.admin.ChangeRole(ctx, actor, u.ID, "no-such-role", origin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown role, got %v", err)
	}
	if err := w.admin.ChangeRole(ctx, actor, u.ID, mod.ID, origin); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	after, _ := w.store.UserByID(ctx, u.ID)
	if after.RoleID != mod.ID {
		t.Fatalf("role not changed")
	}
	if _, denial := w.guard.Authenticate(ctx, "Bearer "+res.Token, origin); denial == nil {
		t.Fatalf("sessions must be revoked on role change")
	}
	entries := w.entries(audit.ActionChangeRole)
	last := entries[len(entries)-1]
	if last.Details["old_role_id"] != w.roles.DefaultID || last.Details["new_role_id"] != mod.ID {
		t.Fatalf("unexpected change_role details %v", last.Details)
	}

	if err := w.admin.ChangeRole(ctx, actor, admin.ID, w.roles.DefaultID, origin); !errors.Is(err, auth.ErrLastAdmin) {
		t.Fatalf("demoting the last admin must fail, got %v", err)
	}
}

func TestRoleManagement(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	actor := auth.Principal{UserID: "root"}

	if _, err := w.admin.CreateRole(ctx, actor, auth.RoleInput{Name: "Bad Name"}, origin); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	editor, err := w.admin.CreateRole(ctx, actor, auth.RoleInput{Name: "editor", DisplayName: "Editor"}, origin)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := w.admin.CreateRole(ctx, actor, auth.RoleInput{Name: "editor"}, origin); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected duplicate name conflict, got %v", err)
	}

	newName := "senior-editor"
	updated, err := w.admin.UpdateRole(ctx, actor, editor.ID, auth.RoleUpdate{Name: &newName}, origin)
	if err != nil || updated.Name != newName {
		t.Fatalf("UpdateRole: %+v %v", updated, err)
	}

	rename := "superuser"
	if _, err := w.admin.UpdateRole(ctx, actor, w.roles.AdminID, auth.RoleUpdate{Name: &rename}, origin); !errors.Is(err, auth.ErrSystemRole) {
		t.Fatalf("renaming a system role must fail, got %v", err)
	}
	off := false
	if _, err := w.admin.UpdateRole(ctx, actor, w.roles.AdminID, auth.RoleUpdate{Active: &off}, origin); !errors.Is(err, auth.ErrSystemRole) {
		t.Fatalf("disabling a system role must fail, got %v", err)
	}
	display := "Admins"
	if _, err := w.admin.UpdateRole(ctx, actor, w.roles.AdminID, auth.RoleUpdate{DisplayName: &display}, origin); err != nil {
		t.Fatalf("display name of a system role may change: %v", err)
	}
	if err := w.admin.DeleteRole(ctx, actor, w.roles.DefaultID, origin); !errors.Is(err, auth.ErrSystemRole) {
		t.Fatalf("deleting a system role must fail, got %v", err)
	}
	if err := w.admin.DeleteRole(ctx, actor, "missing", origin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRoleOrphansPermissions(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	actor := auth.Principal{UserID: "root"}
	u := w.register(t, "mod@example.com", "password-1")
	w.setRole(t, u.ID, "moderator")
	mod, _ := w.store.RoleByName(ctx, "moderator")
	perm, _ := w.store.PermissionByName(ctx, "users.read")

	if err := w.admin.DeleteRole(ctx, actor, mod.ID, origin); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	entries := w.entries(audit.ActionChangeRole)
	last := entries[len(entries)-1]
	if last.Details["op"] != "delete" || last.Details["holders"] != 1 {
		t.Fatalf("delete entry must report former holders, got %+v", last.Details)
	}
	if _, err := w.store.PermissionByID(ctx, perm.ID); err != nil {
		t.Fatalf("permission must remain as reference data: %v", err)
	}
	res, _ := w.guard.Resolver().Authorize(ctx, u.ID, "users", "read")
	if res.Granted() || res.Reason != auth.ReasonNoRole {
		t.Fatalf("former holder must be denied, got %+v", res)
	}
}

func TestGrantAndRevoke(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	actor := auth.Principal{UserID: "root"}
	perm, _ := w.store.PermissionByName(ctx, "logs.view")

	if err := w.admin.GrantPermission(ctx, actor, w.roles.DefaultID, perm.ID, origin); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	err := w.admin.GrantPermission(ctx, actor, w.roles.DefaultID, perm.ID, origin)
	if !errors.Is(err, auth.ErrDuplicateGrant) || !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected duplicate grant conflict, got %v", err)
	}
	if err := w.admin.GrantPermission(ctx, actor, w.roles.DefaultID, "missing", origin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	perms, _ := w.admin.RolePermissions(ctx, w.roles.DefaultID)
	if len(perms) != 3 {
		t.Fatalf("expected 3 grants, got %d", len(perms))
	}
	if err := w.admin.RevokePermission(ctx, actor, w.roles.DefaultID, perm.ID, origin); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if err := w.admin.RevokePermission(ctx, actor, w.roles.DefaultID, perm.ID, origin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
	if _, err := w.admin.RolePermissions(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown role, got %v", err)
	}
}
