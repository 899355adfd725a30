package auth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pressline.org/internal/auth"
	"pressline.org/internal/store/memory"
)

func TestParseCatalogValidation(t *testing.T) {
	cases := map[string]string{
		"bad yaml":       "permissions: [",
		"missing action": "permissions:\n  - {name: a.b, resource: a}\n",
		"duplicate name": "permissions:\n  - {name: a.b, resource: a, action: b}\n  - {name: a.b, resource: a, action: c}\n",
		"duplicate pair": "permissions:\n  - {name: a.b, resource: a, action: b}\n  - {name: a.c, resource: a, action: b}\n",
		"unknown grant":  "permissions:\n  - {name: a.b, resource: a, action: b}\nroles:\n  - {name: r, permissions: [x.y]}\n",
		"bad role name":  "roles:\n  - {name: Admin}\n",
		"duplicate role": "roles:\n  - {name: rr}\n  - {name: rr}\n",
	}
	for name, doc := range cases {
		if _, err := auth.ParseCatalog([]byte(doc)); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestSeedCatalogIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cat, err := auth.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	first, err := auth.SeedCatalog(ctx, store, cat)
	if err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	if first.Permissions != 6 || first.Roles != 3 || first.Grants != 6+2+1 {
		t.Fatalf("unexpected first report %+v", first)
	}
	second, err := auth.SeedCatalog(ctx, store, cat)
	if err != nil {
		t.Fatalf("second SeedCatalog: %v", err)
	}
	if second != (auth.SeedReport{}) {
		t.Fatalf("second run should create nothing, got %+v", second)
	}
	admin, _ := store.RoleByName(ctx, "admin")
	if !admin.System || !admin.Active || admin.DisplayName != "Administrator" {
		t.Fatalf("unexpected admin role %+v", admin)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := auth.LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Roles) != 3 || len(cat.Permissions) != 6 {
		t.Fatalf("unexpected catalog %+v", cat)
	}
	if _, err := auth.LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestResolveRolesFailsLoudly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := auth.ResolveRoles(ctx, store, "user", "admin"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _ = store.CreateRole(ctx, auth.Role{ID: "r1", Name: "user"})
	if _, err := auth.ResolveRoles(ctx, store, "user", "admin"); err == nil {
		t.Fatalf("missing admin role must fail")
	}
	if _, err := auth.ResolveRoles(ctx, store, "user", "user"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("identical roles must fail, got %v", err)
	}
}

func TestResolveRolesRequiresSystemAdmin(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.CreateRole(ctx, auth.Role{ID: "r1", Name: "user", Active: true, System: true})
	_, _ = store.CreateRole(ctx, auth.Role{ID: "r2", Name: "moderator", Active: true})
	_, _ = store.CreateRole(ctx, auth.Role{ID: "r3", Name: "admin", Active: true, System: true})

	if _, err := auth.ResolveRoles(ctx, store, "user", "moderator"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("non-system admin role must fail, got %v", err)
	}
	roles, err := auth.ResolveRoles(ctx, store, "user", "admin")
	if err != nil {
		t.Fatalf("ResolveRoles: %v", err)
	}
	if roles.DefaultID != "r1" || roles.AdminID != "r3" {
		t.Fatalf("unexpected roles %+v", roles)
	}
}

func TestEnsureAdmin(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	u, created, err := auth.EnsureAdmin(ctx, w.store, w.hasher, w.roles, "Root@Example.com", "password-1", "")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin: created=%v err=%v", created, err)
	}
	if u.RoleID != w.roles.AdminID || u.Email != "root@example.com" {
		t.Fatalf("unexpected admin %+v", u)
	}
	again, created, err := auth.EnsureAdmin(ctx, w.store, w.hasher, w.roles, "root@example.com", "ignored-pass", "")
	if err != nil || created || again.ID != u.ID {
		t.Fatalf("second EnsureAdmin: %+v created=%v err=%v", again, created, err)
	}

	reader := w.register(t, "reader@example.com", "password-1")
	promoted, created, err := auth.EnsureAdmin(ctx, w.store, w.hasher, w.roles, "reader@example.com", "", "")
	if err != nil || created || promoted.ID != reader.ID || promoted.RoleID != w.roles.AdminID {
		t.Fatalf("promotion failed: %+v created=%v err=%v", promoted, created, err)
	}
}

func TestShippedCatalogSeeds(t *testing.T) {
	cat, err := auth.LoadCatalog(filepath.Join("..", "..", "config", "catalog.yaml"))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	store := memory.New()
	ctx := context.Background()
	if _, err := auth.SeedCatalog(ctx, store, cat); err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	roles, err := auth.ResolveRoles(ctx, store, "user", "admin")
	if err != nil {
		t.Fatalf("ResolveRoles: %v", err)
	}
	perms, err := store.RolePermissions(ctx, roles.AdminID)
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if len(perms) != len(cat.Permissions) {
		t.Fatalf("admin should hold every permission: %d of %d", len(perms), len(cat.Permissions))
	}
}
