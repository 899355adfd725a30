package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
	"pressline.org/internal/notify"
	"pressline.org/internal/store/memory"
)

const testSecret = "test-secret-please-rotate"

const testCatalog = `
permissions:
  - {name: articles.read, resource: articles, action: read, category: content}
  - {name: comments.create, resource: comments, action: create, category: content}
  - {name: users.read, resource: users, action: read, category: users}
  - {name: users.delete, resource: users, action: delete, category: users}
  - {name: sessions.delete, resource: sessions, action: delete, category: users}
  - {name: logs.view, resource: logs, action: view, category: system}
roles:
  - name: admin
    display_name: Administrator
    system: true
    permissions: ["*"]
  - name: user
    display_name: Reader
    system: true
    permissions: [articles.read, comments.create]
  - name: moderator
    display_name: Moderator
    permissions: [users.read]
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type world struct {
	store    *memory.Store
	clock    *clock
	hasher   *auth.Hasher
	tokens   *auth.TokenService
	audit    *audit.Log
	notifier *notify.Recorder
	roles    auth.Roles
	accounts *auth.Accounts
	admin    *auth.Admin
	guard    *auth.Guard
}

var origin = audit.Origin{IP: "192.0.2.10", UserAgent: "test-agent"}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{
		store:    memory.New(),
		clock:    &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		hasher:   auth.NewFastHasher(),
		notifier: &notify.Recorder{},
	}
	cat, err := auth.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if _, err := auth.SeedCatalog(ctx, w.store, cat); err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	w.roles, err = auth.ResolveRoles(ctx, w.store, "user", "admin")
	if err != nil {
		t.Fatalf("ResolveRoles: %v", err)
	}
	w.tokens, err = auth.NewTokenService(testSecret, auth.WithTokenClock(w.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	w.audit = audit.New(w.store, audit.WithClock(w.clock.Now))
	w.accounts, err = auth.NewAccounts(auth.AccountDeps{
		Store:    w.store,
		Hasher:   w.hasher,
		Tokens:   w.tokens,
		Audit:    w.audit,
		Notifier: w.notifier,
		Roles:    w.roles,
	}, auth.WithAccountClock(w.clock.Now), auth.WithResetURL("https://cms.example.com/reset"))
	if err != nil {
		t.Fatalf("NewAccounts: %v", err)
	}
	w.admin, err = auth.NewAdmin(w.store, w.audit, w.roles, auth.WithAdminClock(w.clock.Now))
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	w.guard, err = auth.NewGuard(w.tokens, w.store, w.audit, auth.WithGuardClock(w.clock.Now))
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return w
}

func (w *world) register(t *testing.T, email, password string) auth.User {
	t.Helper()
	u, err := w.accounts.Register(context.Background(), auth.RegisterInput{Email: email, Password: password}, origin)
	if err != nil {
		t.Fatalf("Register %s: %v", email, err)
	}
	return u
}

func (w *world) setRole(t *testing.T, userID, roleName string) {
	t.Helper()
	role, err := w.store.RoleByName(context.Background(), roleName)
	if err != nil {
		t.Fatalf("RoleByName %s: %v", roleName, err)
	}
	if err := w.store.SetUserRole(context.Background(), userID, role.ID, ""); err != nil {
		t.Fatalf("SetUserRole: %v", err)
	}
}

func (w *world) login(t *testing.T, email, password string) auth.LoginResult {
	t.Helper()
	res, err := w.accounts.Login(context.Background(), email, password, origin)
	if err != nil {
		t.Fatalf("Login %s: %v", email, err)
	}
	return res
}

func (w *world) entries(action audit.Action) []audit.Entry {
	var out []audit.Entry
	for _, e := range w.store.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
