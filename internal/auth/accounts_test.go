package auth_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
)

func resetTokenFromLink(t *testing.T, w *world) string {
	t.Helper()
	msg, ok := w.notifier.Last()
	if !ok {
		t.Fatalf("no reset message sent")
	}
	u, err := url.Parse(msg.Link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	tok := u.Query().Get("token")
	if tok == "" {
		t.Fatalf("link without token: %s", msg.Link)
	}
	return tok
}

func TestRegister(t *testing.T) {
	w := newWorld(t)
	u := w.register(t, "  Ana.Silva@Example.COM ", "password-1")
	if u.Email != "ana.silva@example.com" || u.RoleID != w.roles.DefaultID || !u.Active {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.DisplayName != "ana.silva" {
		t.Fatalf("display name = %q", u.DisplayName)
	}
	if u.PasswordHash == "" || u.PasswordHash == "password-1" {
		t.Fatalf("password must be hashed")
	}

	_, err := w.accounts.Register(context.Background(), auth.RegisterInput{Email: "ANA.SILVA@example.com", Password: "password-2"}, origin)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected case-insensitive duplicate conflict, got %v", err)
	}
	for _, in := range []auth.RegisterInput{
		{Email: "not-an-email", Password: "password-1"},
		{Email: "Ana <x@example.com>", Password: "password-1"},
		{Email: "b@example.com", Password: "short"},
	} {
		if _, err := w.accounts.Register(context.Background(), in, origin); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
	if got := len(w.entries(audit.ActionRegister)); got != 2 {
		t.Fatalf("expected register entries for success and conflict, got %d", got)
	}
}

func TestLoginWritesExactlyOneEntryPerAttempt(t *testing.T) {
	w := newWorld(t)
	u := w.register(t, "ana@example.com", "password-1")
	ctx := context.Background()

	attempts := []struct {
		email, password string
		wantErr         error
		reason          string
	}{
		{"ana@example.com", "password-1", nil, ""},
		{"ANA@example.com", "password-1", nil, ""},
		{"ana@example.com", "wrong-password", auth.ErrInvalidCredentials, "wrong_password"},
		{"nobody@example.com", "password-1", auth.ErrInvalidCredentials, "unknown_email"},
		{"garbage", "password-1", auth.ErrInvalidCredentials, "invalid_email"},
	}
	for i, a := range attempts {
		_, err := w.accounts.Login(ctx, a.email, a.password, origin)
		if !errors.Is(err, a.wantErr) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, a.wantErr)
		}
		entries := w.entries(audit.ActionLogin)
		if len(entries) != i+1 {
			t.Fatalf("attempt %d: expected %d login entries, got %d", i, i+1, len(entries))
		}
		last := entries[len(entries)-1]
		if last.Details["success"] != (a.wantErr == nil) {
			t.Fatalf("attempt %d: success detail = %v", i, last.Details["success"])
		}
		if a.reason != "" && last.Details["reason"] != a.reason {
			t.Fatalf("attempt %d: reason = %v", i, last.Details["reason"])
		}
		if a.wantErr == nil && last.UserID != u.ID {
			t.Fatalf("attempt %d: user id = %q", i, last.UserID)
		}
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	w := newWorld(t)
	hash, _ := w.hasher.Hash("password-1")
	_, _ = w.store.CreateUser(context.Background(), auth.User{ID: "off", Email: "off@example.com", PasswordHash: hash, RoleID: w.roles.DefaultID})
	_, err := w.accounts.Login(context.Background(), "off@example.com", "password-1", origin)
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	entries := w.entries(audit.ActionLogin)
	if len(entries) != 1 || entries[0].Details["reason"] != "inactive" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLoginCreatesSession(t *testing.T) {
	w := newWorld(t)
	u := w.register(t, "ana@example.com", "password-1")
	res := w.login(t, "ana@example.com", "password-1")
	claims, err := w.tokens.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sess, err := w.store.SessionByID(context.Background(), claims.SessionID)
	if err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if sess.UserID != u.ID || !sess.ExpiresAt.Equal(res.ExpiresAt) || sess.IP != origin.IP {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestLogoutIsAudited(t *testing.T) {
	w := newWorld(t)
	w.register(t, "ana@example.com", "password-1")
	res := w.login(t, "ana@example.com", "password-1")
	p, denial := w.guard.Authenticate(context.Background(), "Bearer "+res.Token, origin)
	if denial != nil {
		t.Fatalf("Authenticate: %+v", denial)
	}
	if err := w.accounts.Logout(context.Background(), p, origin); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := w.accounts.Logout(context.Background(), p, origin); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if got := len(w.entries(audit.ActionLogout)); got != 2 {
		t.Fatalf("expected 2 logout entries, got %d", got)
	}
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	w := newWorld(t)
	if err := w.accounts.ForgotPassword(context.Background(), "nobody@example.com", origin); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if len(w.notifier.Messages()) != 0 {
		t.Fatalf("no message may be sent for an unknown email")
	}
	entries := w.entries(audit.ActionForgotPassword)
	if len(entries) != 1 || entries[0].Details["sent"] != false {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestForgotPasswordStoresOnlyDigest(t *testing.T) {
	w := newWorld(t)
	u := w.register(t, "ana@example.com", "password-1")
	if err := w.accounts.ForgotPassword(context.Background(), "Ana@Example.com", origin); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	raw := resetTokenFromLink(t, w)
	msg, _ := w.notifier.Last()
	if msg.To != u.Email || !strings.HasPrefix(msg.Link, "https://cms.example.com/reset?") {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := w.store.ResetTokenByHash(context.Background(), raw); err == nil {
		t.Fatalf("raw token must not be stored")
	}
	tok, err := w.store.ResetTokenByHash(context.Background(), auth.HashResetToken(raw))
	if err != nil {
		t.Fatalf("digest not stored: %v", err)
	}
	if !tok.ExpiresAt.Equal(w.clock.Now().Add(time.Hour)) || tok.Used {
		t.Fatalf("unexpected token %+v", tok)
	}
	for _, e := range w.store.Entries() {
		for _, v := range e.Details {
			if s, ok := v.(string); ok && strings.Contains(s, raw) {
				t.Fatalf("raw token leaked into audit entry %+v", e)
			}
		}
	}
}

func TestForgotPasswordDeliveryFailure(t *testing.T) {
	w := newWorld(t)
	w.register(t, "ana@example.com", "password-1")
	w.notifier.Err = errors.New("smtp down")
	if err := w.accounts.ForgotPassword(context.Background(), "ana@example.com", origin); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestResetPasswordScenarioC(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	u := w.register(t, "ana@example.com", "password-1")
	w.login(t, "ana@example.com", "password-1")
	w.login(t, "ana@example.com", "password-1")

	if err := w.accounts.ForgotPassword(ctx, "ana@example.com", origin); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	raw := resetTokenFromLink(t, w)

	if err := w.accounts.ResetPassword(ctx, raw, "new-password-1", origin); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	after, _ := w.store.UserByID(ctx, u.ID)
	if !w.hasher.Verify("new-password-1", after.PasswordHash) {
		t.Fatalf("password not updated")
	}
	if _, err := w.accounts.Login(ctx, "ana@example.com", "password-1", origin); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}

	err := w.accounts.ResetPassword(ctx, raw, "another-password", origin)
	if !errors.Is(err, auth.ErrResetTokenUsed) || err.Error() != "token already used" {
		t.Fatalf("expected token already used, got %v", err)
	}
	again, _ := w.store.UserByID(ctx, u.ID)
	if again.PasswordHash != after.PasswordHash {
		t.Fatalf("rejected reset must not touch the password")
	}
	if got := len(w.entries(audit.ActionResetPassword)); got != 2 {
		t.Fatalf("expected 2 reset entries, got %d", got)
	}
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.register(t, "ana@example.com", "password-1")
	res := w.login(t, "ana@example.com", "password-1")
	_ = w.accounts.ForgotPassword(ctx, "ana@example.com", origin)

	if err := w.accounts.ResetPassword(ctx, resetTokenFromLink(t, w), "new-password-1", origin); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, denial := w.guard.Authenticate(ctx, "Bearer "+res.Token, origin); denial == nil {
		t.Fatalf("sessions must be revoked after reset")
	}
}

func TestResetPasswordExpiredAndInvalid(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.register(t, "ana@example.com", "password-1")
	_ = w.accounts.ForgotPassword(ctx, "ana@example.com", origin)
	raw := resetTokenFromLink(t, w)

	if err := w.accounts.ResetPassword(ctx, "not-a-token", "new-password-1", origin); !errors.Is(err, auth.ErrResetTokenInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if err := w.accounts.ResetPassword(ctx, raw, "short", origin); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	w.clock.Advance(time.Hour + time.Second)
	if err := w.accounts.ResetPassword(ctx, raw, "new-password-1", origin); !errors.Is(err, auth.ErrResetTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if _, err := w.store.ResetTokenByHash(ctx, auth.HashResetToken(raw)); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expired token should be deleted, got %v", err)
	}
	if err := w.accounts.ResetPassword(ctx, raw, "new-password-1", origin); !errors.Is(err, auth.ErrResetTokenInvalid) {
		t.Fatalf("deleted token should be invalid, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.register(t, "ana@example.com", "password-1")
	res := w.login(t, "ana@example.com", "password-1")
	p, denial := w.guard.Authenticate(ctx, "Bearer "+res.Token, origin)
	if denial != nil {
		t.Fatalf("Authenticate: %+v", denial)
	}

	if err := w.accounts.ChangePassword(ctx, p, "wrong-password", "new-password-1", origin); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := w.accounts.ChangePassword(ctx, p, "password-1", "new-password-1", origin); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, denial := w.guard.Authenticate(ctx, "Bearer "+res.Token, origin); denial == nil {
		t.Fatalf("sessions must be revoked after a password change")
	}
	w.login(t, "ana@example.com", "new-password-1")
	if got := len(w.entries(audit.ActionUpdateProfile)); got != 2 {
		t.Fatalf("expected 2 update_profile entries, got %d", got)
	}
}

func TestMe(t *testing.T) {
	w := newWorld(t)
	u := w.register(t, "ana@example.com", "password-1")
	prof, err := w.accounts.Me(context.Background(), auth.Principal{UserID: u.ID})
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if prof.Role == nil || prof.Role.Name != "user" || len(prof.Permissions) != 2 {
		t.Fatalf("unexpected profile %+v", prof)
	}
}

func TestRejectMalformedWritesFailedEntry(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.accounts.RejectMalformed(ctx, audit.ActionLogin, "", origin)
	w.accounts.RejectMalformed(ctx, audit.ActionUpdateProfile, "u-1", origin)

	logins := w.entries(audit.ActionLogin)
	if len(logins) != 1 || logins[0].UserID != "" || logins[0].IP != origin.IP {
		t.Fatalf("unexpected login entries %+v", logins)
	}
	if logins[0].Details["success"] != false || logins[0].Details["reason"] != "malformed_request" {
		t.Fatalf("unexpected login details %+v", logins[0].Details)
	}
	updates := w.entries(audit.ActionUpdateProfile)
	if len(updates) != 1 || updates[0].UserID != "u-1" || updates[0].Details["field"] != "password" {
		t.Fatalf("unexpected update_profile entries %+v", updates)
	}
}
