package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"pressline.org/internal/audit"
	"pressline.org/internal/ids"
	"pressline.org/internal/notify"
)

const (
	DefaultResetTTL = time.Hour
	resetTokenBytes = 32
	accountResource = "auth"
)

// RegisterInput is the self-service sign-up payload.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Profile is a user with its current role and granted pairs.
type Profile struct {
	User        User   `json:"user"`
	Role        *Role  `json:"role,omitempty"`
	Permissions []Pair `json:"permissions"`
}

// AccountDeps are the collaborators of Accounts.
type AccountDeps struct {
	Store    Store
	Hasher   *Hasher
	Tokens   *TokenService
	Audit    *audit.Log
	Notifier notify.Notifier
	Roles    Roles
}

// Accounts implements login, logout, registration and password flows.
type Accounts struct {
	store    Store
	hasher   *Hasher
	tokens   *TokenService
	audit    *audit.Log
	notifier notify.Notifier
	roles    Roles

	resetTTL time.Duration
	resetURL string
	now      func() time.Time
	random   io.Reader
}

// AccountOption configures Accounts.
type AccountOption func(*Accounts) error

// WithAccountClock overrides the time source.
func WithAccountClock(now func() time.Time) AccountOption {
	return func(a *Accounts) error {
		if now == nil {
			return errors.New("accounts: clock is nil")
		}
		a.now = now
		return nil
	}
}

// WithResetTTL overrides the password reset token lifetime.
func WithResetTTL(ttl time.Duration) AccountOption {
	return func(a *Accounts) error {
		if ttl <= 0 {
			return errors.New("accounts: reset ttl must be positive")
		}
		a.resetTTL = ttl
		return nil
	}
}

// WithResetURL sets the page that receives the reset token as ?token=.
func WithResetURL(raw string) AccountOption {
	return func(a *Accounts) error {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("accounts: invalid reset url %q", raw)
		}
		a.resetURL = u.String()
		return nil
	}
}

func NewAccounts(deps AccountDeps, opts ...AccountOption) (*Accounts, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("accounts: store is required")
	case deps.Hasher == nil:
		return nil, errors.New("accounts: hasher is required")
	case deps.Tokens == nil:
		return nil, errors.New("accounts: token service is required")
	case deps.Notifier == nil:
		return nil, errors.New("accounts: notifier is required")
	case deps.Roles.DefaultID == "":
		return nil, errors.New("accounts: default role is not resolved")
	}
	a := &Accounts{
		store:    deps.Store,
		hasher:   deps.Hasher,
		tokens:   deps.Tokens,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		roles:    deps.Roles,
		resetTTL: DefaultResetTTL,
		resetURL: "http://localhost:3000/reset-password",
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Register creates an active user holding the default role.
func (a *Accounts) Register(ctx context.Context, in RegisterInput, origin audit.Origin) (User, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	now := a.now().UTC()
	user, err := a.store.CreateUser(ctx, User{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  name,
		RoleID:       a.roles.DefaultID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, ErrConflict) {
		a.record(ctx, "", audit.ActionRegister, "", map[string]any{"success": false, "reason": "email_taken"}, origin)
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	a.record(ctx, user.ID, audit.ActionRegister, user.ID, map[string]any{"success": true}, origin)
	return user, nil
}

// Login verifies credentials, opens a session and issues a token bound
// to it. Every call writes exactly one login entry.
func (a *Accounts) Login(ctx context.Context, email, password string, origin audit.Origin) (LoginResult, error) {
	res, userID, reason, err := a.login(ctx, email, password, origin)
	details := map[string]any{"success": err == nil}
	if reason != "" {
		details["reason"] = reason
	}
	if e := strings.TrimSpace(email); e != "" {
		details["email"] = e
	}
	a.record(ctx, userID, audit.ActionLogin, userID, details, origin)
	return res, err
}

func (a *Accounts) login(ctx context.Context, email, password string, origin audit.Origin) (LoginResult, string, string, error) {
	norm, err := NormalizeEmail(email)
	if err != nil {
		a.hasher.burn(password)
		return LoginResult{}, "", "invalid_email", ErrInvalidCredentials
	}
	user, err := a.store.UserByEmail(ctx, norm)
	if errors.Is(err, ErrNotFound) {
		a.hasher.burn(password)
		return LoginResult{}, "", "unknown_email", ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, "", "lookup_failed", fmt.Errorf("load user: %w", err)
	}
	if !a.hasher.Verify(password, user.PasswordHash) {
		return LoginResult{}, user.ID, "wrong_password", ErrInvalidCredentials
	}
	if !user.Active {
		return LoginResult{}, user.ID, "inactive", ErrInvalidCredentials
	}

	issued, err := a.tokens.Issue(user.ID, uuid.NewString())
	if err != nil {
		return LoginResult{}, user.ID, "token_failed", err
	}
	err = a.store.CreateSession(ctx, Session{
		ID:        issued.SessionID,
		UserID:    user.ID,
		ExpiresAt: issued.ExpiresAt,
		IP:        origin.IP,
		UserAgent: origin.UserAgent,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		return LoginResult{}, user.ID, "session_failed", fmt.Errorf("create session: %w", err)
	}
	return LoginResult{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: user}, user.ID, "", nil
}

// Logout deletes the principal's session. A session that is already gone
// is not an error.
func (a *Accounts) Logout(ctx context.Context, p Principal, origin audit.Origin) error {
	err := a.store.DeleteSession(ctx, p.SessionID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	a.record(ctx, p.UserID, audit.ActionLogout, p.UserID, map[string]any{"success": err == nil}, origin)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Me returns the principal's user with its role and granted pairs.
func (a *Accounts) Me(ctx context.Context, p Principal) (Profile, error) {
	user, err := a.store.UserByID(ctx, p.UserID)
	if err != nil {
		return Profile{}, err
	}
	prof := Profile{User: user, Permissions: []Pair{}}
	if user.RoleID == "" {
		return prof, nil
	}
	role, err := a.store.RoleByID(ctx, user.RoleID)
	if errors.Is(err, ErrNotFound) {
		return prof, nil
	}
	if err != nil {
		return Profile{}, err
	}
	prof.Role = &role
	if !role.Active {
		return prof, nil
	}
	perms, err := a.store.RolePermissions(ctx, role.ID)
	if err != nil {
		return Profile{}, err
	}
	for _, perm := range perms {
		prof.Permissions = append(prof.Permissions, perm.Pair())
	}
	return prof, nil
}

// ForgotPassword sends a single-use reset link. An unknown or inactive
// address returns nil so callers cannot probe for accounts.
func (a *Accounts) ForgotPassword(ctx context.Context, email string, origin audit.Origin) error {
	norm, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	user, err := a.store.UserByEmail(ctx, norm)
	if errors.Is(err, ErrNotFound) || (err == nil && !user.Active) {
		a.record(ctx, "", audit.ActionForgotPassword, "", map[string]any{"sent": false, "email": norm}, origin)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	raw, err := a.newResetToken()
	if err != nil {
		return err
	}
	now := a.now().UTC()
	tok := PasswordResetToken{
		ID:        ids.NewAt(now),
		UserID:    user.ID,
		TokenHash: HashResetToken(raw),
		ExpiresAt: now.Add(a.resetTTL),
		CreatedAt: now,
	}
	if err := a.store.CreateResetToken(ctx, tok); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	link, err := a.resetLink(raw)
	if err != nil {
		return err
	}
	err = a.notifier.Notify(ctx, notify.Message{
		Kind:    notify.KindPasswordReset,
		To:      user.Email,
		Subject: "Reset your password",
		Body:    "Open the link below to choose a new password. It expires in " + a.resetTTL.String() + ".\n\n" + link,
		Link:    link,
	})
	if err != nil {
		_ = a.store.DeleteResetToken(ctx, tok.ID)
		a.record(ctx, user.ID, audit.ActionForgotPassword, user.ID, map[string]any{"sent": false, "reason": "delivery_failed"}, origin)
		return fmt.Errorf("send reset link: %w", err)
	}
	a.record(ctx, user.ID, audit.ActionForgotPassword, user.ID, map[string]any{"sent": true}, origin)
	return nil
}

// ResetPassword consumes a reset token. Used tokens are rejected without
// any mutation; expired tokens are deleted. On success every session of
// the user is revoked.
func (a *Accounts) ResetPassword(ctx context.Context, rawToken, newPassword string, origin audit.Origin) error {
	userID, reason, err := a.resetPassword(ctx, rawToken, newPassword)
	details := map[string]any{"success": err == nil}
	if reason != "" {
		details["reason"] = reason
	}
	a.record(ctx, userID, audit.ActionResetPassword, userID, details, origin)
	return err
}

func (a *Accounts) resetPassword(ctx context.Context, rawToken, newPassword string) (string, string, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return "", "invalid", ErrResetTokenInvalid
	}
	tok, err := a.store.ResetTokenByHash(ctx, HashResetToken(rawToken))
	if errors.Is(err, ErrNotFound) {
		return "", "invalid", ErrResetTokenInvalid
	}
	if err != nil {
		return "", "lookup_failed", fmt.Errorf("load reset token: %w", err)
	}
	if tok.Used {
		return tok.UserID, "used", ErrResetTokenUsed
	}
	if !a.now().Before(tok.ExpiresAt) {
		if err := a.store.DeleteResetToken(ctx, tok.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return tok.UserID, "expired", fmt.Errorf("delete expired token: %w", err)
		}
		return tok.UserID, "expired", ErrResetTokenExpired
	}
	hash, err := a.hasher.Hash(newPassword)
	if err != nil {
		return tok.UserID, "invalid_password", err
	}
	if err := a.store.ConsumeResetToken(ctx, tok.ID, tok.UserID, hash); err != nil {
		if errors.Is(err, ErrResetTokenUsed) {
			return tok.UserID, "used", ErrResetTokenUsed
		}
		return tok.UserID, "consume_failed", fmt.Errorf("consume reset token: %w", err)
	}
	return tok.UserID, "", nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session of the user, including the caller's.
func (a *Accounts) ChangePassword(ctx context.Context, p Principal, current, next string, origin audit.Origin) error {
	reason, err := a.changePassword(ctx, p, current, next)
	details := map[string]any{"field": "password", "success": err == nil}
	if reason != "" {
		details["reason"] = reason
	}
	a.record(ctx, p.UserID, audit.ActionUpdateProfile, p.UserID, details, origin)
	return err
}

func (a *Accounts) changePassword(ctx context.Context, p Principal, current, next string) (string, error) {
	user, err := a.store.UserByID(ctx, p.UserID)
	if err != nil {
		return "lookup_failed", err
	}
	if !a.hasher.Verify(current, user.PasswordHash) {
		return "wrong_password", ErrInvalidCredentials
	}
	hash, err := a.hasher.Hash(next)
	if err != nil {
		return "invalid_password", err
	}
	if err := a.store.UpdatePassword(ctx, user.ID, hash); err != nil {
		return "update_failed", fmt.Errorf("update password: %w", err)
	}
	if _, err := a.store.DeleteUserSessions(ctx, user.ID); err != nil {
		return "revoke_failed", fmt.Errorf("revoke sessions: %w", err)
	}
	return "", nil
}

// RejectMalformed writes the failed entry a credential flow owes for a
// request whose payload could not be decoded. userID is empty for
// unauthenticated flows.
func (a *Accounts) RejectMalformed(ctx context.Context, action audit.Action, userID string, origin audit.Origin) {
	details := map[string]any{"success": false, "reason": "malformed_request"}
	if action == audit.ActionUpdateProfile {
		details["field"] = "password"
	}
	a.record(ctx, userID, action, userID, details, origin)
}

func (a *Accounts) newResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := io.ReadFull(a.random, buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (a *Accounts) resetLink(raw string) (string, error) {
	u, err := url.Parse(a.resetURL)
	if err != nil {
		return "", fmt.Errorf("parse reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Accounts) record(ctx context.Context, userID string, action audit.Action, resourceID string, details map[string]any, origin audit.Origin) {
	a.audit.Record(ctx, audit.Event{
		UserID:     userID,
		Action:     action,
		Resource:   accountResource,
		ResourceID: resourceID,
		Details:    details,
		Origin:     origin,
	})
}

// HashResetToken returns the hex blake3 digest under which a reset token
// is stored.
func HashResetToken(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
