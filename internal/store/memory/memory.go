// Package memory is an in-process credential and activity store. It backs
// tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
)

// Store implements auth.Store and audit.Store with in-process concurrency
// safety.
type Store struct {
	mu sync.RWMutex

	users     map[string]auth.User
	emails    map[string]string
	roles     map[string]auth.Role
	roleNames map[string]string
	perms     map[string]auth.Permission
	permNames map[string]string
	grants    map[string]map[string]time.Time
	sessions  map[string]auth.Session
	resets    map[string]auth.PasswordResetToken
	resetHash map[string]string
	entries   []audit.Entry

	now func() time.Time
}

var (
	_ auth.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]auth.User),
		emails:    make(map[string]string),
		roles:     make(map[string]auth.Role),
		roleNames: make(map[string]string),
		perms:     make(map[string]auth.Permission),
		permNames: make(map[string]string),
		grants:    make(map[string]map[string]time.Time),
		sessions:  make(map[string]auth.Session),
		resets:    make(map[string]auth.PasswordResetToken),
		resetHash: make(map[string]string),
		now:       time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Users

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, id)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, email)
	}
	return s.users[id], nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.emails[u.Email]; dup {
		return auth.User{}, fmt.Errorf("%w: email %s", auth.ErrConflict, u.Email)
	}
	if _, dup := s.users[u.ID]; dup {
		return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrConflict, u.ID)
	}
	if u.RoleID != "" {
		if _, ok := s.roles[u.RoleID]; !ok {
			return auth.User{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, u.RoleID)
		}
	}
	s.users[u.ID] = u
	s.emails[u.Email] = u.ID
	return u, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Store) SetUserRole(ctx context.Context, userID, roleID, guardRoleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	if roleID != "" {
		if _, ok := s.roles[roleID]; !ok {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
		}
	}
	if roleID != guardRoleID && s.lastHolderLocked(u, guardRoleID) {
		return auth.ErrLastAdmin
	}
	u.RoleID = roleID
	u.UpdatedAt = s.now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID, guardRoleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	if s.lastHolderLocked(u, guardRoleID) {
		return auth.ErrLastAdmin
	}
	delete(s.users, userID)
	delete(s.emails, u.Email)
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
	for id, tok := range s.resets {
		if tok.UserID == userID {
			delete(s.resets, id)
			delete(s.resetHash, tok.TokenHash)
		}
	}
	return nil
}

// lastHolderLocked reports whether u holds guardRoleID and no other active
// user does.
func (s *Store) lastHolderLocked(u auth.User, guardRoleID string) bool {
	if guardRoleID == "" || u.RoleID != guardRoleID {
		return false
	}
	for id, other := range s.users {
		if id != u.ID && other.RoleID == guardRoleID && other.Active {
			return false
		}
	}
	return true
}

func (s *Store) CountUsersWithRole(ctx context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.RoleID == roleID {
			n++
		}
	}
	return n, nil
}

// Roles

func (s *Store) RoleByID(ctx context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	return r, nil
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleNames[name]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	return s.roles[id], nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.roleNames[r.Name]; dup {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrConflict, r.Name)
	}
	s.roles[r.ID] = r
	s.roleNames[r.Name] = r.ID
	return r, nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	if upd.Name != nil && *upd.Name != r.Name {
		if _, dup := s.roleNames[*upd.Name]; dup {
			return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrConflict, *upd.Name)
		}
		delete(s.roleNames, r.Name)
		r.Name = *upd.Name
		s.roleNames[r.Name] = id
	}
	if upd.DisplayName != nil {
		r.DisplayName = *upd.DisplayName
	}
	if upd.Active != nil {
		r.Active = *upd.Active
	}
	r.UpdatedAt = s.now().UTC()
	s.roles[id] = r
	return r, nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	delete(s.roles, id)
	delete(s.roleNames, r.Name)
	delete(s.grants, id)
	for uid, u := range s.users {
		if u.RoleID == id {
			u.RoleID = ""
			s.users[uid] = u
		}
	}
	return nil
}

// Permissions

func (s *Store) PermissionByID(ctx context.Context, id string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return auth.Permission{}, fmt.Errorf("%w: permission %s", auth.ErrNotFound, id)
	}
	return p, nil
}

func (s *Store) PermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.permNames[name]
	if !ok {
		return auth.Permission{}, fmt.Errorf("%w: permission %s", auth.ErrNotFound, name)
	}
	return s.perms[id], nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.permNames[p.Name]; dup {
		return auth.Permission{}, fmt.Errorf("%w: permission %s", auth.ErrConflict, p.Name)
	}
	s.perms[p.ID] = p
	s.permNames[p.Name] = p.ID
	return p, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.grants[roleID]))
	for pid := range s.grants[roleID] {
		out = append(out, s.perms[pid])
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkGrantLocked(roleID, permissionID); err != nil {
		return err
	}
	if _, dup := s.grants[roleID][permissionID]; dup {
		return auth.ErrDuplicateGrant
	}
	s.grantLocked(roleID, permissionID)
	return nil
}

func (s *Store) GrantPermissions(ctx context.Context, roleID string, permissionIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range permissionIDs {
		if err := s.checkGrantLocked(roleID, pid); err != nil {
			return 0, err
		}
	}
	n := 0
	for _, pid := range permissionIDs {
		if _, dup := s.grants[roleID][pid]; dup {
			continue
		}
		s.grantLocked(roleID, pid)
		n++
	}
	return n, nil
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[roleID][permissionID]; !ok {
		return fmt.Errorf("%w: grant %s/%s", auth.ErrNotFound, roleID, permissionID)
	}
	delete(s.grants[roleID], permissionID)
	return nil
}

func (s *Store) checkGrantLocked(roleID, permissionID string) error {
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	if _, ok := s.perms[permissionID]; !ok {
		return fmt.Errorf("%w: permission %s", auth.ErrNotFound, permissionID)
	}
	return nil
}

func (s *Store) grantLocked(roleID, permissionID string) {
	if s.grants[roleID] == nil {
		s.grants[roleID] = make(map[string]time.Time)
	}
	s.grants[roleID][permissionID] = s.now().UTC()
}

func sortPermissions(perms []auth.Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sess.UserID]; !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, sess.UserID)
	}
	if _, dup := s.sessions[sess.ID]; dup {
		return fmt.Errorf("%w: session %s", auth.ErrConflict, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteUserSessionsLocked(userID), nil
}

func (s *Store) deleteUserSessionsLocked(userID string) int64 {
	var n int64
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Reset tokens

func (s *Store) CreateResetToken(ctx context.Context, t auth.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.UserID]; !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, t.UserID)
	}
	if _, dup := s.resetHash[t.TokenHash]; dup {
		return fmt.Errorf("%w: reset token", auth.ErrConflict)
	}
	s.resets[t.ID] = t
	s.resetHash[t.TokenHash] = t.ID
	return nil
}

func (s *Store) ResetTokenByHash(ctx context.Context, tokenHash string) (auth.PasswordResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.resetHash[tokenHash]
	if !ok {
		return auth.PasswordResetToken{}, fmt.Errorf("%w: reset token", auth.ErrNotFound)
	}
	return s.resets[id], nil
}

func (s *Store) DeleteResetToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[id]
	if !ok {
		return fmt.Errorf("%w: reset token", auth.ErrNotFound)
	}
	delete(s.resets, id)
	delete(s.resetHash, t.TokenHash)
	return nil
}

func (s *Store) ConsumeResetToken(ctx context.Context, tokenID, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[tokenID]
	if !ok {
		return fmt.Errorf("%w: reset token", auth.ErrNotFound)
	}
	if t.Used {
		return auth.ErrResetTokenUsed
	}
	u, ok := s.users[userID]
	if !ok || t.UserID != userID {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	t.Used = true
	s.resets[tokenID] = t
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now().UTC()
	s.users[userID] = u
	s.deleteUserSessionsLocked(userID)
	return nil
}

// Activity log

func (s *Store) AppendEntry(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *Store) QueryEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []audit.Entry
	for _, e := range s.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	if f.Offset >= total {
		return []audit.Entry{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return append([]audit.Entry(nil), matched[f.Offset:end]...), total, nil
}

func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Entries returns a copy of every stored entry in insertion order.
func (s *Store) Entries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.entries...)
}
