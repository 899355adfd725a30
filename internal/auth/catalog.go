package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pressline.org/internal/ids"
)

// AllPermissions in a role's permission list grants every catalog entry.
const AllPermissions = "*"

// Catalog is the declarative permission and role set seeded at install.
type Catalog struct {
	Permissions []CatalogPermission `yaml:"permissions"`
	Roles       []CatalogRole       `yaml:"roles"`
}

type CatalogPermission struct {
	Name     string `yaml:"name"`
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
	Category string `yaml:"category"`
}

type CatalogRole struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("%w: decode catalog: %v", ErrInvalidInput, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks names are unique, pairs are complete and every role
// references known permissions.
func (c Catalog) Validate() error {
	names := make(map[string]struct{}, len(c.Permissions))
	pairs := make(map[Pair]string, len(c.Permissions))
	for _, p := range c.Permissions {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Resource) == "" || strings.TrimSpace(p.Action) == "" {
			return fmt.Errorf("%w: permission %q needs name, resource and action", ErrInvalidInput, p.Name)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: duplicate permission %q", ErrInvalidInput, p.Name)
		}
		names[p.Name] = struct{}{}
		pair := Pair{Resource: p.Resource, Action: p.Action}
		if other, dup := pairs[pair]; dup {
			return fmt.Errorf("%w: permissions %q and %q share %s", ErrInvalidInput, other, p.Name, pair)
		}
		pairs[pair] = p.Name
	}
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if !roleNamePattern.MatchString(r.Name) {
			return fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, r.Name)
		}
		if _, dup := roles[r.Name]; dup {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidInput, r.Name)
		}
		roles[r.Name] = struct{}{}
		for _, name := range r.Permissions {
			if name == AllPermissions {
				continue
			}
			if _, ok := names[name]; !ok {
				return fmt.Errorf("%w: role %q references unknown permission %q", ErrInvalidInput, r.Name, name)
			}
		}
	}
	return nil
}

// SeedReport counts what SeedCatalog created.
type SeedReport struct {
	Permissions int `json:"permissions"`
	Roles       int `json:"roles"`
	Grants      int `json:"grants"`
}

type catalogStore interface {
	PermissionByName(ctx context.Context, name string) (Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	GrantPermissions(ctx context.Context, roleID string, permissionIDs []string) (int, error)
}

// SeedCatalog creates missing permissions, roles and grants. Running it
// again is a no-op. Existing roles are never renamed or stripped.
func SeedCatalog(ctx context.Context, store catalogStore, c Catalog) (SeedReport, error) {
	if err := c.Validate(); err != nil {
		return SeedReport{}, err
	}
	var rep SeedReport
	now := time.Now().UTC()
	permIDs := make(map[string]string, len(c.Permissions))
	all := make([]string, 0, len(c.Permissions))
	for _, cp := range c.Permissions {
		perm, err := store.PermissionByName(ctx, cp.Name)
		if errors.Is(err, ErrNotFound) {
			perm, err = store.CreatePermission(ctx, Permission{
				ID:        ids.NewAt(now),
				Name:      cp.Name,
				Resource:  cp.Resource,
				Action:    cp.Action,
				Category:  cp.Category,
				CreatedAt: now,
			})
			if err == nil {
				rep.Permissions++
			}
		}
		if err != nil {
			return rep, fmt.Errorf("permission %s: %w", cp.Name, err)
		}
		permIDs[cp.Name] = perm.ID
		all = append(all, perm.ID)
	}

	for _, cr := range c.Roles {
		role, err := store.RoleByName(ctx, cr.Name)
		if errors.Is(err, ErrNotFound) {
			display := cr.DisplayName
			if display == "" {
				display = cr.Name
			}
			role, err = store.CreateRole(ctx, Role{
				ID:          ids.NewAt(now),
				Name:        cr.Name,
				DisplayName: display,
				Active:      true,
				System:      cr.System,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err == nil {
				rep.Roles++
			}
		}
		if err != nil {
			return rep, fmt.Errorf("role %s: %w", cr.Name, err)
		}
		var grant []string
		for _, name := range cr.Permissions {
			if name == AllPermissions {
				grant = all
				break
			}
			grant = append(grant, permIDs[name])
		}
		if len(grant) == 0 {
			continue
		}
		n, err := store.GrantPermissions(ctx, role.ID, grant)
		if err != nil {
			return rep, fmt.Errorf("grants for %s: %w", cr.Name, err)
		}
		rep.Grants += n
	}
	return rep, nil
}

// Roles holds the ids of the roles the core refers to by name.
type Roles struct {
	DefaultID string
	AdminID   string
}

// ResolveRoles looks up the default and admin roles by machine name. It
// is called once at startup; a missing role is a fatal configuration
// error.
func ResolveRoles(ctx context.Context, store RoleStore, defaultName, adminName string) (Roles, error) {
	def, err := store.RoleByName(ctx, defaultName)
	if err != nil {
		return Roles{}, fmt.Errorf("default role %q: %w", defaultName, err)
	}
	adm, err := store.RoleByName(ctx, adminName)
	if err != nil {
		return Roles{}, fmt.Errorf("admin role %q: %w", adminName, err)
	}
	if def.ID == adm.ID {
		return Roles{}, fmt.Errorf("%w: default and admin role must differ", ErrInvalidInput)
	}
	// Only system roles are protected from deletion and deactivation, and
	// the last-admin guard relies on that.
	if !adm.System {
		return Roles{}, fmt.Errorf("%w: admin role %q must be a system role", ErrInvalidInput, adminName)
	}
	return Roles{DefaultID: def.ID, AdminID: adm.ID}, nil
}

// EnsureAdmin makes sure the given account exists and holds the admin
// role. An existing account keeps its password. It reports whether a new
// user was created.
func EnsureAdmin(ctx context.Context, store Store, hasher *Hasher, roles Roles, email, password, displayName string) (User, bool, error) {
	norm, err := NormalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}
	user, err := store.UserByEmail(ctx, norm)
	if err == nil {
		if user.RoleID != roles.AdminID {
			if err := store.SetUserRole(ctx, user.ID, roles.AdminID, ""); err != nil {
				return User{}, false, err
			}
			user.RoleID = roles.AdminID
		}
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return User{}, false, err
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = "Administrator"
	}
	now := time.Now().UTC()
	user, err = store.CreateUser(ctx, User{
		ID:           ids.NewAt(now),
		Email:        norm,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(displayName),
		RoleID:       roles.AdminID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}
