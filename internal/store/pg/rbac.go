package pg

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"pressline.org/internal/auth"
)

const (
	roleColumns       = `id, name, display_name, active, system, created_at, updated_at`
	permissionColumns = `id, name, resource, action, category, created_at`
)

func scanRole(row rowScanner) (auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Active, &r.System, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanPermission(row rowScanner) (auth.Permission, error) {
	var p auth.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Category, &p.CreatedAt)
	return p, err
}

func (s *Store) RoleByID(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
	return r, mapErr(err, "role")
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	return r, mapErr(err, "role")
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	created, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, name, display_name, active, system, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		returning `+roleColumns,
		r.ID, r.Name, r.DisplayName, r.Active, r.System, r.CreatedAt))
	return created, mapErr(err, "role")
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.DisplayName != nil {
		sets = append(sets, fmt.Sprintf("display_name = $%d", idx))
		args = append(args, *upd.DisplayName)
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if len(sets) == 0 {
		return s.RoleByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update roles set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, roleColumns)
	args = append(args, id)
	r, err := scanRole(s.db.QueryRowContext(ctx, query, args...))
	return r, mapErr(err, "role")
}

// DeleteRole relies on role_permissions cascading and users.role_id being
// set null.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "role")
}

func (s *Store) PermissionByID(ctx context.Context, id string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id))
	return p, mapErr(err, "permission")
}

func (s *Store) PermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name))
	return p, mapErr(err, "permission")
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryPermissions(ctx, `select `+permissionColumns+` from permissions order by name`)
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	created, err := scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, resource, action, category, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning `+permissionColumns,
		p.ID, p.Name, p.Resource, p.Action, p.Category, p.CreatedAt))
	return created, mapErr(err, "permission")
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryPermissions(ctx, `
		select p.id, p.name, p.resource, p.action, p.category, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
}

func (s *Store) queryPermissions(ctx context.Context, query string, args ...any) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []auth.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
	`, roleID, permissionID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrDuplicateGrant
	}
	return mapErr(err, "grant")
}

// GrantPermissions inserts the whole batch in one statement and skips
// pairs that already exist.
func (s *Store) GrantPermissions(ctx context.Context, roleID string, permissionIDs []string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	if len(permissionIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		select $1, unnest($2::text[])
		on conflict (role_id, permission_id) do nothing
	`, roleID, pq.Array(permissionIDs))
	if err != nil {
		return 0, mapErr(err, "grant")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions
		where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return err
	}
	return expectOne(res, "grant")
}
