package pg

import (
	"context"
	"database/sql"
	"errors"

	"pressline.org/internal/auth"
)

const userColumns = `id, email, password_hash, display_name, role_id, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u    auth.User
		role sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	u.RoleID = role.String
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	return u, mapErr(err, "user")
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
	return u, mapErr(err, "user")
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, display_name, role_id, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
		returning `+userColumns,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, nullIfEmpty(u.RoleID), u.Active, u.CreatedAt))
	return created, mapErr(err, "user")
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return expectOne(res, "user")
}

// SetUserRole locks the target row and, when the target holds guardRoleID,
// every other active holder, so two concurrent demotions cannot both pass
// the last-holder check.
func (s *Store) SetUserRole(ctx context.Context, userID, roleID, guardRoleID string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if roleID != guardRoleID {
		if err := guardLastHolder(ctx, tx, userID, guardRoleID); err != nil {
			return err
		}
	} else if err := lockUser(ctx, tx, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `update users set role_id = $2, updated_at = now() where id = $1`, userID, nullIfEmpty(roleID))
	if err != nil {
		return mapErr(err, "role")
	}
	if err := expectOne(res, "user"); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteUser removes the user; sessions and reset tokens go with it
// through foreign keys.
func (s *Store) DeleteUser(ctx context.Context, userID, guardRoleID string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := guardLastHolder(ctx, tx, userID, guardRoleID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from users where id = $1`, userID)
	if err != nil {
		return err
	}
	if err := expectOne(res, "user"); err != nil {
		return err
	}
	return tx.Commit()
}

func lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, userID).Scan(&id)
	return mapErr(err, "user")
}

func guardLastHolder(ctx context.Context, tx *sql.Tx, userID, guardRoleID string) error {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `select role_id from users where id = $1 for update`, userID).Scan(&current)
	if err != nil {
		return mapErr(err, "user")
	}
	if guardRoleID == "" || current.String != guardRoleID {
		return nil
	}
	var others int
	err = tx.QueryRowContext(ctx, `
		select count(*) from (
			select id from users
			where role_id = $1 and active and id <> $2
			for update
		) holders
	`, guardRoleID, userID).Scan(&others)
	if err != nil {
		return err
	}
	if others == 0 {
		return auth.ErrLastAdmin
	}
	return nil
}

func (s *Store) CountUsersWithRole(ctx context.Context, roleID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from users where role_id = $1`, roleID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
