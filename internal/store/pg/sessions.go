package pg

import (
	"context"

	"pressline.org/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, expires_at, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, sess.ExpiresAt, sess.IP, sess.UserAgent, sess.CreatedAt)
	return mapErr(err, "session")
}

func (s *Store) SessionByID(ctx context.Context, id string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errNoDB
	}
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, expires_at, ip, user_agent, created_at
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.IP, &sess.UserAgent, &sess.CreatedAt)
	return sess, mapErr(err, "session")
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "session")
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateResetToken(ctx context.Context, t auth.PasswordResetToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, used, created_at)
		values ($1, $2, $3, $4, false, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return mapErr(err, "reset token")
}

func (s *Store) ResetTokenByHash(ctx context.Context, tokenHash string) (auth.PasswordResetToken, error) {
	if s.db == nil {
		return auth.PasswordResetToken{}, errNoDB
	}
	var t auth.PasswordResetToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used, created_at
		from password_reset_tokens where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	return t, mapErr(err, "reset token")
}

func (s *Store) DeleteResetToken(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from password_reset_tokens where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "reset token")
}

// ConsumeResetToken flips used only if it is still false, so of two
// concurrent resets exactly one proceeds.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenID, userID, passwordHash string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update password_reset_tokens set used = true
		where id = $1 and user_id = $2 and used = false
	`, tokenID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return auth.ErrResetTokenUsed
	}
	res, err = tx.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if err := expectOne(res, "user"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from sessions where user_id = $1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}
