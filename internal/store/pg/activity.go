package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pressline.org/internal/audit"
)

func (s *Store) AppendEntry(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into activity_logs (id, user_id, action, resource, resource_id, details, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, nullIfEmpty(e.UserID), string(e.Action), e.Resource, e.ResourceID, details, e.IP, e.UserAgent, e.CreatedAt)
	return err
}

func (s *Store) QueryEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, string(f.Action))
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from activity_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		select id, coalesce(user_id, ''), action, resource, resource_id, details, ip, user_agent, created_at
		from activity_logs%s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		var (
			e      audit.Entry
			action string
			raw    []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.Resource, &e.ResourceID, &raw, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Action = audit.Action(action)
		if len(raw) > 0 && string(raw) != "{}" {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from activity_logs where created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
