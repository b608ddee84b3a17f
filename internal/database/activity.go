package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"reservo/internal/model"
)

func (q *Queries) InsertActivity(ctx context.Context, e *model.ActivityEntry) error {
	props, err := encodeJSON(e.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO activity_log (id, account_id, actor_id, subject_type, subject_id, action, description, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, int64Arg(e.ActorID), e.SubjectType, e.SubjectID, e.Action, e.Description, props,
		fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns entries created in [from, to), oldest first.
func (q *Queries) ListActivity(ctx context.Context, accountID int64, from, to time.Time) ([]model.ActivityEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, actor_id, subject_type, subject_id, action, description, properties, created_at
		FROM activity_log WHERE account_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at, id`, accountID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActivityEntry
	for rows.Next() {
		var (
			e              model.ActivityEntry
			actor          sql.NullInt64
			props, created string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &actor, &e.SubjectType, &e.SubjectID, &e.Action,
			&e.Description, &props, &created); err != nil {
			return nil, err
		}
		e.ActorID = nullInt64(actor)
		if props != "" && props != "{}" {
			if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
				return nil, fmt.Errorf("decode properties: %w", err)
			}
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
