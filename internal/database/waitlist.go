package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservo/internal/model"
)

const waitlistColumns = `id, account_id, team_member_id, client_id, client_user_id, service_id,
	requested_start_at, requested_end_at, duration_minutes, party_size, status, released_at, created_at`

func scanWaitlist(row rowScanner) (*model.WaitlistEntry, error) {
	var (
		w                                       model.WaitlistEntry
		member, clientID, clientUserID, service sql.NullInt64
		partySize                               sql.NullInt64
		start, end, status, created             string
		released                                sql.NullString
	)
	if err := row.Scan(&w.ID, &w.AccountID, &member, &clientID, &clientUserID, &service,
		&start, &end, &w.DurationMinutes, &partySize, &status, &released, &created); err != nil {
		return nil, err
	}
	w.TeamMemberID = nullInt64(member)
	w.ClientID = nullInt64(clientID)
	w.ClientUserID = nullInt64(clientUserID)
	w.ServiceID = nullInt64(service)
	w.RequestedStartAt = parseTime(start)
	w.RequestedEndAt = parseTime(end)
	w.PartySize = nullInt(partySize)
	w.Status = model.WaitlistStatus(status)
	w.ReleasedAt = parseNullTime(released)
	w.CreatedAt = parseTime(created)
	return &w, nil
}

func (q *Queries) CreateWaitlistEntry(ctx context.Context, w *model.WaitlistEntry) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if w.Status == "" {
		w.Status = model.WaitlistPending
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO reservation_waitlists (
			account_id, team_member_id, client_id, client_user_id, service_id,
			requested_start_at, requested_end_at, duration_minutes, party_size, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.AccountID, int64Arg(w.TeamMemberID), int64Arg(w.ClientID), int64Arg(w.ClientUserID),
		int64Arg(w.ServiceID), fmtTime(w.RequestedStartAt), fmtTime(w.RequestedEndAt),
		w.DurationMinutes, intArg(w.PartySize), string(w.Status), fmtTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) GetWaitlistEntry(ctx context.Context, id int64) (*model.WaitlistEntry, error) {
	w, err := scanWaitlist(q.q.QueryRowContext(ctx,
		`SELECT `+waitlistColumns+` FROM reservation_waitlists WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListPendingWaitlist returns pending entries whose requested window overlaps [from, to), oldest first.
// Entries for teamMemberID and entries without a member are both included.
func (q *Queries) ListPendingWaitlist(ctx context.Context, accountID, teamMemberID int64, from, to time.Time) ([]model.WaitlistEntry, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+waitlistColumns+` FROM reservation_waitlists
		WHERE account_id = ? AND status = ?
		  AND (team_member_id IS NULL OR team_member_id = ?)
		  AND requested_start_at < ? AND requested_end_at > ?
		ORDER BY created_at, id`,
		accountID, string(model.WaitlistPending), teamMemberID, fmtTime(to), fmtTime(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WaitlistEntry
	for rows.Next() {
		w, err := scanWaitlist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetWaitlistStatus moves an entry out of fromStatus. It returns ErrNotFound when the entry is
// missing or no longer in fromStatus.
func (q *Queries) SetWaitlistStatus(ctx context.Context, id int64, from, to model.WaitlistStatus, at time.Time) error {
	var released any
	if to == model.WaitlistReleased {
		released = fmtTime(at)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE reservation_waitlists SET status = ?, released_at = COALESCE(?, released_at)
		WHERE id = ? AND status = ?`, string(to), released, id, string(from))
	if err != nil {
		return err
	}
	return checkAffected(res)
}
