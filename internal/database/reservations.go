package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservo/internal/model"
)

const reservationColumns = `id, account_id, team_member_id, client_id, client_user_id, service_id, status, source,
	starts_at, ends_at, duration_minutes, buffer_minutes, party_size, notes, cancelled_at, cancelled_by,
	cancel_reason, rescheduled_from_id, created_by, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		r                                                    model.Reservation
		clientID, clientUserID, serviceID, cancelledBy, from sql.NullInt64
		createdBy, partySize                                 sql.NullInt64
		status, source, startsAt, endsAt, created, updated   string
		cancelledAt                                          sql.NullString
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.TeamMemberID, &clientID, &clientUserID, &serviceID, &status, &source,
		&startsAt, &endsAt, &r.DurationMinutes, &r.BufferMinutes, &partySize, &r.Notes, &cancelledAt, &cancelledBy,
		&r.CancelReason, &from, &createdBy, &r.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.ClientID = nullInt64(clientID)
	r.ClientUserID = nullInt64(clientUserID)
	r.ServiceID = nullInt64(serviceID)
	r.Status = model.ReservationStatus(status)
	r.Source = model.ReservationSource(source)
	r.StartsAt = parseTime(startsAt)
	r.EndsAt = parseTime(endsAt)
	r.PartySize = nullInt(partySize)
	r.CancelledAt = parseNullTime(cancelledAt)
	r.CancelledBy = nullInt64(cancelledBy)
	r.RescheduledFromID = nullInt64(from)
	r.CreatedBy = nullInt64(createdBy)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

func scanReservations(rows *sql.Rows) ([]model.Reservation, error) {
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateReservation inserts r and fills its id, version and timestamps.
func (q *Queries) CreateReservation(ctx context.Context, r *model.Reservation) error {
	now := time.Now().UTC().Truncate(time.Second)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	r.Version = 1

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO reservations (
			account_id, team_member_id, client_id, client_user_id, service_id, status, source,
			starts_at, ends_at, duration_minutes, buffer_minutes, party_size, notes,
			rescheduled_from_id, created_by, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.TeamMemberID, int64Arg(r.ClientID), int64Arg(r.ClientUserID), int64Arg(r.ServiceID),
		string(r.Status), string(r.Source), fmtTime(r.StartsAt), fmtTime(r.EndsAt), r.DurationMinutes,
		r.BufferMinutes, intArg(r.PartySize), r.Notes, int64Arg(r.RescheduledFromID), int64Arg(r.CreatedBy),
		r.Version, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	r, err := scanReservation(q.q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateReservation writes every mutable column when the stored version still matches r.Version.
// On success r.Version is incremented.
func (q *Queries) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	r.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := q.q.ExecContext(ctx, `
		UPDATE reservations SET
			team_member_id = ?, service_id = ?, status = ?, starts_at = ?, ends_at = ?,
			duration_minutes = ?, buffer_minutes = ?, party_size = ?, notes = ?,
			cancelled_at = ?, cancelled_by = ?, cancel_reason = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		r.TeamMemberID, int64Arg(r.ServiceID), string(r.Status), fmtTime(r.StartsAt), fmtTime(r.EndsAt),
		r.DurationMinutes, r.BufferMinutes, intArg(r.PartySize), r.Notes,
		fmtTimePtr(r.CancelledAt), int64Arg(r.CancelledBy), r.CancelReason,
		fmtTime(r.UpdatedAt), r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	r.Version++
	return nil
}

func activeStatusArgs() (string, []any) {
	args := make([]any, 0, len(model.ActiveReservationStatuses))
	for _, s := range model.ActiveReservationStatuses {
		args = append(args, string(s))
	}
	return inPlaceholders(len(args)), args
}

// ListActiveReservations returns active reservations overlapping [from, to).
// An empty member list means every member of the account.
func (q *Queries) ListActiveReservations(ctx context.Context, accountID int64, teamMemberIDs []int64, from, to time.Time) ([]model.Reservation, error) {
	ph, args := activeStatusArgs()
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE account_id = ? AND status IN (` + ph + `) AND starts_at < ? AND ends_at > ?`
	params := append([]any{accountID}, args...)
	params = append(params, fmtTime(to), fmtTime(from))
	if len(teamMemberIDs) > 0 {
		query += ` AND team_member_id IN (` + inPlaceholders(len(teamMemberIDs)) + `)`
		for _, id := range teamMemberIDs {
			params = append(params, id)
		}
	}
	query += ` ORDER BY starts_at, id`

	rows, err := q.q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// ListReservationsInWindow returns reservations of any status starting in [from, to).
func (q *Queries) ListReservationsInWindow(ctx context.Context, accountID int64, from, to time.Time) ([]model.Reservation, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE account_id = ? AND starts_at >= ? AND starts_at < ?
		ORDER BY starts_at, id`, accountID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// FindNearbyActiveReservation returns the client's earliest active reservation that starts inside
// [from, to] or is in progress at now.
func (q *Queries) FindNearbyActiveReservation(ctx context.Context, accountID int64, clientID, clientUserID *int64, now, from, to time.Time) (*model.Reservation, error) {
	if clientID == nil && clientUserID == nil {
		return nil, nil
	}
	ph, args := activeStatusArgs()
	params := append([]any{accountID}, args...)
	params = append(params, int64Arg(clientUserID), int64Arg(clientID),
		fmtTime(from), fmtTime(to), fmtTime(now), fmtTime(now))

	r, err := scanReservation(q.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE account_id = ? AND status IN (`+ph+`)
		  AND (client_user_id = ? OR client_id = ?)
		  AND ((starts_at BETWEEN ? AND ?) OR (starts_at <= ? AND ends_at > ?))
		ORDER BY starts_at, id LIMIT 1`, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (q *Queries) CreateResource(ctx context.Context, r *model.Resource) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO reservation_resources (account_id, team_member_id, name, type, capacity, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.AccountID, int64Arg(r.TeamMemberID), r.Name, r.Type, r.Capacity, r.Active)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) ListResources(ctx context.Context, accountID int64) ([]model.Resource, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, team_member_id, name, type, capacity, active
		FROM reservation_resources WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r      model.Resource
			member sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &member, &r.Name, &r.Type, &r.Capacity, &r.Active); err != nil {
			return nil, err
		}
		r.TeamMemberID = nullInt64(member)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) CreateAllocation(ctx context.Context, a model.ResourceAllocation) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO reservation_resource_allocations (reservation_id, resource_id, quantity)
		VALUES (?, ?, ?)
		ON CONFLICT(reservation_id, resource_id) DO UPDATE SET quantity = excluded.quantity`,
		a.ReservationID, a.ResourceID, a.Quantity)
	return err
}

func (q *Queries) DeleteAllocations(ctx context.Context, reservationID int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM reservation_resource_allocations WHERE reservation_id = ?`, reservationID)
	return err
}

// ListAllocations joins allocations of active reservations overlapping [from, to).
func (q *Queries) ListAllocations(ctx context.Context, accountID int64, from, to time.Time) ([]model.AllocationWindow, error) {
	ph, args := activeStatusArgs()
	params := append([]any{accountID}, args...)
	params = append(params, fmtTime(to), fmtTime(from))

	rows, err := q.q.QueryContext(ctx, `
		SELECT a.reservation_id, a.resource_id, a.quantity, r.starts_at, r.ends_at
		FROM reservation_resource_allocations a
		JOIN reservations r ON r.id = a.reservation_id
		WHERE r.account_id = ? AND r.status IN (`+ph+`) AND r.starts_at < ? AND r.ends_at > ?
		ORDER BY r.starts_at`, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AllocationWindow
	for rows.Next() {
		var (
			w          model.AllocationWindow
			start, end string
		)
		if err := rows.Scan(&w.ReservationID, &w.ResourceID, &w.Quantity, &start, &end); err != nil {
			return nil, err
		}
		w.StartsAt = parseTime(start)
		w.EndsAt = parseTime(end)
		out = append(out, w)
	}
	return out, rows.Err()
}
