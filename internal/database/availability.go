package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reservo/internal/model"
)

func (q *Queries) AddWeekly(ctx context.Context, w *model.WeeklyAvailability) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO weekly_availability (account_id, team_member_id, day_of_week, start_time, end_time, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.AccountID, int64Arg(w.TeamMemberID), w.DayOfWeek, w.StartTime, w.EndTime, w.IsActive)
	if err != nil {
		return fmt.Errorf("insert weekly availability: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// ListWeekly returns the member's rows and the account-wide rows.
func (q *Queries) ListWeekly(ctx context.Context, accountID, teamMemberID int64) ([]model.WeeklyAvailability, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, team_member_id, day_of_week, start_time, end_time, is_active
		FROM weekly_availability
		WHERE account_id = ? AND (team_member_id IS NULL OR team_member_id = ?)
		ORDER BY day_of_week, start_time`, accountID, teamMemberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyAvailability
	for rows.Next() {
		var (
			w      model.WeeklyAvailability
			member sql.NullInt64
		)
		if err := rows.Scan(&w.ID, &w.AccountID, &member, &w.DayOfWeek, &w.StartTime, &w.EndTime, &w.IsActive); err != nil {
			return nil, err
		}
		w.TeamMemberID = nullInt64(member)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q *Queries) AddException(ctx context.Context, e *model.AvailabilityException) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO availability_exceptions (account_id, team_member_id, date, start_time, end_time, type, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, int64Arg(e.TeamMemberID), e.Date, stringArg(e.StartTime), stringArg(e.EndTime), string(e.Type), e.Reason)
	if err != nil {
		return fmt.Errorf("insert availability exception: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListExceptions returns account-wide and member exceptions in the inclusive date range.
func (q *Queries) ListExceptions(ctx context.Context, accountID, teamMemberID int64, fromDate, toDate string) ([]model.AvailabilityException, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, team_member_id, date, start_time, end_time, type, reason
		FROM availability_exceptions
		WHERE account_id = ? AND (team_member_id IS NULL OR team_member_id = ?)
		  AND date BETWEEN ? AND ?
		ORDER BY date, start_time`, accountID, teamMemberID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityException
	for rows.Next() {
		var (
			e          model.AvailabilityException
			member     sql.NullInt64
			start, end sql.NullString
			typ        string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &member, &e.Date, &start, &end, &typ, &e.Reason); err != nil {
			return nil, err
		}
		e.TeamMemberID = nullInt64(member)
		e.StartTime = nullString(start)
		e.EndTime = nullString(end)
		e.Type = model.ExceptionType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSetting returns the stored row for the scope, or nil when none exists.
func (q *Queries) GetSetting(ctx context.Context, accountID int64, teamMemberID *int64) (*model.ReservationSetting, error) {
	var (
		raw     string
		updated string
		member  int64
	)
	if teamMemberID != nil {
		member = *teamMemberID
	}
	err := q.q.QueryRowContext(ctx, `
		SELECT settings, updated_at FROM reservation_settings
		WHERE account_id = ? AND COALESCE(team_member_id, 0) = ?`, accountID, member).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s model.ReservationSetting
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.AccountID = accountID
	s.TeamMemberID = teamMemberID
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

// UpsertSetting replaces the stored row for the setting's scope.
func (q *Queries) UpsertSetting(ctx context.Context, s *model.ReservationSetting) error {
	raw, err := encodeJSON(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	now := fmtTime(time.Now())
	var member int64
	if s.TeamMemberID != nil {
		member = *s.TeamMemberID
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE reservation_settings SET settings = ?, updated_at = ?
		WHERE account_id = ? AND COALESCE(team_member_id, 0) = ?`,
		raw, now, s.AccountID, member)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO reservation_settings (account_id, team_member_id, settings, updated_at)
		VALUES (?, ?, ?, ?)`,
		s.AccountID, int64Arg(s.TeamMemberID), raw, now)
	return err
}
