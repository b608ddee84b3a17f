package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservo/internal/model"
)

func (q *Queries) CreateAccount(ctx context.Context, a *model.Account) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (name, timezone, business_preset, kiosk_require_sms_verification, suspended)
		VALUES (?, ?, ?, ?, ?)`,
		a.Name, a.Timezone, a.BusinessPreset, a.KioskRequireSMSVerification, a.Suspended)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	err := q.q.QueryRowContext(ctx, `
		SELECT id, name, timezone, business_preset, kiosk_require_sms_verification, suspended
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Timezone, &a.BusinessPreset, &a.KioskRequireSMSVerification, &a.Suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *Queries) CreateTeamMember(ctx context.Context, m *model.TeamMember) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO team_members (account_id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		m.AccountID, m.Name, m.Active, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) GetTeamMember(ctx context.Context, accountID, id int64) (*model.TeamMember, error) {
	var (
		m       model.TeamMember
		created string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, account_id, name, active, created_at FROM team_members
		WHERE account_id = ? AND id = ?`, accountID, id).
		Scan(&m.ID, &m.AccountID, &m.Name, &m.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}

// ListTeamMembers returns every member of the account ordered by id.
func (q *Queries) ListTeamMembers(ctx context.Context, accountID int64) ([]model.TeamMember, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, name, active, created_at FROM team_members
		WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TeamMember
	for rows.Next() {
		var (
			m       model.TeamMember
			created string
		)
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Name, &m.Active, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) SetTeamMemberActive(ctx context.Context, accountID, id int64, active bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE team_members SET active = ? WHERE account_id = ? AND id = ?`, active, accountID, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (q *Queries) ClockIn(ctx context.Context, teamMemberID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO team_member_attendance (team_member_id, clock_in_at) VALUES (?, ?)`,
		teamMemberID, fmtTime(at))
	return err
}

func (q *Queries) ClockOut(ctx context.Context, teamMemberID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE team_member_attendance SET clock_out_at = ?
		WHERE team_member_id = ? AND clock_out_at IS NULL`,
		fmtTime(at), teamMemberID)
	return err
}

// ListAttendanceSince returns attendance rows of the account's members clocked in at or after since.
func (q *Queries) ListAttendanceSince(ctx context.Context, accountID int64, since time.Time) ([]model.Attendance, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT a.id, a.team_member_id, a.clock_in_at, a.clock_out_at
		FROM team_member_attendance a
		JOIN team_members m ON m.id = a.team_member_id
		WHERE m.account_id = ? AND a.clock_in_at >= ?
		ORDER BY a.clock_in_at`, accountID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attendance
	for rows.Next() {
		var (
			a        model.Attendance
			clockIn  string
			clockOut sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TeamMemberID, &clockIn, &clockOut); err != nil {
			return nil, err
		}
		a.ClockInAt = parseTime(clockIn)
		a.ClockOutAt = parseNullTime(clockOut)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO customers (account_id, first_name, last_name, company_name, email, phone, portal_user_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AccountID, c.FirstName, c.LastName, c.CompanyName, c.Email, c.Phone, int64Arg(c.PortalUserID), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// FindCustomerCandidates returns up to limit customers whose phone may match, newest first.
// The caller must confirm the match on the normalized value.
func (q *Queries) FindCustomerCandidates(ctx context.Context, accountID int64, raw, normalized string, limit int) ([]model.Customer, error) {
	digits := normalized
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, first_name, last_name, company_name, email, phone, portal_user_id, updated_at
		FROM customers
		WHERE account_id = ? AND phone != ''
		  AND (phone = ? OR phone = ? OR phone = ? OR REPLACE(REPLACE(REPLACE(REPLACE(REPLACE(phone, '-', ''), ' ', ''), '(', ''), ')', ''), '+', '') LIKE ?)
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`,
		accountID, raw, normalized, "+"+normalized, "%"+digits, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		var (
			c       model.Customer
			portal  sql.NullInt64
			updated string
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &c.FirstName, &c.LastName, &c.CompanyName, &c.Email, &c.Phone, &portal, &updated); err != nil {
			return nil, err
		}
		c.PortalUserID = nullInt64(portal)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) CreateService(ctx context.Context, accountID int64, name string, durationMinutes int) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO services (account_id, name, duration_minutes) VALUES (?, ?, ?)`,
		accountID, name, durationMinutes)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DefaultDuration implements the service catalog lookup.
func (q *Queries) DefaultDuration(ctx context.Context, accountID, serviceID int64) (int, error) {
	var d int
	err := q.q.QueryRowContext(ctx, `
		SELECT duration_minutes FROM services WHERE account_id = ? AND id = ?`, accountID, serviceID).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return d, err
}
