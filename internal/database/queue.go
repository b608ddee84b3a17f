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

const queueColumns = `qi.id, qi.account_id, qi.item_type, qi.reservation_id, qi.status, qi.priority, qi.queue_number,
	qi.position, qi.eta_minutes, qi.team_member_id, qi.service_id, qi.client_id, qi.client_user_id, qi.source,
	qi.estimated_duration_minutes, qi.created_by, qi.guest_name, qi.guest_phone, qi.guest_phone_normalized,
	qi.party_size, qi.notes, qi.kiosk_flow, qi.metadata, qi.checked_in_at, qi.pre_called_at, qi.called_at,
	qi.call_expires_at, qi.started_at, qi.finished_at, qi.skipped_at, qi.cancelled_at, qi.left_at,
	qi.created_at, qi.updated_at, r.starts_at, r.ends_at, r.status`

const queueFrom = ` FROM reservation_queue_items qi LEFT JOIN reservations r ON r.id = qi.reservation_id`

func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	var (
		it                                                       model.QueueItem
		itemType, status, metadata, created, updated             string
		reservationID, position, eta, member, service            sql.NullInt64
		clientID, clientUserID, createdBy                        sql.NullInt64
		queueNumber                                              sql.NullString
		checkedIn, preCalled, called, expires, started, finished sql.NullString
		skipped, cancelled, left                                 sql.NullString
		resStart, resEnd, resStatus                              sql.NullString
		ticket                                                   model.TicketDetails
	)
	err := row.Scan(&it.ID, &it.AccountID, &itemType, &reservationID, &status, &it.Priority, &queueNumber,
		&position, &eta, &member, &service, &clientID, &clientUserID, &it.Source,
		&it.EstimatedDurationMinutes, &createdBy, &ticket.GuestName, &ticket.GuestPhone, &ticket.GuestPhoneNormalized,
		&ticket.PartySize, &ticket.Notes, &ticket.KioskFlow, &metadata, &checkedIn, &preCalled, &called,
		&expires, &started, &finished, &skipped, &cancelled, &left,
		&created, &updated, &resStart, &resEnd, &resStatus)
	if err != nil {
		return nil, err
	}

	it.Status = model.QueueStatus(status)
	it.QueueNumber = nullString(queueNumber)
	it.Position = nullInt(position)
	it.ETAMinutes = nullInt(eta)
	it.TeamMemberID = nullInt64(member)
	it.ServiceID = nullInt64(service)
	it.ClientID = nullInt64(clientID)
	it.ClientUserID = nullInt64(clientUserID)
	it.CreatedBy = nullInt64(createdBy)
	it.CheckedInAt = parseNullTime(checkedIn)
	it.PreCalledAt = parseNullTime(preCalled)
	it.CalledAt = parseNullTime(called)
	it.CallExpiresAt = parseNullTime(expires)
	it.StartedAt = parseNullTime(started)
	it.FinishedAt = parseNullTime(finished)
	it.SkippedAt = parseNullTime(skipped)
	it.CancelledAt = parseNullTime(cancelled)
	it.LeftAt = parseNullTime(left)
	it.CreatedAt = parseTime(created)
	it.UpdatedAt = parseTime(updated)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &it.Metadata); err != nil {
			return nil, fmt.Errorf("decode queue metadata: %w", err)
		}
	}

	if model.QueueItemType(itemType) == model.QueueItemAppointment && reservationID.Valid {
		it.Appointment = &model.AppointmentDetails{ReservationID: reservationID.Int64}
		if resStart.Valid {
			it.Appointment.ReservationStartsAt = parseTime(resStart.String)
			it.Appointment.ReservationEndsAt = parseTime(resEnd.String)
			it.Appointment.ReservationStatus = model.ReservationStatus(resStatus.String)
		}
	} else {
		it.Ticket = &ticket
	}
	return &it, nil
}

func scanQueueItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()
	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func queueStatusArgs(statuses []model.QueueStatus) (string, []any) {
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return inPlaceholders(len(args)), args
}

func ticketArgs(it *model.QueueItem) (model.TicketDetails, any) {
	if it.Appointment != nil {
		return model.TicketDetails{}, it.Appointment.ReservationID
	}
	if it.Ticket == nil {
		return model.TicketDetails{}, nil
	}
	return *it.Ticket, nil
}

// CreateQueueItem inserts it. queueDay and queueSeq are only set for numbered tickets.
func (q *Queries) CreateQueueItem(ctx context.Context, it *model.QueueItem, queueDay string, queueSeq int) error {
	now := time.Now().UTC().Truncate(time.Second)
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = it.CreatedAt

	meta, err := encodeJSON(it.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	ticket, reservationID := ticketArgs(it)
	var day, seq any
	if queueSeq > 0 {
		day, seq = queueDay, queueSeq
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO reservation_queue_items (
			account_id, item_type, reservation_id, status, priority, queue_number, queue_day, queue_seq,
			position, eta_minutes, team_member_id, service_id, client_id, client_user_id, source,
			estimated_duration_minutes, created_by, guest_name, guest_phone, guest_phone_normalized,
			party_size, notes, kiosk_flow, metadata, checked_in_at, pre_called_at, called_at, call_expires_at,
			started_at, finished_at, skipped_at, cancelled_at, left_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.AccountID, string(it.Type()), reservationID, string(it.Status), it.Priority, stringArg(it.QueueNumber), day, seq,
		intArg(it.Position), intArg(it.ETAMinutes), int64Arg(it.TeamMemberID), int64Arg(it.ServiceID),
		int64Arg(it.ClientID), int64Arg(it.ClientUserID), it.Source,
		it.EstimatedDurationMinutes, int64Arg(it.CreatedBy), ticket.GuestName, ticket.GuestPhone, ticket.GuestPhoneNormalized,
		ticket.PartySize, ticket.Notes, ticket.KioskFlow, meta, fmtTimePtr(it.CheckedInAt), fmtTimePtr(it.PreCalledAt),
		fmtTimePtr(it.CalledAt), fmtTimePtr(it.CallExpiresAt), fmtTimePtr(it.StartedAt), fmtTimePtr(it.FinishedAt),
		fmtTimePtr(it.SkippedAt), fmtTimePtr(it.CancelledAt), fmtTimePtr(it.LeftAt),
		fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	it.ID, err = res.LastInsertId()
	return err
}

// UpdateQueueItem writes the mutable state of it, stamped with the operation time at.
func (q *Queries) UpdateQueueItem(ctx context.Context, it *model.QueueItem, at time.Time) error {
	it.UpdatedAt = at.UTC().Truncate(time.Second)
	meta, err := encodeJSON(it.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	ticket, _ := ticketArgs(it)

	res, err := q.q.ExecContext(ctx, `
		UPDATE reservation_queue_items SET
			status = ?, priority = ?, position = ?, eta_minutes = ?, team_member_id = ?, service_id = ?,
			client_id = ?, client_user_id = ?, estimated_duration_minutes = ?,
			guest_name = ?, guest_phone = ?, guest_phone_normalized = ?, party_size = ?, notes = ?, kiosk_flow = ?,
			metadata = ?, checked_in_at = ?, pre_called_at = ?, called_at = ?, call_expires_at = ?,
			started_at = ?, finished_at = ?, skipped_at = ?, cancelled_at = ?, left_at = ?, updated_at = ?
		WHERE id = ?`,
		string(it.Status), it.Priority, intArg(it.Position), intArg(it.ETAMinutes), int64Arg(it.TeamMemberID),
		int64Arg(it.ServiceID), int64Arg(it.ClientID), int64Arg(it.ClientUserID), it.EstimatedDurationMinutes,
		ticket.GuestName, ticket.GuestPhone, ticket.GuestPhoneNormalized, ticket.PartySize, ticket.Notes, ticket.KioskFlow,
		meta, fmtTimePtr(it.CheckedInAt), fmtTimePtr(it.PreCalledAt), fmtTimePtr(it.CalledAt),
		fmtTimePtr(it.CallExpiresAt), fmtTimePtr(it.StartedAt), fmtTimePtr(it.FinishedAt),
		fmtTimePtr(it.SkippedAt), fmtTimePtr(it.CancelledAt), fmtTimePtr(it.LeftAt), fmtTime(it.UpdatedAt), it.ID)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return checkAffected(res)
}

// SetQueuePlacement stores only position and eta.
func (q *Queries) SetQueuePlacement(ctx context.Context, id int64, position, eta *int) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE reservation_queue_items SET position = ?, eta_minutes = ? WHERE id = ?`,
		intArg(position), intArg(eta), id)
	return err
}

func (q *Queries) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	it, err := scanQueueItem(q.q.QueryRowContext(ctx, `SELECT `+queueColumns+queueFrom+` WHERE qi.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (q *Queries) GetQueueItemByReservation(ctx context.Context, reservationID int64) (*model.QueueItem, error) {
	it, err := scanQueueItem(q.q.QueryRowContext(ctx,
		`SELECT `+queueColumns+queueFrom+` WHERE qi.reservation_id = ?`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// ListActiveQueueItems returns every item of the account in an active status.
func (q *Queries) ListActiveQueueItems(ctx context.Context, accountID int64) ([]model.QueueItem, error) {
	ph, args := queueStatusArgs(model.ActiveQueueStatuses)
	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.status IN (`+ph+`) ORDER BY qi.id`,
		append([]any{accountID}, args...)...)
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

// ListAccountsWithActiveQueue returns the ids of accounts holding at least one active item.
func (q *Queries) ListAccountsWithActiveQueue(ctx context.Context) ([]int64, error) {
	ph, args := queueStatusArgs(model.ActiveQueueStatuses)
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM reservation_queue_items WHERE status IN (`+ph+`) ORDER BY account_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListQueueItemsFinishedSince returns done items finished at or after since.
func (q *Queries) ListQueueItemsFinishedSince(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.status = ? AND qi.finished_at >= ?
		ORDER BY qi.finished_at DESC`, accountID, string(model.QueueDone), fmtTime(since))
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

// ListQueueItemsCreatedBetween returns every item created in [from, to).
func (q *Queries) ListQueueItemsCreatedBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.QueueItem, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.created_at >= ? AND qi.created_at < ?
		ORDER BY qi.created_at, qi.id`, accountID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

// NextQueueSeq returns the next ticket sequence for the account's operating day.
// It must run inside the write transaction that inserts the ticket.
func (q *Queries) NextQueueSeq(ctx context.Context, accountID int64, queueDay string) (int, error) {
	var seq sql.NullInt64
	err := q.q.QueryRowContext(ctx, `
		SELECT MAX(queue_seq) FROM reservation_queue_items WHERE account_id = ? AND queue_day = ?`,
		accountID, queueDay).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return int(seq.Int64) + 1, nil
}

// FindActiveTicketForClient returns the newest active ticket owned by the client identity.
func (q *Queries) FindActiveTicketForClient(ctx context.Context, accountID int64, clientID, clientUserID *int64) (*model.QueueItem, error) {
	if clientID == nil && clientUserID == nil {
		return nil, nil
	}
	ph, args := queueStatusArgs(model.ActiveQueueStatuses)
	params := append([]any{accountID, string(model.QueueItemTicket)}, args...)
	params = append(params, int64Arg(clientUserID), int64Arg(clientID))

	it, err := scanQueueItem(q.q.QueryRowContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.item_type = ? AND qi.status IN (`+ph+`)
		  AND (qi.client_user_id = ? OR qi.client_id = ?)
		ORDER BY qi.created_at DESC, qi.id DESC LIMIT 1`, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// ListActiveGuestTickets returns active tickets with a guest phone created at or after since.
func (q *Queries) ListActiveGuestTickets(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error) {
	ph, args := queueStatusArgs(model.ActiveQueueStatuses)
	params := append([]any{accountID, string(model.QueueItemTicket)}, args...)
	params = append(params, fmtTime(since))

	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.item_type = ? AND qi.status IN (`+ph+`)
		  AND qi.guest_phone != '' AND qi.created_at >= ?
		ORDER BY qi.created_at DESC, qi.id DESC`, params...)
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

// ListClientTickets returns the client's most recent tickets.
func (q *Queries) ListClientTickets(ctx context.Context, accountID int64, clientID, clientUserID *int64, limit int) ([]model.QueueItem, error) {
	if clientID == nil && clientUserID == nil {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.item_type = ?
		  AND (qi.client_user_id = ? OR qi.client_id = ?)
		ORDER BY qi.created_at DESC, qi.id DESC LIMIT ?`,
		accountID, string(model.QueueItemTicket), int64Arg(clientUserID), int64Arg(clientID), limit)
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

// ListTrackableTickets returns tickets that are active or were updated at or after since.
func (q *Queries) ListTrackableTickets(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error) {
	ph, args := queueStatusArgs(model.ActiveQueueStatuses)
	params := append([]any{accountID, string(model.QueueItemTicket)}, args...)
	params = append(params, fmtTime(since))

	rows, err := q.q.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE qi.account_id = ? AND qi.item_type = ?
		  AND (qi.status IN (`+ph+`) OR qi.updated_at >= ?)
		ORDER BY qi.created_at DESC, qi.id DESC`, params...)
	if err != nil {
		return nil, err
	}
	return scanQueueItems(rows)
}

func (q *Queries) CreateCheckIn(ctx context.Context, c *model.CheckIn) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO reservation_check_ins (
			account_id, queue_item_id, reservation_id, client_user_id, checked_in_by, channel,
			checked_in_at, grace_deadline_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AccountID, c.QueueItemID, int64Arg(c.ReservationID), int64Arg(c.ClientUserID),
		int64Arg(c.CheckedInBy), c.Channel, fmtTime(c.CheckedInAt), fmtTimePtr(c.GraceDeadline))
	if err != nil {
		return fmt.Errorf("insert check-in: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (q *Queries) ListCheckIns(ctx context.Context, queueItemID int64) ([]model.CheckIn, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, account_id, queue_item_id, reservation_id, client_user_id, checked_in_by, channel,
		       checked_in_at, grace_deadline_at
		FROM reservation_check_ins WHERE queue_item_id = ? ORDER BY id`, queueItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CheckIn
	for rows.Next() {
		var (
			c                             model.CheckIn
			reservationID, clientUser, by sql.NullInt64
			at                            string
			grace                         sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &c.QueueItemID, &reservationID, &clientUser, &by,
			&c.Channel, &at, &grace); err != nil {
			return nil, err
		}
		c.ReservationID = nullInt64(reservationID)
		c.ClientUserID = nullInt64(clientUser)
		c.CheckedInBy = nullInt64(by)
		c.CheckedInAt = parseTime(at)
		c.GraceDeadline = parseNullTime(grace)
		out = append(out, c)
	}
	return out, rows.Err()
}
