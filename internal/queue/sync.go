package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservo/internal/database"
	"reservo/internal/model"
)

// SyncAppointments mirrors every reservation starting in [from, to) onto an appointment item.
func (e *Engine) SyncAppointments(ctx context.Context, accountID int64, from, to time.Time) error {
	s, account, err := e.resolve(ctx, accountID)
	if err != nil {
		return err
	}
	if !s.QueueEnabled() {
		return nil
	}

	return e.locked(ctx, account, s, func(tx Tx, ss *session) error {
		reservations, err := tx.ListReservationsInWindow(ctx, accountID, from.UTC(), to.UTC())
		if err != nil {
			return fmt.Errorf("list reservations: %w", err)
		}
		for i := range reservations {
			if _, err := syncOne(ctx, tx, &reservations[i], ss.now, true); err != nil {
				return err
			}
		}
		_, err = e.refresh(ctx, tx, ss)
		return err
	})
}

// SyncReservation updates the appointment item of one reservation after a booking change.
// Reservations outside the account's current day only update items that already exist.
func (e *Engine) SyncReservation(ctx context.Context, r *model.Reservation) error {
	s, account, err := e.resolve(ctx, r.AccountID)
	if err != nil {
		return err
	}
	if !s.QueueEnabled() {
		return nil
	}

	return e.locked(ctx, account, s, func(tx Tx, ss *session) error {
		local := ss.now.In(account.Location())
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
		today := !r.StartsAt.Before(dayStart) && r.StartsAt.Before(dayStart.AddDate(0, 0, 1))

		changed, err := syncOne(ctx, tx, r, ss.now, today)
		if err != nil || !changed {
			return err
		}
		_, err = e.refresh(ctx, tx, ss)
		return err
	})
}

func appointmentStatus(r *model.Reservation, existing *model.QueueItem) model.QueueStatus {
	switch r.Status {
	case model.ReservationCancelled:
		return model.QueueCancelled
	case model.ReservationCompleted:
		return model.QueueDone
	case model.ReservationNoShow:
		return model.QueueNoShow
	}
	if existing != nil && existing.Status.IsActive() {
		return existing.Status
	}
	return model.QueueNotArrived
}

// syncOne upserts the appointment item of r. It reports whether anything was written.
func syncOne(ctx context.Context, tx Tx, r *model.Reservation, now time.Time, create bool) (bool, error) {
	existing, err := tx.GetQueueItemByReservation(ctx, r.ID)
	if errors.Is(err, database.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return false, fmt.Errorf("get appointment item: %w", err)
	}
	if existing == nil && !create {
		return false, nil
	}

	status := appointmentStatus(r, existing)
	duration := r.DurationMinutes
	if duration < 5 {
		duration = 5
	}
	reservationMeta := map[string]any{
		"starts_at": r.StartsAt.Format(time.RFC3339),
		"ends_at":   r.EndsAt.Format(time.RFC3339),
		"status":    string(r.Status),
	}

	if existing == nil {
		it := &model.QueueItem{
			AccountID:                r.AccountID,
			Status:                   status,
			TeamMemberID:             model.Int64Ptr(r.TeamMemberID),
			ServiceID:                r.ServiceID,
			ClientID:                 r.ClientID,
			ClientUserID:             r.ClientUserID,
			Source:                   string(r.Source),
			EstimatedDurationMinutes: duration,
			CreatedBy:                r.CreatedBy,
			Appointment: &model.AppointmentDetails{
				ReservationID:       r.ID,
				ReservationStartsAt: r.StartsAt,
				ReservationEndsAt:   r.EndsAt,
				ReservationStatus:   r.Status,
			},
			Metadata:  map[string]any{"reservation": reservationMeta},
			CreatedAt: now,
		}
		if it.Source == "" {
			it.Source = "reservation"
		}
		return true, tx.CreateQueueItem(ctx, it, "", 0)
	}

	if existing.Status.IsTerminal() {
		if status == existing.Status {
			return false, nil
		}
		if r.Status.IsActive() && !windowMoved(existing, r) {
			return false, nil
		}
	}
	if status == model.QueueNotArrived && existing.Status.IsTerminal() {
		existing.FinishedAt, existing.CancelledAt, existing.SkippedAt = nil, nil, nil
		existing.CalledAt, existing.StartedAt, existing.CheckedInAt = nil, nil, nil
		existing.PreCalledAt, existing.LeftAt, existing.CallExpiresAt = nil, nil, nil
		delete(existing.Metadata, preCallFlag)
	}
	existing.Status = status
	existing.TeamMemberID = model.Int64Ptr(r.TeamMemberID)
	existing.ServiceID = r.ServiceID
	existing.ClientID = r.ClientID
	existing.ClientUserID = r.ClientUserID
	existing.EstimatedDurationMinutes = duration
	if existing.Metadata == nil {
		existing.Metadata = map[string]any{}
	}
	existing.Metadata["reservation"] = reservationMeta
	switch status {
	case model.QueueCancelled:
		if existing.CancelledAt == nil {
			existing.CancelledAt = &now
		}
		existing.CallExpiresAt = nil
	case model.QueueDone, model.QueueNoShow:
		if existing.FinishedAt == nil {
			existing.FinishedAt = &now
		}
		existing.CallExpiresAt = nil
	}
	return true, tx.UpdateQueueItem(ctx, existing, now)
}

// windowMoved reports whether r was rescheduled since its item was last synced.
func windowMoved(it *model.QueueItem, r *model.Reservation) bool {
	meta, _ := it.Metadata["reservation"].(map[string]any)
	synced, _ := meta["starts_at"].(string)
	return synced != "" && synced != r.StartsAt.Format(time.RFC3339)
}
