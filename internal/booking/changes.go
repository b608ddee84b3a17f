package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"reservo/internal/apperr"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/lock"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
)

type RescheduleRequest struct {
	StartsAt        time.Time `json:"starts_at"`
	TeamMemberID    *int64    `json:"team_member_id,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	BufferMinutes   *int      `json:"buffer_minutes,omitempty"`
	ExpectedVersion *int64    `json:"version,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion *int64 `json:"version,omitempty"`
}

// CanClientModify reports whether a client may still change r: it must be active and
// start after the cancellation cutoff.
func CanClientModify(r *model.Reservation, s settings.Resolved, now time.Time) bool {
	if !r.Status.IsActive() {
		return false
	}
	cutoff := r.StartsAt.Add(-time.Duration(s.CancellationCutoffHours) * time.Hour)
	return now.Before(cutoff)
}

func checkClientChange(r *model.Reservation, s settings.Resolved, now time.Time, allowed bool, what string) error {
	if !allowed {
		return apperr.PolicyViolation("reservation_id", fmt.Sprintf("Clients cannot %s this reservation.", what))
	}
	if !CanClientModify(r, s, now) {
		return apperr.PolicyViolation("reservation_id",
			fmt.Sprintf("Reservations can only be changed up to %d hours before the start.", s.CancellationCutoffHours))
	}
	return nil
}

func checkVersion(current *model.Reservation, expected *int64) error {
	if expected != nil && *expected != current.Version {
		return apperr.Conflict("Reservation was changed by someone else. Reload and try again.")
	}
	return nil
}

func mapUpdateErr(err error) error {
	if errors.Is(err, database.ErrConcurrentModification) {
		return apperr.Conflict("Reservation was changed by someone else. Reload and try again.")
	}
	return err
}

// Reschedule moves a reservation in place. Both the old and the new member are locked in key order.
func (c *Coordinator) Reschedule(ctx context.Context, id int64, req RescheduleRequest, actor model.Actor) (*model.Reservation, error) {
	now := c.now().UTC()

	if req.StartsAt.IsZero() {
		return nil, apperr.Validation("starts_at", "Start time is required.")
	}
	if req.DurationMinutes < 0 {
		return nil, apperr.Validation("duration_minutes", "Duration must be positive.")
	}

	current, err := c.loadReservation(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !current.Status.IsActive() {
		return nil, apperr.PolicyViolation("status", "Only active reservations can be rescheduled.")
	}

	memberID := current.TeamMemberID
	if req.TeamMemberID != nil && *req.TeamMemberID > 0 {
		memberID = *req.TeamMemberID
	}
	s, account, err := c.resolve(ctx, current.AccountID, &memberID)
	if err != nil {
		return nil, err
	}
	if actor.IsClient() {
		if err := checkClientChange(current, s, now, s.AllowClientReschedule, "reschedule"); err != nil {
			return nil, err
		}
	}
	if memberID != current.TeamMemberID {
		if err := c.requireMember(ctx, current.AccountID, memberID); err != nil {
			return nil, err
		}
	}

	duration := current.DurationMinutes
	if req.DurationMinutes > 0 {
		duration = req.DurationMinutes
	}
	buffer := current.BufferMinutes
	if req.BufferMinutes != nil {
		buffer = settings.ClampBuffer(*req.BufferMinutes)
	}
	start := req.StartsAt.UTC().Truncate(time.Minute)
	end := start.Add(time.Duration(duration) * time.Minute)

	if err := c.checkWindow(ctx, account, s, memberID, start, end, now, actor.IsClient()); err != nil {
		return nil, err
	}

	keys := []string{memberLockKey(current.AccountID, current.TeamMemberID), memberLockKey(current.AccountID, memberID)}
	sort.Strings(keys)
	release, err := lock.LockMany(ctx, c.locker, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock team members: %w", err)
	}
	defer release()

	var updated, previous model.Reservation
	err = c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if err := checkVersion(r, req.ExpectedVersion); err != nil {
			return err
		}
		if !r.Status.IsActive() {
			return apperr.PolicyViolation("status", "Only active reservations can be rescheduled.")
		}
		previous = *r

		r.TeamMemberID = memberID
		r.StartsAt, r.EndsAt = start, end
		r.DurationMinutes = duration
		r.BufferMinutes = buffer
		if req.Notes != nil {
			r.Notes = *req.Notes
		}
		if r.Status != model.ReservationPending {
			r.Status = model.ReservationRescheduled
		}
		r.CancelledAt, r.CancelledBy, r.CancelReason = nil, nil, ""

		if err := c.ensureFree(ctx, tx, r, r.ID); err != nil {
			return err
		}
		if err := c.moveAllocation(ctx, tx, &previous, r); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return mapUpdateErr(err)
		}
		updated = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Int64("reservation_id", updated.ID).
		Time("from", previous.StartsAt).
		Time("to", updated.StartsAt).
		Msg("Reservation rescheduled")
	metrics.IncReservationStatus(string(updated.Status))
	c.events.Publish(ctx, events.Event{
		Type: events.ReservationRescheduled, AccountID: updated.AccountID,
		Payload: events.ReservationPayload{Reservation: updated, Actor: actor},
	})
	c.record(ctx, actor, &updated, "rescheduled", "Reservation rescheduled", map[string]any{
		"previous_starts_at":        previous.StartsAt.Format(time.RFC3339),
		"previous_ends_at":          previous.EndsAt.Format(time.RFC3339),
		"previous_team_member_id":   previous.TeamMemberID,
		"previous_duration_minutes": previous.DurationMinutes,
	})
	if s.WaitlistEnabled {
		c.releaseQuietly(ctx, previous.AccountID, previous.TeamMemberID, previous.StartsAt, previous.EndsAt)
	}
	c.syncQueue(ctx, &updated)
	return &updated, nil
}

// moveAllocation re-picks the seat of a reservation that held one, preferring the same resource type.
func (c *Coordinator) moveAllocation(ctx context.Context, tx Tx, before, after *model.Reservation) error {
	allocations, err := tx.ListAllocations(ctx, before.AccountID, before.StartsAt, before.EndsAt)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}
	var held *model.AllocationWindow
	for i := range allocations {
		if allocations[i].ReservationID == before.ID {
			held = &allocations[i]
			break
		}
	}
	if held == nil {
		return nil
	}

	resources, err := tx.ListResources(ctx, before.AccountID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	req := BookRequest{PartySize: model.IntPtr(held.Quantity)}
	for _, res := range resources {
		if res.ID == held.ResourceID {
			req.ResourceType = res.Type
			break
		}
	}

	picked, err := c.pickResource(ctx, tx, req, after)
	if err != nil {
		return err
	}
	if err := tx.DeleteAllocations(ctx, before.ID); err != nil {
		return err
	}
	if picked == nil {
		return nil
	}
	return tx.CreateAllocation(ctx, model.ResourceAllocation{
		ReservationID: after.ID, ResourceID: picked.ID, Quantity: held.Quantity,
	})
}

// Cancel cancels an active reservation and offers the freed window to the waitlist.
func (c *Coordinator) Cancel(ctx context.Context, id int64, req CancelRequest, actor model.Actor) (*model.Reservation, error) {
	now := c.now().UTC()

	current, err := c.loadReservation(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !model.CanTransitionReservation(current.Status, model.ReservationCancelled) {
		return nil, apperr.PolicyViolation("status", "Reservation can no longer be cancelled.")
	}
	s, _, err := c.resolve(ctx, current.AccountID, &current.TeamMemberID)
	if err != nil {
		return nil, err
	}
	if actor.IsClient() {
		if err := checkClientChange(current, s, now, s.AllowClientCancel, "cancel"); err != nil {
			return nil, err
		}
	}

	release, err := c.locker.Lock(ctx, memberLockKey(current.AccountID, current.TeamMemberID))
	if err != nil {
		return nil, fmt.Errorf("lock team member: %w", err)
	}
	defer release()

	var cancelled model.Reservation
	err = c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if err := checkVersion(r, req.ExpectedVersion); err != nil {
			return err
		}
		if !model.CanTransitionReservation(r.Status, model.ReservationCancelled) {
			return apperr.PolicyViolation("status", "Reservation can no longer be cancelled.")
		}
		r.Status = model.ReservationCancelled
		r.CancelledAt = &now
		r.CancelledBy = actorID(actor)
		r.CancelReason = req.Reason
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return mapUpdateErr(err)
		}
		cancelled = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReservationCancelled(string(actor.Kind))
	c.logger.Info().
		Int64("reservation_id", cancelled.ID).
		Str("actor", string(actor.Kind)).
		Msg("Reservation cancelled")
	c.events.Publish(ctx, events.Event{
		Type: events.ReservationCancelled, AccountID: cancelled.AccountID,
		Payload: events.ReservationPayload{Reservation: cancelled, Actor: actor},
	})
	c.record(ctx, actor, &cancelled, "cancelled", "Reservation cancelled", map[string]any{"reason": req.Reason})
	if s.WaitlistEnabled {
		c.releaseQuietly(ctx, cancelled.AccountID, cancelled.TeamMemberID, cancelled.StartsAt, cancelled.EndsAt)
	}
	c.syncQueue(ctx, &cancelled)
	return &cancelled, nil
}

// UpdateStatus moves a reservation along the staff status machine.
func (c *Coordinator) UpdateStatus(ctx context.Context, id int64, status model.ReservationStatus, reason string, actor model.Actor) (*model.Reservation, error) {
	if actor.IsClient() {
		return nil, apperr.PolicyViolation("status", "Clients cannot change reservation status.")
	}
	if !status.Valid() {
		return nil, apperr.Validation("status", "Unknown reservation status.")
	}
	if status == model.ReservationCancelled {
		return c.Cancel(ctx, id, CancelRequest{Reason: reason}, actor)
	}

	now := c.now().UTC()
	current, err := c.loadReservation(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	release, err := c.locker.Lock(ctx, memberLockKey(current.AccountID, current.TeamMemberID))
	if err != nil {
		return nil, fmt.Errorf("lock team member: %w", err)
	}
	defer release()

	var updated model.Reservation
	var from model.ReservationStatus
	err = c.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		from = r.Status
		if err := checkStatusChange(r, status, now); err != nil {
			return err
		}
		r.Status = status
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return mapUpdateErr(err)
		}
		updated = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReservationStatus(string(status))
	c.record(ctx, actor, &updated, "status_changed", "Reservation status changed", map[string]any{
		"from": string(from), "reason": reason,
	})
	c.syncQueue(ctx, &updated)
	return &updated, nil
}

func checkStatusChange(r *model.Reservation, to model.ReservationStatus, now time.Time) error {
	if !model.CanTransitionReservation(r.Status, to) {
		return apperr.PolicyViolation("status",
			fmt.Sprintf("Cannot change status from %s to %s.", r.Status, to))
	}
	switch to {
	case model.ReservationCompleted:
		if r.StartsAt.After(now) || r.EndsAt.After(now) {
			return apperr.PolicyViolation("status", "Reservation cannot be completed before it ends.")
		}
	case model.ReservationNoShow:
		if r.StartsAt.After(now) {
			return apperr.PolicyViolation("status", "Reservation cannot be marked no-show before it starts.")
		}
	}
	return nil
}
