package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservo/internal/apperr"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/metrics"
	"reservo/internal/model"
)

type WaitlistRequest struct {
	AccountID        int64     `json:"-"`
	TeamMemberID     *int64    `json:"team_member_id,omitempty"`
	ClientID         *int64    `json:"client_id,omitempty"`
	ClientUserID     *int64    `json:"client_user_id,omitempty"`
	ServiceID        *int64    `json:"service_id,omitempty"`
	RequestedStartAt time.Time `json:"requested_start_at"`
	RequestedEndAt   time.Time `json:"requested_end_at"`
	DurationMinutes  int       `json:"duration_minutes,omitempty"`
	PartySize        *int      `json:"party_size,omitempty"`
}

// AddToWaitlist records interest in a window that may free up later.
func (c *Coordinator) AddToWaitlist(ctx context.Context, req WaitlistRequest, actor model.Actor) (*model.WaitlistEntry, error) {
	if actor.IsClient() && req.ClientID == nil && req.ClientUserID == nil {
		req.ClientID, req.ClientUserID = actor.ClientID, actor.ClientUserID
	}
	if req.RequestedStartAt.IsZero() || !req.RequestedEndAt.After(req.RequestedStartAt) {
		return nil, apperr.Validation("requested_end_at", "Requested window must end after it starts.")
	}
	if req.DurationMinutes < 0 {
		return nil, apperr.Validation("duration_minutes", "Duration must be positive.")
	}

	s, _, err := c.resolve(ctx, req.AccountID, req.TeamMemberID)
	if err != nil {
		return nil, err
	}
	if !s.WaitlistEnabled {
		return nil, apperr.FeatureDisabled("Waitlist is disabled for this account.")
	}
	if req.TeamMemberID != nil {
		if err := c.requireMember(ctx, req.AccountID, *req.TeamMemberID); err != nil {
			return nil, err
		}
	}

	duration := s.ResolveDuration(req.DurationMinutes, c.settings.ServiceDuration(ctx, req.AccountID, req.ServiceID))
	start, end := req.RequestedStartAt.UTC(), req.RequestedEndAt.UTC()
	if end.Sub(start) < time.Duration(duration)*time.Minute {
		return nil, apperr.Validation("requested_end_at", "Requested window is shorter than the service duration.")
	}

	w := &model.WaitlistEntry{
		AccountID:        req.AccountID,
		TeamMemberID:     req.TeamMemberID,
		ClientID:         req.ClientID,
		ClientUserID:     req.ClientUserID,
		ServiceID:        req.ServiceID,
		RequestedStartAt: start,
		RequestedEndAt:   end,
		DurationMinutes:  duration,
		PartySize:        req.PartySize,
		Status:           model.WaitlistPending,
	}
	if err := c.store.CreateWaitlistEntry(ctx, w); err != nil {
		return nil, fmt.Errorf("create waitlist entry: %w", err)
	}
	c.logger.Info().Int64("account_id", w.AccountID).Int64("waitlist_id", w.ID).Msg("Waitlist entry created")
	return w, nil
}

func (c *Coordinator) CancelWaitlist(ctx context.Context, id int64, actor model.Actor) error {
	w, err := c.store.GetWaitlistEntry(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("waitlist entry")
	}
	if err != nil {
		return err
	}
	if actor.IsClient() && !ownsEntry(w, actor) {
		return apperr.NotFound("waitlist entry")
	}
	err = c.store.SetWaitlistStatus(ctx, id, model.WaitlistPending, model.WaitlistCancelled, c.now().UTC())
	if errors.Is(err, database.ErrNotFound) {
		return apperr.PolicyViolation("status", "Waitlist entry is no longer pending.")
	}
	return err
}

func ownsEntry(w *model.WaitlistEntry, actor model.Actor) bool {
	if actor.ClientUserID != nil && w.ClientUserID != nil && *actor.ClientUserID == *w.ClientUserID {
		return true
	}
	return actor.ClientID != nil && w.ClientID != nil && *actor.ClientID == *w.ClientID
}

// ReleaseForWindow marks the oldest pending entry that fits the freed window as released.
// It returns nil when nobody is waiting.
func (c *Coordinator) ReleaseForWindow(ctx context.Context, accountID, teamMemberID int64, from, to time.Time) (*model.WaitlistEntry, error) {
	var released *model.WaitlistEntry
	err := c.store.WithTx(ctx, func(tx Tx) error {
		pending, err := tx.ListPendingWaitlist(ctx, accountID, teamMemberID, from, to)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		for i := range pending {
			w := pending[i]
			if !w.Fits(from, to) {
				continue
			}
			err := tx.SetWaitlistStatus(ctx, w.ID, model.WaitlistPending, model.WaitlistReleased, now)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			w.Status = model.WaitlistReleased
			w.ReleasedAt = &now
			released = &w
			return nil
		}
		return nil
	})
	if err != nil || released == nil {
		return nil, err
	}

	metrics.IncWaitlistReleased()
	c.logger.Info().
		Int64("account_id", accountID).
		Int64("waitlist_id", released.ID).
		Msg("Waitlist entry released")
	c.events.Publish(ctx, events.Event{
		Type: events.WaitlistReleased, AccountID: accountID,
		Payload: events.WaitlistPayload{Entry: *released, FreedFrom: from, FreedTo: to},
	})
	if c.activity != nil {
		c.activity.Record(ctx, model.ActivityEntry{
			AccountID:   accountID,
			SubjectType: "waitlist",
			SubjectID:   released.ID,
			Action:      "released",
			Description: "Waitlist entry released",
			Properties: map[string]any{
				"team_member_id": teamMemberID,
				"freed_from":     from.Format(time.RFC3339),
				"freed_to":       to.Format(time.RFC3339),
			},
		})
	}
	return released, nil
}

func (c *Coordinator) releaseQuietly(ctx context.Context, accountID, teamMemberID int64, from, to time.Time) {
	if _, err := c.ReleaseForWindow(context.WithoutCancel(ctx), accountID, teamMemberID, from, to); err != nil {
		c.logger.Warn().Err(err).Int64("account_id", accountID).Msg("Waitlist release failed")
	}
}
