package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservo/internal/apperr"
	"reservo/internal/database"
	"reservo/internal/identity"
	"reservo/internal/model"
	"reservo/internal/queue"
)

// WalkInRequest is a ticket taken at the kiosk.
type WalkInRequest struct {
	Phone                    string `json:"phone"`
	GuestName                string `json:"guest_name,omitempty"`
	VerificationCode         string `json:"verification_code,omitempty"`
	ServiceID                *int64 `json:"service_id,omitempty"`
	TeamMemberID             *int64 `json:"team_member_id,omitempty"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes,omitempty"`
	PartySize                int    `json:"party_size,omitempty"`
	Notes                    string `json:"notes,omitempty"`
}

func (r WalkInRequest) validate() error {
	switch {
	case len(strings.TrimSpace(r.GuestName)) > 120:
		return apperr.Validation("guest_name", "Name must be at most 120 characters.")
	case r.EstimatedDurationMinutes != 0 && (r.EstimatedDurationMinutes < 5 || r.EstimatedDurationMinutes > 240):
		return apperr.Validation("estimated_duration_minutes", "Estimated duration must be between 5 and 240 minutes.")
	case r.PartySize < 0 || r.PartySize > 500:
		return apperr.Validation("party_size", "Party size must be between 1 and 500.")
	case len(r.Notes) > 2000:
		return apperr.Validation("notes", "Notes must be at most 2000 characters.")
	}
	return nil
}

// WalkInResult carries the created ticket, or the visitor's existing one when Duplicate is set.
type WalkInResult struct {
	Ticket       *model.QueueItem `json:"ticket"`
	Duplicate    bool             `json:"duplicate_ticket"`
	Message      string           `json:"message"`
	LinkedClient *ClientInfo      `json:"linked_client,omitempty"`
}

// WalkIn creates a ticket for a known client or a guest. Repeating the request while a ticket is
// active returns that ticket instead of failing.
func (s *Service) WalkIn(ctx context.Context, accountID int64, req WalkInRequest) (*WalkInResult, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizedPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	customer, err := s.matcher.FindCustomerByPhone(ctx, accountID, req.Phone)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		if err := s.verifier.EnsureVerified(ctx, kc.account, normalized, req.VerificationCode); err != nil {
			return nil, err
		}
	}

	source, flow := "kiosk_guest", "walk_in"
	if customer != nil {
		source, flow = "kiosk_client", "client_ticket"
	}
	actor := actorFor(customer)
	ticketReq := queue.TicketRequest{
		AccountID:                accountID,
		ClientID:                 actor.ClientID,
		ClientUserID:             actor.ClientUserID,
		ServiceID:                req.ServiceID,
		TeamMemberID:             req.TeamMemberID,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		GuestName:                req.GuestName,
		GuestPhone:               req.Phone,
		PartySize:                req.PartySize,
		Notes:                    req.Notes,
		Source:                   source,
		KioskFlow:                flow,
		Metadata: map[string]any{
			"kiosk": map[string]any{"flow": flow, "created_at": kc.now.Format(time.RFC3339)},
		},
	}

	res := &WalkInResult{}
	if customer != nil {
		res.LinkedClient = infoOf(customer)
	}

	it, err := s.queue.CreateTicket(ctx, ticketReq, actor)
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindDuplicateTicket {
		if existing, ok := e.Existing.(*model.QueueItem); ok {
			res.Ticket, res.Duplicate = existing, true
			res.Message = duplicateMessage(existing)
			s.record(ctx, kc, actor, "kiosk_duplicate_ticket", normalized, map[string]any{"queue_item_id": existing.ID})
			return res, nil
		}
	}
	if err != nil {
		return nil, err
	}
	res.Ticket = it
	res.Message = "Queue ticket created."
	return res, nil
}

func duplicateMessage(it *model.QueueItem) string {
	number := it.QueueNumber
	if number == "" {
		number = fmt.Sprintf("#%d", it.ID)
	}
	position := "pending"
	if it.Position != nil {
		position = fmt.Sprintf("%d", *it.Position)
	}
	return fmt.Sprintf("An active queue ticket already exists for this phone number. Ticket %s is currently at position %s.", number, position)
}

// CheckInRequest checks a client in for a reservation; without ReservationID the nearby one is used.
type CheckInRequest struct {
	Phone            string `json:"phone"`
	VerificationCode string `json:"verification_code,omitempty"`
	ReservationID    *int64 `json:"reservation_id,omitempty"`
}

type CheckInResult struct {
	ReservationID int64            `json:"reservation_id"`
	QueueItem     *model.QueueItem `json:"queue_item"`
}

// CheckIn marks the client's reservation as arrived in the queue.
func (s *Service) CheckIn(ctx context.Context, accountID int64, req CheckInRequest) (*CheckInResult, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizedPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	customer, err := s.requireCustomer(ctx, accountID, req.Phone)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.EnsureVerified(ctx, kc.account, normalized, req.VerificationCode); err != nil {
		return nil, err
	}

	r, err := s.checkInReservation(ctx, kc, customer, req.ReservationID)
	if err != nil {
		return nil, err
	}

	loc := kc.account.Location()
	local := r.StartsAt.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if err := s.queue.SyncAppointments(ctx, accountID, dayStart, dayStart.AddDate(0, 0, 1)); err != nil {
		return nil, err
	}

	item, err := s.store.GetQueueItemByReservation(ctx, r.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Validation("reservation", "Unable to create queue item for this reservation.")
	}
	if err != nil {
		return nil, err
	}

	actor := actorFor(customer)
	updated, err := s.queue.Transition(ctx, item.ID, model.ActionCheckIn, actor, queue.TransitionOptions{Channel: "kiosk_client"})
	if err != nil {
		return nil, err
	}
	s.record(ctx, kc, actor, "kiosk_check_in", normalized, map[string]any{
		"reservation_id": r.ID, "queue_item_id": updated.ID,
	})
	return &CheckInResult{ReservationID: r.ID, QueueItem: updated}, nil
}

func (s *Service) checkInReservation(ctx context.Context, kc *kioskContext, customer *model.Customer, id *int64) (*model.Reservation, error) {
	client := clientOf(customer)
	if id != nil {
		r, err := s.store.GetReservation(ctx, *id)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		if r != nil && r.AccountID == kc.account.ID && r.Status.IsActive() && r.BelongsTo(client.ClientID, client.ClientUserID) {
			return r, nil
		}
	}
	r, err := s.queue.Guard().FindNearbyActiveReservation(ctx, kc.account.ID, client, kc.settings.QueueDuplicateWindowMinutes)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.Validation("reservation", "No nearby active reservation found for this client.")
	}
	return r, nil
}

// TrackRequest finds a ticket by phone, optionally narrowed by number or id.
type TrackRequest struct {
	Phone       string `json:"phone"`
	QueueNumber string `json:"queue_number,omitempty"`
	TicketID    *int64 `json:"ticket_id,omitempty"`
}

type TrackResult struct {
	Found     bool             `json:"found"`
	Ticket    *model.QueueItem `json:"ticket,omitempty"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Track returns the newest matching ticket that is active or changed in the last two days.
func (s *Service) Track(ctx context.Context, accountID int64, req TrackRequest) (*TrackResult, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizedPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	customer, err := s.matcher.FindCustomerByPhone(ctx, accountID, req.Phone)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.RefreshMetrics(ctx, accountID); err != nil {
		return nil, err
	}

	candidates, err := s.store.ListTrackableTickets(ctx, accountID, kc.now.Add(-trackLookback))
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	number := strings.TrimSpace(req.QueueNumber)
	client := clientOf(customer)

	res := &TrackResult{FetchedAt: kc.now}
	seen := 0
	for i := range candidates {
		it := &candidates[i]
		if number != "" && it.QueueNumber != number {
			continue
		}
		if req.TicketID != nil && it.ID != *req.TicketID {
			continue
		}
		if seen++; seen > trackCandidate {
			break
		}
		if ticketMatches(it, normalized, client.ClientID, client.ClientUserID) {
			res.Found, res.Ticket = true, it
			break
		}
	}

	action := "kiosk_ticket_track_not_found"
	props := map[string]any{}
	if number != "" {
		props["queue_number"] = number
	}
	if res.Found {
		action = "kiosk_ticket_tracked"
		props["queue_item_id"] = res.Ticket.ID
	}
	s.record(ctx, kc, actorFor(customer), action, normalized, props)
	return res, nil
}

func ticketMatches(it *model.QueueItem, normalized string, clientID, clientUserID *int64) bool {
	if (clientID != nil || clientUserID != nil) && it.MatchesClient(clientID, clientUserID) {
		return true
	}
	if it.Ticket == nil {
		return false
	}
	stored := it.Ticket.GuestPhoneNormalized
	if stored == "" {
		stored = identity.NormalizePhone(it.Ticket.GuestPhone)
	}
	return stored != "" && stored == normalized
}
