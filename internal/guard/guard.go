// Package guard stops the same visitor from holding two live intents at once.
package guard

import (
	"context"
	"fmt"
	"time"

	"reservo/internal/apperr"
	"reservo/internal/identity"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
)

type Intent string

const (
	IntentCheckIn           Intent = "check_in"
	IntentTrackTicket       Intent = "track_ticket"
	IntentTakeTicket        Intent = "take_ticket"
	IntentCreateGuestTicket Intent = "create_guest_ticket"
)

const nearbyReservationMessage = "You already have a nearby reservation. Please check in instead of taking a new ticket."

// Store is satisfied by the database queries, inside or outside a transaction.
type Store interface {
	FindActiveTicketForClient(ctx context.Context, accountID int64, clientID, clientUserID *int64) (*model.QueueItem, error)
	ListActiveGuestTickets(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error)
	FindNearbyActiveReservation(ctx context.Context, accountID int64, clientID, clientUserID *int64, now, from, to time.Time) (*model.Reservation, error)
}

// Client is an identified visitor. Both ids may be nil for guests.
type Client struct {
	ClientID     *int64
	ClientUserID *int64
}

func (c Client) Identified() bool { return c.ClientID != nil || c.ClientUserID != nil }

type Guard struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Using returns a copy bound to another store, typically an open transaction.
func (g *Guard) Using(store Store) *Guard {
	return &Guard{store: store, now: g.now}
}

func (g *Guard) FindActiveTicket(ctx context.Context, accountID int64, client Client) (*model.QueueItem, error) {
	if !client.Identified() {
		return nil, nil
	}
	it, err := g.store.FindActiveTicketForClient(ctx, accountID, client.ClientID, client.ClientUserID)
	if err != nil {
		return nil, fmt.Errorf("find active ticket: %w", err)
	}
	return it, nil
}

// FindNearbyActiveReservation looks windowMinutes either side of now, and at reservations in progress.
func (g *Guard) FindNearbyActiveReservation(ctx context.Context, accountID int64, client Client, windowMinutes int) (*model.Reservation, error) {
	if !client.Identified() {
		return nil, nil
	}
	now := g.now().UTC()
	window := time.Duration(windowMinutes) * time.Minute
	r, err := g.store.FindNearbyActiveReservation(ctx, accountID, client.ClientID, client.ClientUserID, now, now.Add(-window), now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("find nearby reservation: %w", err)
	}
	return r, nil
}

// FindGuestTicket returns an active ticket created within the window whose guest phone matches.
func (g *Guard) FindGuestTicket(ctx context.Context, accountID int64, phone string, windowMinutes int) (*model.QueueItem, error) {
	normalized := identity.NormalizePhone(phone)
	if normalized == "" {
		return nil, nil
	}
	since := g.now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	items, err := g.store.ListActiveGuestTickets(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list guest tickets: %w", err)
	}
	for i := range items {
		t := items[i].Ticket
		if t == nil {
			continue
		}
		stored := t.GuestPhoneNormalized
		if stored == "" {
			stored = identity.NormalizePhone(t.GuestPhone)
		}
		if stored == normalized {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

// EnsureCanCreateTicket refuses a second ticket and redirects visitors with a nearby reservation.
func (g *Guard) EnsureCanCreateTicket(ctx context.Context, accountID int64, client Client, s settings.Resolved) error {
	if !s.QueueEnabled() || !client.Identified() {
		return nil
	}
	existing, err := g.FindActiveTicket(ctx, accountID, client)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.IncDuplicateSuppressed("client_ticket")
		return apperr.DuplicateTicket("You already have an active ticket.", existing)
	}

	nearby, err := g.FindNearbyActiveReservation(ctx, accountID, client, s.QueueDuplicateWindowMinutes)
	if err != nil {
		return err
	}
	if nearby != nil {
		metrics.IncDuplicateSuppressed("nearby_reservation")
		return apperr.PolicyViolation("reservation_id", nearbyReservationMessage)
	}
	return nil
}

// EnsureCanCreateReservation refuses bookings while the client waits in the queue.
func (g *Guard) EnsureCanCreateReservation(ctx context.Context, accountID int64, client Client, s settings.Resolved) error {
	if !s.QueueEnabled() || !client.Identified() {
		return nil
	}
	existing, err := g.FindActiveTicket(ctx, accountID, client)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.IncDuplicateSuppressed("reservation_with_ticket")
		return apperr.PolicyViolation("client_id", "You already have an active queue ticket.")
	}
	return nil
}

// EnsureCanCreateGuestTicket refuses a second ticket for the same guest phone inside the window.
func (g *Guard) EnsureCanCreateGuestTicket(ctx context.Context, accountID int64, phone string, s settings.Resolved) error {
	if !s.QueueEnabled() {
		return nil
	}
	existing, err := g.FindGuestTicket(ctx, accountID, phone, s.QueueDuplicateWindowMinutes)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.IncDuplicateSuppressed("guest_phone")
		return apperr.DuplicateTicket("An active ticket already exists for this phone number.", existing)
	}
	return nil
}

// ResolveIntent decides what a kiosk visitor most likely wants. A nil client is an unknown phone.
func (g *Guard) ResolveIntent(ctx context.Context, accountID int64, client *Client, s settings.Resolved) (Intent, error) {
	if client == nil || !client.Identified() {
		return IntentCreateGuestTicket, nil
	}
	nearby, err := g.FindNearbyActiveReservation(ctx, accountID, *client, s.QueueDuplicateWindowMinutes)
	if err != nil {
		return "", err
	}
	if nearby != nil {
		return IntentCheckIn, nil
	}
	ticket, err := g.FindActiveTicket(ctx, accountID, *client)
	if err != nil {
		return "", err
	}
	if ticket != nil {
		return IntentTrackTicket, nil
	}
	return IntentTakeTicket, nil
}
