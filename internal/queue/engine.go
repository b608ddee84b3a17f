// Package queue runs the hybrid walk-in and appointment queue of an account.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/apperr"
	"reservo/internal/audit"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/guard"
	"reservo/internal/identity"
	"reservo/internal/lock"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
)

type SettingsResolver interface {
	Resolve(ctx context.Context, accountID int64, teamMemberID *int64) (settings.Resolved, *model.Account, error)
	ServiceDuration(ctx context.Context, accountID int64, serviceID *int64) int
}

type ActivityRecorder interface {
	Record(ctx context.Context, e model.ActivityEntry)
}

type Engine struct {
	store    Store
	settings SettingsResolver
	guard    *guard.Guard
	locker   lock.Locker
	events   events.Publisher
	activity ActivityRecorder
	now      func() time.Time
	logger   zerolog.Logger
}

func NewEngine(store Store, settingsResolver SettingsResolver, locker lock.Locker, publisher events.Publisher, activity ActivityRecorder, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Engine{
		store:    store,
		settings: settingsResolver,
		guard:    guard.New(store),
		locker:   locker,
		events:   publisher,
		activity: activity,
		now:      time.Now,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.guard.WithClock(now)
	return e
}

// Guard exposes the duplicate-intent guard bound to the engine's store.
func (e *Engine) Guard() *guard.Guard { return e.guard }

func accountLockKey(accountID int64) string {
	return fmt.Sprintf("queue:%d", accountID)
}

// TicketRequest describes a walk-in ticket.
type TicketRequest struct {
	AccountID                int64          `json:"-"`
	ClientID                 *int64         `json:"client_id,omitempty"`
	ClientUserID             *int64         `json:"client_user_id,omitempty"`
	ServiceID                *int64         `json:"service_id,omitempty"`
	TeamMemberID             *int64         `json:"team_member_id,omitempty"`
	EstimatedDurationMinutes int            `json:"estimated_duration_minutes,omitempty"`
	GuestName                string         `json:"guest_name,omitempty"`
	GuestPhone               string         `json:"guest_phone,omitempty"`
	PartySize                int            `json:"party_size,omitempty"`
	Notes                    string         `json:"notes,omitempty"`
	Priority                 int            `json:"priority,omitempty"`
	Source                   string         `json:"source,omitempty"`
	KioskFlow                string         `json:"kiosk_flow,omitempty"`
	ArrivedLater             bool           `json:"arrived_later,omitempty"`
	Metadata                 map[string]any `json:"metadata,omitempty"`
}

// TransitionOptions carries the caller context of a transition.
type TransitionOptions struct {
	Channel string
	// AssignTeamMember replaces the item's member with TeamMemberID (nil unassigns).
	AssignTeamMember bool
	TeamMemberID     *int64
}

// session collects side effects of one locked transaction; they are released after commit.
type session struct {
	account  *model.Account
	settings settings.Resolved
	now      time.Time
	pending  []events.Event
}

func (s *session) emit(t events.Type, payload any) {
	s.pending = append(s.pending, events.Event{Type: t, AccountID: s.account.ID, Payload: payload, CreatedAt: s.now})
}

func (e *Engine) resolve(ctx context.Context, accountID int64) (settings.Resolved, *model.Account, error) {
	s, account, err := e.settings.Resolve(ctx, accountID, nil)
	if errors.Is(err, database.ErrNotFound) {
		return s, nil, apperr.NotFound("account")
	}
	if err != nil {
		return s, nil, err
	}
	return s, account, nil
}

func (e *Engine) requireQueue(ctx context.Context, accountID int64) (settings.Resolved, *model.Account, error) {
	s, account, err := e.resolve(ctx, accountID)
	if err != nil {
		return s, nil, err
	}
	if !s.QueueEnabled() {
		return s, nil, apperr.FeatureDisabled(s.QueueDisabledReason())
	}
	return s, account, nil
}

// locked runs fn in one transaction while holding the account queue lock, then publishes
// the collected events.
func (e *Engine) locked(ctx context.Context, account *model.Account, s settings.Resolved, fn func(tx Tx, ss *session) error) error {
	release, err := e.locker.Lock(ctx, accountLockKey(account.ID))
	if err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	defer release()

	ss := &session{account: account, settings: s, now: e.now().UTC()}
	if err := e.store.WithTx(ctx, func(tx Tx) error { return fn(tx, ss) }); err != nil {
		return err
	}
	for _, ev := range ss.pending {
		e.events.Publish(ctx, ev)
	}
	return nil
}

// CreateTicket numbers and inserts a walk-in ticket. Duplicate checks run under the account lock.
func (e *Engine) CreateTicket(ctx context.Context, req TicketRequest, actor model.Actor) (*model.QueueItem, error) {
	s, account, err := e.requireQueue(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.TeamMemberID != nil {
		m, err := e.store.GetTeamMember(ctx, req.AccountID, *req.TeamMemberID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && !m.Active) {
			return nil, apperr.Validation("team_member_id", "Selected team member is not available.")
		}
		if err != nil {
			return nil, err
		}
	}
	if req.PartySize < 0 {
		return nil, apperr.Validation("party_size", "Party size must be positive.")
	}
	if req.Source == "" {
		req.Source = "staff"
		if actor.IsClient() {
			req.Source = "client"
		}
	}
	duration := s.TicketDuration(req.EstimatedDurationMinutes, e.settings.ServiceDuration(ctx, req.AccountID, req.ServiceID))
	client := guard.Client{ClientID: req.ClientID, ClientUserID: req.ClientUserID}

	var created model.QueueItem
	err = e.locked(ctx, account, s, func(tx Tx, ss *session) error {
		g := e.guard.Using(tx)
		if client.Identified() {
			if err := g.EnsureCanCreateTicket(ctx, req.AccountID, client, s); err != nil {
				return err
			}
		} else if req.GuestPhone != "" {
			if err := g.EnsureCanCreateGuestTicket(ctx, req.AccountID, req.GuestPhone, s); err != nil {
				return err
			}
		}

		local := ss.now.In(account.Location())
		day := local.Format("2006-01-02")
		seq, err := tx.NextQueueSeq(ctx, req.AccountID, day)
		if err != nil {
			return fmt.Errorf("next queue number: %w", err)
		}

		it := &model.QueueItem{
			AccountID:                req.AccountID,
			Status:                   model.QueueCheckedIn,
			Priority:                 req.Priority,
			QueueNumber:              fmt.Sprintf("T-%s-%03d", local.Format("0102"), seq),
			TeamMemberID:             req.TeamMemberID,
			ServiceID:                req.ServiceID,
			ClientID:                 req.ClientID,
			ClientUserID:             req.ClientUserID,
			Source:                   req.Source,
			EstimatedDurationMinutes: duration,
			CreatedBy:                actorRef(actor),
			Ticket: &model.TicketDetails{
				GuestName:            strings.TrimSpace(req.GuestName),
				GuestPhone:           strings.TrimSpace(req.GuestPhone),
				GuestPhoneNormalized: identity.NormalizePhone(req.GuestPhone),
				PartySize:            req.PartySize,
				Notes:                strings.TrimSpace(req.Notes),
				KioskFlow:            req.KioskFlow,
			},
			Metadata:  req.Metadata,
			CreatedAt: ss.now,
		}
		if req.ArrivedLater {
			it.Status = model.QueueNotArrived
		} else {
			it.CheckedInAt = &ss.now
		}
		if err := tx.CreateQueueItem(ctx, it, day, seq); err != nil {
			return err
		}
		if it.Status == model.QueueCheckedIn {
			if err := recordCheckIn(ctx, tx, it, actor, req.Source, ss.now); err != nil {
				return err
			}
		}
		if _, err := e.refresh(ctx, tx, ss); err != nil {
			return err
		}
		fresh, err := tx.GetQueueItem(ctx, it.ID)
		if err != nil {
			return err
		}
		created = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncTicketCreated(req.Source)
	e.logger.Info().
		Int64("account_id", created.AccountID).
		Int64("queue_item_id", created.ID).
		Str("queue_number", created.QueueNumber).
		Str("source", created.Source).
		Msg("Queue ticket created")
	if strings.HasPrefix(req.Source, "kiosk_") {
		e.record(ctx, actor, &created, "kiosk_ticket_created", "Kiosk ticket created", map[string]any{
			"source": req.Source, "queue_number": created.QueueNumber,
		})
	}
	return &created, nil
}

// Transition applies a staff or client action to a queue item.
func (e *Engine) Transition(ctx context.Context, itemID int64, action model.QueueAction, actor model.Actor, opts TransitionOptions) (*model.QueueItem, error) {
	action = model.QueueAction(strings.ToLower(strings.TrimSpace(string(action))))
	if !model.KnownQueueAction(action) {
		return nil, apperr.Validation("action", "Unsupported queue action.")
	}

	current, err := e.store.GetQueueItem(ctx, itemID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("queue item")
	}
	if err != nil {
		return nil, err
	}
	byClient := actor.IsClient()
	if byClient && !current.MatchesClient(actor.ClientID, actor.ClientUserID) {
		return nil, apperr.NotFound("queue item")
	}

	s, account, err := e.requireQueue(ctx, current.AccountID)
	if err != nil {
		return nil, err
	}

	var (
		updated model.QueueItem
		from    model.QueueStatus
	)
	err = e.locked(ctx, account, s, func(tx Tx, ss *session) error {
		it, err := tx.GetQueueItem(ctx, itemID)
		if err != nil {
			return err
		}
		from = it.Status
		if it.Status.IsTerminal() {
			return apperr.PolicyViolation("queue", "This queue item is already closed.")
		}
		if !model.CanApplyQueueAction(it.Status, action) {
			return apperr.PolicyViolation("queue", fmt.Sprintf("Queue transition not allowed from %s.", it.Status))
		}

		applyAction(it, action, ss.now, s.QueueGraceMinutes, byClient)
		if opts.AssignTeamMember {
			it.TeamMemberID = opts.TeamMemberID
		}
		if err := tx.UpdateQueueItem(ctx, it, ss.now); err != nil {
			return err
		}

		switch action {
		case model.ActionCheckIn:
			channel := opts.Channel
			if channel == "" {
				channel = "staff"
			}
			if err := recordCheckIn(ctx, tx, it, actor, channel, ss.now); err != nil {
				return err
			}
		case model.ActionStillHere:
			if err := recordCheckIn(ctx, tx, it, actor, "still_here", ss.now); err != nil {
				return err
			}
		case model.ActionCall:
			ss.emit(events.QueueCalled, events.QueueItemPayload{Item: *it})
		}

		if _, err := e.refresh(ctx, tx, ss); err != nil {
			return err
		}
		fresh, err := tx.GetQueueItem(ctx, it.ID)
		if err != nil {
			return err
		}
		updated = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncQueueTransition(string(action), string(from), string(updated.Status))
	e.logger.Info().
		Int64("queue_item_id", updated.ID).
		Str("action", string(action)).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Msg("Queue item transitioned")
	if channel := strings.ToLower(opts.Channel); strings.HasPrefix(channel, "kiosk") {
		e.record(ctx, actor, &updated, "kiosk_queue_transition", "Kiosk queue transition", map[string]any{
			"action": string(action), "channel": channel, "from_status": string(from), "to_status": string(updated.Status),
		})
	}
	return &updated, nil
}

// applyAction stamps the timestamps of action. Leaving called always clears the call expiry.
func applyAction(it *model.QueueItem, action model.QueueAction, now time.Time, graceMinutes int, byClient bool) {
	at := now
	switch action {
	case model.ActionCheckIn:
		it.Status = model.QueueCheckedIn
		it.CheckedInAt = &at
		it.PreCalledAt, it.CalledAt, it.CallExpiresAt, it.SkippedAt = nil, nil, nil, nil
	case model.ActionStillHere:
		it.Status = model.QueueCheckedIn
		it.CheckedInAt = &at
		it.PreCalledAt, it.CalledAt, it.CallExpiresAt = nil, nil, nil
	case model.ActionPreCall:
		it.Status = model.QueuePreCalled
		it.PreCalledAt = &at
	case model.ActionCall:
		it.Status = model.QueueCalled
		it.CalledAt = &at
		expires := now.Add(time.Duration(graceMinutes) * time.Minute)
		it.CallExpiresAt = &expires
	case model.ActionStart:
		it.Status = model.QueueInService
		it.StartedAt = &at
		it.CallExpiresAt = nil
	case model.ActionDone:
		it.Status = model.QueueDone
		it.FinishedAt = &at
		it.CallExpiresAt = nil
	case model.ActionSkip:
		it.Status = model.QueueSkipped
		it.SkippedAt = &at
		it.CallExpiresAt = nil
	case model.ActionNoShow:
		it.Status = model.QueueNoShow
		it.FinishedAt = &at
		it.CallExpiresAt = nil
	case model.ActionCancel:
		if it.IsTicket() && byClient {
			it.Status = model.QueueLeft
			it.LeftAt = &at
		} else {
			it.Status = model.QueueCancelled
			it.CancelledAt = &at
		}
		it.CallExpiresAt = nil
	}
}

func recordCheckIn(ctx context.Context, tx Tx, it *model.QueueItem, actor model.Actor, channel string, now time.Time) error {
	c := &model.CheckIn{
		AccountID:     it.AccountID,
		QueueItemID:   it.ID,
		ClientUserID:  it.ClientUserID,
		CheckedInBy:   actorRef(actor),
		Channel:       channel,
		CheckedInAt:   now,
		GraceDeadline: it.CallExpiresAt,
	}
	if it.Appointment != nil {
		c.ReservationID = model.Int64Ptr(it.Appointment.ReservationID)
	}
	return tx.CreateCheckIn(ctx, c)
}

func (e *Engine) record(ctx context.Context, actor model.Actor, it *model.QueueItem, action, description string, props map[string]any) {
	if e.activity == nil {
		return
	}
	if props == nil {
		props = map[string]any{}
	}
	props["queue_item_id"] = it.ID
	if it.Appointment != nil {
		props["reservation_id"] = it.Appointment.ReservationID
	}
	if it.ClientID != nil {
		props["client_id"] = *it.ClientID
	}
	if it.ClientUserID != nil {
		props["client_user_id"] = *it.ClientUserID
	}
	e.activity.Record(ctx, audit.Entry(it.AccountID, actor, "queue_item", it.ID, action, description, props))
}

func actorRef(actor model.Actor) *int64 {
	if actor.ID == 0 {
		return nil
	}
	return model.Int64Ptr(actor.ID)
}
