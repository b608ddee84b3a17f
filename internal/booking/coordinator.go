// Package booking creates and changes reservations without ever double-booking a team member.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/apperr"
	"reservo/internal/availability"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/guard"
	"reservo/internal/lock"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
	"reservo/internal/slots"
)

// conflictHorizon widens the reservation query so buffered neighbours are always loaded.
const conflictHorizon = settings.MaxBufferMinutes * time.Minute

type SettingsResolver interface {
	Resolve(ctx context.Context, accountID int64, teamMemberID *int64) (settings.Resolved, *model.Account, error)
	ServiceDuration(ctx context.Context, accountID int64, serviceID *int64) int
}

type AvailabilityResolver interface {
	DayIntervals(ctx context.Context, accountID, teamMemberID int64, date time.Time, loc *time.Location) ([]availability.Interval, error)
}

type ActivityRecorder interface {
	Record(ctx context.Context, e model.ActivityEntry)
}

// AppointmentSyncer mirrors reservation changes onto the day queue.
type AppointmentSyncer interface {
	SyncReservation(ctx context.Context, r *model.Reservation) error
}

type Coordinator struct {
	store        Store
	settings     SettingsResolver
	availability AvailabilityResolver
	guard        *guard.Guard
	locker       lock.Locker
	events       events.Publisher
	activity     ActivityRecorder
	queue        AppointmentSyncer
	now          func() time.Time
	logger       zerolog.Logger
}

func NewCoordinator(
	store Store,
	settingsResolver SettingsResolver,
	avail AvailabilityResolver,
	locker lock.Locker,
	publisher events.Publisher,
	activity ActivityRecorder,
	logger zerolog.Logger,
) *Coordinator {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Coordinator{
		store:        store,
		settings:     settingsResolver,
		availability: avail,
		guard:        guard.New(store),
		locker:       locker,
		events:       publisher,
		activity:     activity,
		now:          time.Now,
		logger:       logger.With().Str("component", "booking").Logger(),
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	c.guard.WithClock(now)
	return c
}

// SetQueue wires the queue engine after construction; the engine depends on bookings too.
func (c *Coordinator) SetQueue(q AppointmentSyncer) {
	c.queue = q
}

type BookRequest struct {
	AccountID       int64                   `json:"-"`
	TeamMemberID    int64                   `json:"team_member_id"`
	ClientID        *int64                  `json:"client_id,omitempty"`
	ClientUserID    *int64                  `json:"client_user_id,omitempty"`
	ServiceID       *int64                  `json:"service_id,omitempty"`
	StartsAt        time.Time               `json:"starts_at"`
	DurationMinutes int                     `json:"duration_minutes,omitempty"`
	BufferMinutes   *int                    `json:"buffer_minutes,omitempty"`
	PartySize       *int                    `json:"party_size,omitempty"`
	Notes           string                  `json:"notes,omitempty"`
	Status          model.ReservationStatus `json:"status,omitempty"`
	Source          model.ReservationSource `json:"source,omitempty"`
	ResourceType    string                  `json:"resource_type,omitempty"`
	ResourceID      *int64                  `json:"resource_id,omitempty"`
}

func (r BookRequest) wantsResource() bool {
	return r.ResourceType != "" || r.ResourceID != nil || (r.PartySize != nil && *r.PartySize > 0)
}

func memberLockKey(accountID, memberID int64) string {
	return fmt.Sprintf("booking:%d:%d", accountID, memberID)
}

// Book validates and inserts a reservation. The overlap check and the insert share one
// transaction under the (account, member) lock.
func (c *Coordinator) Book(ctx context.Context, req BookRequest, actor model.Actor) (*model.Reservation, error) {
	now := c.now().UTC()

	if req.AccountID <= 0 {
		return nil, apperr.Validation("account_id", "Account is required.")
	}
	if req.TeamMemberID <= 0 {
		return nil, apperr.Validation("team_member_id", "Team member is required.")
	}
	if req.StartsAt.IsZero() {
		return nil, apperr.Validation("starts_at", "Start time is required.")
	}
	if req.DurationMinutes < 0 {
		return nil, apperr.Validation("duration_minutes", "Duration must be positive.")
	}
	if req.Status == "" {
		req.Status = model.ReservationPending
	}
	if req.Status != model.ReservationPending && req.Status != model.ReservationConfirmed {
		return nil, apperr.Validation("status", "New reservations must be pending or confirmed.")
	}
	if req.Source == "" || actor.IsClient() {
		req.Source = sourceFor(actor)
	}
	if actor.IsClient() {
		req.Status = model.ReservationPending
		if req.ClientID == nil && req.ClientUserID == nil {
			req.ClientID, req.ClientUserID = actor.ClientID, actor.ClientUserID
		}
	}

	s, account, err := c.resolve(ctx, req.AccountID, &req.TeamMemberID)
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, req.AccountID, req.TeamMemberID); err != nil {
		return nil, err
	}

	duration := s.ResolveDuration(req.DurationMinutes, c.settings.ServiceDuration(ctx, req.AccountID, req.ServiceID))
	buffer := s.BufferMinutes
	if req.BufferMinutes != nil {
		buffer = settings.ClampBuffer(*req.BufferMinutes)
	}
	start := req.StartsAt.UTC().Truncate(time.Minute)
	end := start.Add(time.Duration(duration) * time.Minute)

	if err := c.checkWindow(ctx, account, s, req.TeamMemberID, start, end, now, isSelfService(req.Source) || actor.IsClient()); err != nil {
		return nil, err
	}

	client := guard.Client{ClientID: req.ClientID, ClientUserID: req.ClientUserID}
	if err := c.guard.EnsureCanCreateReservation(ctx, req.AccountID, client, s); err != nil {
		return nil, err
	}

	r := &model.Reservation{
		AccountID:       req.AccountID,
		TeamMemberID:    req.TeamMemberID,
		ClientID:        req.ClientID,
		ClientUserID:    req.ClientUserID,
		ServiceID:       req.ServiceID,
		Status:          req.Status,
		Source:          req.Source,
		StartsAt:        start,
		EndsAt:          end,
		DurationMinutes: duration,
		BufferMinutes:   buffer,
		PartySize:       req.PartySize,
		Notes:           req.Notes,
		CreatedBy:       actorID(actor),
	}

	release, err := c.locker.Lock(ctx, memberLockKey(req.AccountID, req.TeamMemberID))
	if err != nil {
		return nil, fmt.Errorf("lock team member: %w", err)
	}
	defer release()

	err = c.store.WithTx(ctx, func(tx Tx) error {
		if err := c.ensureFree(ctx, tx, r, 0); err != nil {
			return err
		}
		var resource *model.Resource
		if req.wantsResource() {
			resource, err = c.pickResource(ctx, tx, req, r)
			if err != nil {
				return err
			}
		}
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		if resource != nil {
			return tx.CreateAllocation(ctx, model.ResourceAllocation{
				ReservationID: r.ID, ResourceID: resource.ID, Quantity: partySize(req.PartySize),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncBookingCreated(string(r.Source))
	c.logger.Info().
		Int64("account_id", r.AccountID).
		Int64("reservation_id", r.ID).
		Int64("team_member_id", r.TeamMemberID).
		Time("starts_at", r.StartsAt).
		Msg("Reservation created")
	c.events.Publish(ctx, events.Event{
		Type: events.ReservationCreated, AccountID: r.AccountID,
		Payload: events.ReservationPayload{Reservation: *r, Actor: actor},
	})
	c.record(ctx, actor, r, "created", "Reservation created", nil)
	c.syncQueue(ctx, r)
	return r, nil
}

// ensureFree fails with SlotUnavailable when r collides with an active reservation of its member.
func (c *Coordinator) ensureFree(ctx context.Context, tx Tx, r *model.Reservation, ignoreID int64) error {
	existing, err := tx.ListActiveReservations(ctx, r.AccountID, []int64{r.TeamMemberID},
		r.StartsAt.Add(-conflictHorizon), r.EndsAt.Add(conflictHorizon))
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	if slots.Conflicts(r.StartsAt, r.EndsAt, r.BufferMinutes, existing, ignoreID) {
		metrics.IncBookingConflict()
		return apperr.SlotUnavailable("")
	}
	return nil
}

func (c *Coordinator) pickResource(ctx context.Context, tx Tx, req BookRequest, r *model.Reservation) (*model.Resource, error) {
	resources, err := tx.ListResources(ctx, r.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	if len(resources) == 0 && req.ResourceType == "" && req.ResourceID == nil {
		// No capacity model for this account; party size is informational.
		return nil, nil
	}
	var candidates []model.Resource
	for _, res := range resources {
		if req.ResourceType != "" && res.Type != req.ResourceType {
			continue
		}
		if req.ResourceID != nil && res.ID != *req.ResourceID {
			continue
		}
		candidates = append(candidates, res)
	}
	allocations, err := tx.ListAllocations(ctx, r.AccountID, r.StartsAt, r.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if r.ID != 0 {
		kept := allocations[:0]
		for _, a := range allocations {
			if a.ReservationID != r.ID {
				kept = append(kept, a)
			}
		}
		allocations = kept
	}

	res, ok := slots.PickResource(candidates, allocations, r.TeamMemberID, r.StartsAt, r.EndsAt, partySize(req.PartySize))
	if !ok {
		return nil, apperr.SlotUnavailable("No table or room has capacity for the selected time.")
	}
	return &res, nil
}

// checkWindow applies the past, notice, advance and availability rules.
func (c *Coordinator) checkWindow(ctx context.Context, account *model.Account, s settings.Resolved, memberID int64, start, end, now time.Time, selfService bool) error {
	if start.Before(now) {
		return apperr.Validation("starts_at", "Selected time is in the past.")
	}
	if selfService {
		if start.Before(now.Add(time.Duration(s.MinNoticeMinutes) * time.Minute)) {
			return apperr.Validation("starts_at", "Selected time is inside the minimum notice period.")
		}
		if start.After(now.AddDate(0, 0, s.MaxAdvanceDays)) {
			return apperr.Validation("starts_at", "Selected time is too far in the future.")
		}
	}

	loc := account.Location()
	intervals, err := c.availability.DayIntervals(ctx, account.ID, memberID, start.In(loc), loc)
	if err != nil {
		return fmt.Errorf("load availability: %w", err)
	}
	for _, iv := range intervals {
		if iv.Contains(start, end) {
			return nil
		}
	}
	return apperr.Validation("starts_at", "Selected time is outside availability.")
}

func (c *Coordinator) resolve(ctx context.Context, accountID int64, memberID *int64) (settings.Resolved, *model.Account, error) {
	s, account, err := c.settings.Resolve(ctx, accountID, memberID)
	if errors.Is(err, database.ErrNotFound) {
		return s, nil, apperr.NotFound("account")
	}
	if err != nil {
		return s, nil, err
	}
	if account.Suspended {
		return s, nil, apperr.PolicyViolation("account_id", "Account is suspended.")
	}
	return s, account, nil
}

func (c *Coordinator) requireMember(ctx context.Context, accountID, memberID int64) error {
	m, err := c.store.GetTeamMember(ctx, accountID, memberID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !m.Active) {
		return apperr.Validation("team_member_id", "Selected team member is not available.")
	}
	return err
}

func (c *Coordinator) loadReservation(ctx context.Context, id int64, actor model.Actor) (*model.Reservation, error) {
	r, err := c.store.GetReservation(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("reservation")
	}
	if err != nil {
		return nil, err
	}
	if actor.IsClient() && !r.BelongsTo(actor.ClientID, actor.ClientUserID) {
		return nil, apperr.NotFound("reservation")
	}
	return r, nil
}

func (c *Coordinator) record(ctx context.Context, actor model.Actor, r *model.Reservation, action, description string, props map[string]any) {
	if c.activity == nil {
		return
	}
	var actorRef *int64
	if actor.ID != 0 {
		actorRef = model.Int64Ptr(actor.ID)
	}
	if props == nil {
		props = map[string]any{}
	}
	props["status"] = string(r.Status)
	props["actor_kind"] = string(actor.Kind)
	c.activity.Record(ctx, model.ActivityEntry{
		AccountID:   r.AccountID,
		ActorID:     actorRef,
		SubjectType: "reservation",
		SubjectID:   r.ID,
		Action:      action,
		Description: description,
		Properties:  props,
	})
}

func (c *Coordinator) syncQueue(ctx context.Context, r *model.Reservation) {
	if c.queue == nil {
		return
	}
	if err := c.queue.SyncReservation(context.WithoutCancel(ctx), r); err != nil {
		c.logger.Warn().Err(err).Int64("reservation_id", r.ID).Msg("Queue sync after reservation change failed")
	}
}

func sourceFor(actor model.Actor) model.ReservationSource {
	switch actor.Kind {
	case model.ActorClient:
		return model.SourceClient
	case model.ActorKiosk:
		return model.SourceKiosk
	default:
		return model.SourceStaff
	}
}

func isSelfService(src model.ReservationSource) bool {
	return src == model.SourceClient || src == model.SourceKiosk
}

func actorID(actor model.Actor) *int64 {
	if actor.ID == 0 {
		return nil
	}
	return model.Int64Ptr(actor.ID)
}

func partySize(p *int) int {
	if p == nil || *p < 1 {
		return 1
	}
	return *p
}
