package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/availability"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
)

// conflictLookaround widens the reservation query so buffered neighbours outside the range are seen.
const conflictLookaround = settings.MaxBufferMinutes * time.Minute

// Slot is a bookable start for one team member.
type Slot struct {
	TeamMemberID   int64        `json:"team_member_id"`
	TeamMemberName string       `json:"team_member_name"`
	StartsAt       time.Time    `json:"starts_at"`
	EndsAt         time.Time    `json:"ends_at"`
	Date           string       `json:"date"` // local "2006-01-02"
	Time           string       `json:"time"` // local "15:04"
	Resource       *ResourceRef `json:"resource,omitempty"`
}

type ResourceRef struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Capacity int    `json:"capacity"`
}

// Result is the output of Generate.
type Result struct {
	Timezone string `json:"timezone"`
	Slots    []Slot `json:"slots"`
}

// Request describes the slots to generate.
type Request struct {
	AccountID       int64
	From            time.Time
	To              time.Time
	DurationMinutes int
	ServiceID       *int64
	TeamMemberID    *int64
	PartySize       int
	ResourceType    string
	ResourceIDs     []int64
}

func (r Request) wantsResources() bool {
	return r.PartySize > 0 || r.ResourceType != "" || len(r.ResourceIDs) > 0
}

// Store loads the inputs of slot generation.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	ListTeamMembers(ctx context.Context, accountID int64) ([]model.TeamMember, error)
	ListActiveReservations(ctx context.Context, accountID int64, teamMemberIDs []int64, from, to time.Time) ([]model.Reservation, error)
	ListResources(ctx context.Context, accountID int64) ([]model.Resource, error)
	ListAllocations(ctx context.Context, accountID int64, from, to time.Time) ([]AllocationWindow, error)
}

type AllocationWindow = model.AllocationWindow

// SettingsResolver resolves per-member settings.
type SettingsResolver interface {
	ResolveFor(ctx context.Context, account *model.Account, teamMemberID *int64) (settings.Resolved, error)
	ServiceDuration(ctx context.Context, accountID int64, serviceID *int64) int
}

// ScheduleLoader loads a member's availability.
type ScheduleLoader interface {
	Load(ctx context.Context, accountID, teamMemberID int64, from, to time.Time, loc *time.Location) (*availability.Schedule, error)
}

// Generator generates available slots.
type Generator struct {
	store    Store
	settings SettingsResolver
	schedule ScheduleLoader
	now      func() time.Time
	logger   zerolog.Logger
}

// NewGenerator creates a new slot generator.
func NewGenerator(store Store, settings SettingsResolver, schedule ScheduleLoader, logger zerolog.Logger) *Generator {
	return &Generator{
		store:    store,
		settings: settings,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With().Str("component", "slots").Logger(),
	}
}

// WithClock overrides the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate materializes every slot of the request, sorted by start then member.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	seq, err := g.Sequence(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Timezone: seq.Timezone(), Slots: seq.All()}, nil
}

// Sequence prepares a lazy, restartable slot sequence for the request.
func (g *Generator) Sequence(ctx context.Context, req Request) (*Sequence, error) {
	started := time.Now()
	defer func() { metrics.ObserveSlotGeneration(time.Since(started)) }()

	account, err := g.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	loc := account.Location()
	seq := &Sequence{timezone: loc.String()}

	if !req.To.After(req.From) || req.DurationMinutes < 0 {
		return seq, nil
	}

	members, err := g.store.ListTeamMembers(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	members = filterMembers(members, req.TeamMemberID)
	if len(members) == 0 {
		return seq, nil
	}

	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	reservations, err := g.store.ListActiveReservations(ctx, req.AccountID, ids,
		req.From.Add(-conflictLookaround), req.To.Add(conflictLookaround))
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	byMember := make(map[int64][]model.Reservation)
	for _, r := range reservations {
		byMember[r.TeamMemberID] = append(byMember[r.TeamMemberID], r)
	}

	capacity, err := g.loadCapacity(ctx, req)
	if err != nil {
		return nil, err
	}

	now := g.now()
	serviceDuration := g.settings.ServiceDuration(ctx, req.AccountID, req.ServiceID)
	dates := availability.Dates(req.From, req.To, loc)

	for _, m := range members {
		memberID := m.ID
		set, err := g.settings.ResolveFor(ctx, account, &memberID)
		if err != nil {
			return nil, fmt.Errorf("resolve settings: %w", err)
		}
		duration := set.ResolveDuration(req.DurationMinutes, serviceDuration)
		if duration <= 0 {
			continue
		}

		sched, err := g.schedule.Load(ctx, req.AccountID, m.ID, req.From, req.To, loc)
		if err != nil {
			return nil, fmt.Errorf("load availability: %w", err)
		}

		earliest := now
		if set.MinNoticeMinutes > 0 {
			earliest = now.Add(time.Duration(set.MinNoticeMinutes) * time.Minute)
		}

		seq.streams = append(seq.streams, &memberStream{
			member:       m,
			schedule:     sched,
			dates:        dates,
			loc:          loc,
			rangeStart:   req.From,
			rangeEnd:     req.To,
			duration:     time.Duration(duration) * time.Minute,
			step:         set.SlotIntervalMinutes,
			buffer:       set.BufferMinutes,
			earliest:     earliest,
			latest:       now.AddDate(0, 0, set.MaxAdvanceDays),
			reservations: byMember[m.ID],
			capacity:     capacity,
			partySize:    req.PartySize,
		})
	}

	g.logger.Debug().
		Int64("account_id", req.AccountID).
		Int("members", len(seq.streams)).
		Int("dates", len(dates)).
		Msg("slot sequence prepared")

	return seq, nil
}

func (g *Generator) loadCapacity(ctx context.Context, req Request) (*capacityIndex, error) {
	if !req.wantsResources() {
		return nil, nil
	}
	resources, err := g.store.ListResources(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	if len(resources) == 0 {
		return nil, nil
	}
	allocations, err := g.store.ListAllocations(ctx, req.AccountID, req.From.Add(-conflictLookaround), req.To.Add(conflictLookaround))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return newCapacityIndex(resources, allocations, req.ResourceType, req.ResourceIDs), nil
}

func filterMembers(members []model.TeamMember, only *int64) []model.TeamMember {
	out := make([]model.TeamMember, 0, len(members))
	for _, m := range members {
		if !m.Active {
			continue
		}
		if only != nil && m.ID != *only {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conflicts reports whether [start, end) collides with any reservation, each padded by
// max(buffer, reservation buffer). ignoreID excludes one reservation (reschedule).
func Conflicts(start, end time.Time, buffer int, reservations []model.Reservation, ignoreID int64) bool {
	for i := range reservations {
		r := &reservations[i]
		if r.ID == ignoreID && ignoreID != 0 {
			continue
		}
		if !r.Status.IsActive() {
			continue
		}
		b := buffer
		if r.BufferMinutes > b {
			b = r.BufferMinutes
		}
		blockedStart, blockedEnd := r.BlockedWindow(settings.ClampBuffer(b))
		if start.Before(blockedEnd) && end.After(blockedStart) {
			return true
		}
	}
	return false
}

// AlignUp rounds a local instant up to the next multiple of step minutes since local midnight.
func AlignUp(t time.Time, step int) time.Time {
	if step <= 0 {
		return t
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	elapsed := t.Sub(midnight)
	stepDur := time.Duration(step) * time.Minute
	rem := elapsed % stepDur
	if rem == 0 {
		return t
	}
	return t.Add(stepDur - rem)
}

// GroupedSlot is a start time offered by one or more members.
type GroupedSlot struct {
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	TeamMemberIDs []int64   `json:"team_member_ids"`
}

// GroupByStart merges slots that share a start instant for "any staff" listings.
// Input must be sorted by start.
func GroupByStart(slots []Slot) []GroupedSlot {
	var out []GroupedSlot
	for _, s := range slots {
		if n := len(out); n > 0 && out[n-1].StartsAt.Equal(s.StartsAt) {
			out[n-1].TeamMemberIDs = append(out[n-1].TeamMemberIDs, s.TeamMemberID)
			if s.EndsAt.After(out[n-1].EndsAt) {
				out[n-1].EndsAt = s.EndsAt
			}
			continue
		}
		out = append(out, GroupedSlot{
			StartsAt:      s.StartsAt,
			EndsAt:        s.EndsAt,
			Date:          s.Date,
			Time:          s.Time,
			TeamMemberIDs: []int64{s.TeamMemberID},
		})
	}
	return out
}
