package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"reservo/internal/events"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/settings"
)

// preCallFlag marks items whose pre-call notice has already been sent.
const preCallFlag = "pre_call_notified"

// nextAppointmentHorizon bounds the lookahead for a member's next appointment.
const nextAppointmentHorizon = 48 * time.Hour

// Placement is the computed queue state of one active item.
type Placement struct {
	Position            *int   `json:"position"`
	ETAMinutes          *int   `json:"eta_minutes"`
	Callable            bool   `json:"callable"`
	RecommendedMemberID *int64 `json:"recommended_team_member_id,omitempty"`
}

// RefreshMetrics expires overdue calls, recomputes positions and broadcasts them.
// It is a no-op when the queue is disabled.
func (e *Engine) RefreshMetrics(ctx context.Context, accountID int64) (map[int64]Placement, error) {
	s, account, err := e.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.QueueEnabled() {
		return map[int64]Placement{}, nil
	}

	var out map[int64]Placement
	err = e.locked(ctx, account, s, func(tx Tx, ss *session) error {
		out, err = e.refresh(ctx, tx, ss)
		return err
	})
	return out, err
}

// Sweep refreshes every account with live queue items so overdue calls expire without traffic.
// Per-account failures are logged and the sweep continues.
func (e *Engine) Sweep(ctx context.Context) int {
	ids, err := e.store.ListAccountsWithActiveQueue(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Queue sweep failed to list accounts")
		return 0
	}
	swept := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.RefreshMetrics(ctx, id); err != nil {
			e.logger.Warn().Err(err).Int64("account_id", id).Msg("Queue sweep failed")
			continue
		}
		swept++
	}
	return swept
}

// refresh is the lock-free body of RefreshMetrics; callers hold the account lock.
func (e *Engine) refresh(ctx context.Context, tx Tx, ss *session) (map[int64]Placement, error) {
	items, err := tx.ListActiveQueueItems(ctx, ss.account.ID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	items, err = e.expireGrace(ctx, tx, ss, items)
	if err != nil {
		return nil, err
	}

	placements := map[int64]Placement{}
	if len(items) == 0 {
		metrics.SetQueueWaiting(strconv.FormatInt(ss.account.ID, 10), 0)
		ss.emit(events.QueuePositions, events.PositionsPayload{Items: []events.Position{}})
		return placements, nil
	}

	orderItems(items, ss.settings.AppointmentPriority())

	avail, err := e.loadAvailability(ctx, tx, ss)
	if err != nil {
		return nil, err
	}

	lanePos := map[int64]int{}
	laneETA := map[int64]int{}
	for i := range items {
		it := &items[i]
		var p Placement
		p.Callable, p.RecommendedMemberID = avail.callable(it, ss.settings.BufferMinutes)

		var lane int64
		if !ss.settings.GlobalPull() {
			switch {
			case it.TeamMemberID != nil:
				lane = *it.TeamMemberID
			case p.RecommendedMemberID != nil:
				lane = *p.RecommendedMemberID
			}
		}
		if it.Status == model.QueueInService {
			laneETA[lane] += it.Duration()
		}
		if it.Status.IsWaiting() {
			lanePos[lane]++
			pos, eta := lanePos[lane], laneETA[lane]
			p.Position, p.ETAMinutes = &pos, &eta
			if p.Callable {
				laneETA[lane] += it.Duration()
			}
		}
		placements[it.ID] = p
	}

	waiting := 0
	positions := make([]events.Position, 0, len(items))
	for i := range items {
		it := &items[i]
		p := placements[it.ID]
		if it.Status.IsWaiting() {
			waiting++
		}

		changed := !sameInt(it.Position, p.Position) || !sameInt(it.ETAMinutes, p.ETAMinutes)
		it.Position, it.ETAMinutes = p.Position, p.ETAMinutes

		if it.Status == model.QueueCheckedIn && p.Position != nil &&
			*p.Position <= ss.settings.QueuePreCallThreshold && !flagged(it, preCallFlag) {
			if it.Metadata == nil {
				it.Metadata = map[string]any{}
			}
			it.Metadata[preCallFlag] = true
			if err := tx.UpdateQueueItem(ctx, it, ss.now); err != nil {
				return nil, fmt.Errorf("flag pre-call: %w", err)
			}
			ss.emit(events.QueuePreCall, events.QueueItemPayload{Item: *it})
		} else if changed {
			if err := tx.SetQueuePlacement(ctx, it.ID, p.Position, p.ETAMinutes); err != nil {
				return nil, fmt.Errorf("store placement: %w", err)
			}
		}

		positions = append(positions, events.Position{
			ItemID:      it.ID,
			QueueNumber: it.QueueNumber,
			Status:      it.Status,
			Position:    p.Position,
			ETAMinutes:  p.ETAMinutes,
		})
	}

	metrics.SetQueueWaiting(strconv.FormatInt(ss.account.ID, 10), waiting)
	ss.emit(events.QueuePositions, events.PositionsPayload{Items: positions})
	return placements, nil
}

// expireGrace settles called items whose grace period ran out and returns the still-active rest.
func (e *Engine) expireGrace(ctx context.Context, tx Tx, ss *session, items []model.QueueItem) ([]model.QueueItem, error) {
	out := items[:0]
	for i := range items {
		it := items[i]
		if it.Status != model.QueueCalled || it.CallExpiresAt == nil || !it.CallExpiresAt.Before(ss.now) {
			out = append(out, it)
			continue
		}

		at := ss.now
		if ss.settings.QueueNoShowOnGraceExpiry {
			it.Status = model.QueueNoShow
			it.FinishedAt = &at
		} else {
			it.Status = model.QueueSkipped
			it.SkippedAt = &at
		}
		it.CallExpiresAt = nil
		if err := tx.UpdateQueueItem(ctx, &it, ss.now); err != nil {
			return nil, fmt.Errorf("expire grace: %w", err)
		}

		metrics.IncGraceExpired(string(it.Status))
		e.logger.Info().
			Int64("queue_item_id", it.ID).
			Str("outcome", string(it.Status)).
			Msg("Queue call grace expired")
		ss.emit(events.QueueGraceExpired, events.QueueItemPayload{Item: it, Outcome: it.Status})

		if it.Status.IsActive() {
			out = append(out, it)
		}
	}
	return out, nil
}

func statusWeight(s model.QueueStatus) int {
	switch s {
	case model.QueueInService:
		return 1
	case model.QueueCalled:
		return 2
	case model.QueuePreCalled:
		return 3
	case model.QueueCheckedIn:
		return 4
	case model.QueueSkipped:
		return 5
	case model.QueueNotArrived:
		return 6
	default:
		return 99
	}
}

// orderItems sorts by status band, priority, appointment precedence, anchor time and id.
func orderItems(items []model.QueueItem, appointmentsFirst bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		if wa, wb := statusWeight(a.Status), statusWeight(b.Status); wa != wb {
			return wa < wb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if appointmentsFirst && a.Status.IsWaiting() && b.Status.IsWaiting() && a.Type() != b.Type() {
			return a.Type() == model.QueueItemAppointment
		}
		if aa, ab := a.Anchor(), b.Anchor(); !aa.Equal(ab) {
			return aa.Before(ab)
		}
		return a.ID < b.ID
	})
}

// staffAvailability answers who can take the next customer right now.
type staffAvailability struct {
	now             time.Time
	memberIDs       []int64
	tracked         bool
	present         map[int64]bool
	nextAppointment map[int64]time.Time
}

func (e *Engine) loadAvailability(ctx context.Context, tx Tx, ss *session) (*staffAvailability, error) {
	members, err := tx.ListTeamMembers(ctx, ss.account.ID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	a := &staffAvailability{now: ss.now, present: map[int64]bool{}, nextAppointment: map[int64]time.Time{}}
	for _, m := range members {
		if m.Active {
			a.memberIDs = append(a.memberIDs, m.ID)
		}
	}

	if settings.QueueFeaturesEnabled(ss.settings.Preset) {
		presence, err := presenceFrom(ctx, tx, ss.account.ID, a.memberIDs)
		if err != nil {
			return nil, err
		}
		a.tracked = presence.Tracked
		for _, id := range presence.Present {
			a.present[id] = true
		}
	}

	upcoming, err := tx.ListActiveReservations(ctx, ss.account.ID, nil, ss.now, ss.now.Add(nextAppointmentHorizon))
	if err != nil {
		return nil, fmt.Errorf("list upcoming reservations: %w", err)
	}
	for _, r := range upcoming {
		if !r.StartsAt.After(ss.now) {
			continue
		}
		if cur, ok := a.nextAppointment[r.TeamMemberID]; !ok || r.StartsAt.Before(cur) {
			a.nextAppointment[r.TeamMemberID] = r.StartsAt
		}
	}
	return a, nil
}

func (a *staffAvailability) available(memberID int64) bool {
	return !a.tracked || a.present[memberID]
}

// fits reports whether a member can finish duration+buffer minutes before their next appointment.
func (a *staffAvailability) fits(memberID int64, duration, buffer int) bool {
	next, ok := a.nextAppointment[memberID]
	if !ok {
		return true
	}
	return int(next.Sub(a.now)/time.Minute) >= duration+buffer
}

func (a *staffAvailability) callable(it *model.QueueItem, buffer int) (bool, *int64) {
	if !it.IsTicket() {
		if !it.Status.IsWaiting() {
			return false, nil
		}
		if it.TeamMemberID != nil {
			return a.available(*it.TeamMemberID), nil
		}
		return true, nil
	}

	if !it.Status.IsCallable() {
		return false, nil
	}
	if it.TeamMemberID != nil {
		id := *it.TeamMemberID
		return a.available(id) && a.fits(id, it.Duration(), buffer), nil
	}
	for _, id := range a.memberIDs {
		if a.available(id) && a.fits(id, it.Duration(), buffer) {
			return true, model.Int64Ptr(id)
		}
	}
	return false, nil
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func flagged(it *model.QueueItem, key string) bool {
	v, _ := it.Metadata[key].(bool)
	return v
}
