package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"reservo/internal/model"
	"reservo/internal/settings"
)

const (
	boardLimit        = 80
	boardDoneLookback = 2 * time.Hour
	trackLookback     = 48 * time.Hour
)

// Access describes what a staff member may see and do on the board.
type Access struct {
	CanViewAll      bool
	CanManage       bool
	OwnTeamMemberID *int64
}

func (a Access) own() int64 { return model.Int64Value(a.OwnTeamMemberID) }

// canSee reports whether an item belongs on a restricted board: own lane or unassigned tickets.
func (a Access) canSee(it *model.QueueItem) bool {
	if a.CanViewAll || a.own() == 0 {
		return true
	}
	return model.Int64Value(it.TeamMemberID) == a.own() || (it.TeamMemberID == nil && it.IsTicket())
}

func (a Access) canUpdate(it *model.QueueItem) bool {
	if a.CanManage {
		return true
	}
	own := a.own()
	return own > 0 && (model.Int64Value(it.TeamMemberID) == own || (it.TeamMemberID == nil && it.IsTicket()))
}

type BoardItem struct {
	model.QueueItem
	Origin                  string `json:"origin"`
	Callable                bool   `json:"callable"`
	RecommendedTeamMemberID *int64 `json:"recommended_team_member_id,omitempty"`
	CanUpdateStatus         bool   `json:"can_update_status"`
}

type BoardStats struct {
	Waiting   int `json:"waiting"`
	Called    int `json:"called"`
	InService int `json:"in_service"`
}

type Board struct {
	Items []BoardItem `json:"items"`
	Stats BoardStats  `json:"stats"`
}

// dayWindow returns the account's local day containing now through the end of tomorrow.
func dayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 2).UTC()
}

// Board syncs today's appointments and returns the staff view of the queue.
func (e *Engine) Board(ctx context.Context, accountID int64, access Access) (*Board, error) {
	s, account, err := e.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	board := &Board{Items: []BoardItem{}}
	if !s.QueueEnabled() {
		return board, nil
	}

	now := e.now().UTC()
	from, to := dayWindow(now, account.Location())
	if err := e.SyncAppointments(ctx, accountID, from, to); err != nil {
		return nil, err
	}
	placements, err := e.RefreshMetrics(ctx, accountID)
	if err != nil {
		return nil, err
	}

	active, err := e.store.ListActiveQueueItems(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	done, err := e.store.ListQueueItemsFinishedSince(ctx, accountID, now.Add(-boardDoneLookback))
	if err != nil {
		return nil, fmt.Errorf("list finished: %w", err)
	}

	var items []model.QueueItem
	for _, it := range append(active, done...) {
		if access.canSee(&it) {
			items = append(items, it)
		}
	}
	sortBoard(items, s.GlobalPull())
	if len(items) > boardLimit {
		items = items[:boardLimit]
	}

	for i := range items {
		it := items[i]
		p := placements[it.ID]
		origin := "walk_in"
		if !it.IsTicket() {
			origin = "booking"
		}
		board.Items = append(board.Items, BoardItem{
			QueueItem:               it,
			Origin:                  origin,
			Callable:                p.Callable,
			RecommendedTeamMemberID: p.RecommendedMemberID,
			CanUpdateStatus:         access.canUpdate(&it),
		})
		switch {
		case it.Status == model.QueueCalled:
			board.Stats.Called++
			board.Stats.Waiting++
		case it.Status == model.QueueInService:
			board.Stats.InService++
		case it.Status.IsWaiting():
			board.Stats.Waiting++
		}
	}
	return board, nil
}

// sortBoard orders by lane (per_staff), then position with unplaced items last, then creation.
func sortBoard(items []model.QueueItem, globalPull bool) {
	const unassigned = int64(1<<31 - 1)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		if !globalPull {
			la, lb := unassigned, unassigned
			if a.TeamMemberID != nil {
				la = *a.TeamMemberID
			}
			if b.TeamMemberID != nil {
				lb = *b.TeamMemberID
			}
			if la != lb {
				return la < lb
			}
		}
		if (a.Position == nil) != (b.Position == nil) {
			return a.Position != nil
		}
		if a.Position != nil && *a.Position != *b.Position {
			return *a.Position < *b.Position
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// NextCall is the item a staff member should call next and the member it resolves to.
type NextCall struct {
	Item         model.QueueItem `json:"item"`
	TeamMemberID *int64          `json:"team_member_id"`
}

// NextCallable picks the best callable item for the requesting staff member. It returns nil when
// nothing can be called.
func (e *Engine) NextCallable(ctx context.Context, accountID int64, access Access, requestedMemberID *int64) (*NextCall, error) {
	s, _, err := e.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.QueueEnabled() {
		return nil, nil
	}

	own := access.own()
	target := model.Int64Value(requestedMemberID)
	if target == 0 && !access.CanManage && own > 0 {
		target = own
	}

	placements, err := e.RefreshMetrics(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ListActiveQueueItems(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	effective := target
	if effective == 0 {
		effective = own
	}
	var candidates []model.QueueItem
	for _, it := range active {
		p := placements[it.ID]
		if !it.Status.IsCallable() || !p.Callable {
			continue
		}
		if eligible(&it, p, s, access, effective) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := placements[candidates[i].ID], placements[candidates[j].ID]
		if a, b := intOr(pi.Position, 999999), intOr(pj.Position, 999999); a != b {
			return a < b
		}
		if a, b := intOr(pi.ETAMinutes, 999999), intOr(pj.ETAMinutes, 999999); a != b {
			return a < b
		}
		return candidates[i].ID < candidates[j].ID
	})

	selected := candidates[0]
	member := selected.TeamMemberID
	if member == nil {
		switch {
		case target > 0:
			member = model.Int64Ptr(target)
		case own > 0:
			member = model.Int64Ptr(own)
		default:
			member = placements[selected.ID].RecommendedMemberID
		}
	}
	return &NextCall{Item: selected, TeamMemberID: member}, nil
}

func eligible(it *model.QueueItem, p Placement, s settings.Resolved, access Access, target int64) bool {
	assigned := model.Int64Value(it.TeamMemberID)
	unassignedTicket := assigned == 0 && it.IsTicket()

	if !access.CanManage {
		own := access.own()
		return own > 0 && (assigned == own || unassignedTicket)
	}
	if s.GlobalPull() {
		return target == 0 || assigned == 0 || assigned == target
	}
	if target == 0 {
		return true
	}
	return assigned == target || (assigned == 0 && model.Int64Value(p.RecommendedMemberID) == target)
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ClientTicket is a ticket as its owner sees it.
type ClientTicket struct {
	model.QueueItem
	CanCancel    bool `json:"can_cancel"`
	CanStillHere bool `json:"can_still_here"`
}

// ClientTickets lists the client's tickets that are active or changed in the last two days.
func (e *Engine) ClientTickets(ctx context.Context, accountID int64, clientID, clientUserID *int64, limit int) ([]ClientTicket, error) {
	s, _, err := e.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.QueueEnabled() || (clientID == nil && clientUserID == nil) {
		return []ClientTicket{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if _, err := e.RefreshMetrics(ctx, accountID); err != nil {
		return nil, err
	}

	tickets, err := e.store.ListClientTickets(ctx, accountID, clientID, clientUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list client tickets: %w", err)
	}
	since := e.now().UTC().Add(-trackLookback)
	out := []ClientTicket{}
	for _, t := range tickets {
		if !t.Status.IsActive() && t.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, ClientTicket{
			QueueItem:    t,
			CanCancel:    t.Status.IsActive(),
			CanStillHere: t.Status.IsWaiting(),
		})
	}
	return out, nil
}

// Presence reports whether attendance is tracked and which members are clocked in.
type Presence struct {
	Tracked bool    `json:"tracked"`
	Present []int64 `json:"present_member_ids"`
}

func (e *Engine) PresenceFor(ctx context.Context, accountID int64, memberIDs []int64) (Presence, error) {
	return presenceFrom(ctx, e.store, accountID, memberIDs)
}

type attendanceLister interface {
	ListAttendanceSince(ctx context.Context, accountID int64, since time.Time) ([]model.Attendance, error)
}

func presenceFrom(ctx context.Context, store attendanceLister, accountID int64, memberIDs []int64) (Presence, error) {
	p := Presence{Present: []int64{}}
	if len(memberIDs) == 0 {
		return p, nil
	}
	wanted := make(map[int64]bool, len(memberIDs))
	for _, id := range memberIDs {
		if id > 0 {
			wanted[id] = true
		}
	}

	rows, err := store.ListAttendanceSince(ctx, accountID, time.Time{})
	if err != nil {
		return p, fmt.Errorf("list attendance: %w", err)
	}
	seen := map[int64]bool{}
	for _, a := range rows {
		if !wanted[a.TeamMemberID] {
			continue
		}
		p.Tracked = true
		if a.ClockOutAt == nil && !seen[a.TeamMemberID] {
			seen[a.TeamMemberID] = true
			p.Present = append(p.Present, a.TeamMemberID)
		}
	}
	sort.Slice(p.Present, func(i, j int) bool { return p.Present[i] < p.Present[j] })
	return p, nil
}
