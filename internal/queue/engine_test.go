package queue

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/apperr"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/lock"
	"reservo/internal/model"
	"reservo/internal/settings"
)

type harness struct {
	db      *database.DB
	engine  *Engine
	events  *events.Recorder
	account *model.Account
	member  *model.TeamMember
	now     time.Time
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func newHarness(t *testing.T, preset string) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	acct := &model.Account{Name: "Salon", Timezone: "UTC", BusinessPreset: preset}
	require.NoError(t, db.CreateAccount(ctx, acct))
	member := &model.TeamMember{AccountID: acct.ID, Name: "Ann", Active: true}
	require.NoError(t, db.CreateTeamMember(ctx, member))

	h := &harness{db: db, events: &events.Recorder{}, account: acct, member: member, now: at(9, 0)}
	h.engine = NewEngine(NewStore(db), settings.NewService(db, db, logger), lock.NewKeyedMutex(), h.events, nil, logger).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) ticket(t *testing.T, req TicketRequest) *model.QueueItem {
	t.Helper()
	req.AccountID = h.account.ID
	it, err := h.engine.CreateTicket(context.Background(), req, staff)
	require.NoError(t, err)
	return it
}

func (h *harness) reservation(t *testing.T, hour int) *model.Reservation {
	t.Helper()
	r := &model.Reservation{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, Status: model.ReservationConfirmed,
		Source: model.SourceStaff, StartsAt: at(hour, 0), EndsAt: at(hour+1, 0), DurationMinutes: 60,
	}
	require.NoError(t, h.db.CreateReservation(context.Background(), r))
	return r
}

var (
	staff   = model.Actor{ID: 1, Kind: model.ActorStaff}
	manager = model.Actor{ID: 2, Kind: model.ActorManager}
)

func TestCreateTicket_NumbersAndPositions(t *testing.T) {
	h := newHarness(t, "salon")

	first := h.ticket(t, TicketRequest{GuestName: "Jane"})
	second := h.ticket(t, TicketRequest{GuestName: "Joe", EstimatedDurationMinutes: 2})

	assert.Equal(t, "T-0302-001", first.QueueNumber)
	assert.Equal(t, "T-0302-002", second.QueueNumber)
	assert.Equal(t, model.QueueCheckedIn, first.Status)
	require.NotNil(t, first.CheckedInAt)
	assert.Equal(t, 5, second.EstimatedDurationMinutes, "estimate is clamped")

	ctx := context.Background()
	first, err := h.db.GetQueueItem(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Position)
	assert.Equal(t, 1, *first.Position)
	assert.Equal(t, 0, *first.ETAMinutes)
	require.NotNil(t, second.Position)
	assert.Equal(t, 2, *second.Position)
	assert.Equal(t, 60, *second.ETAMinutes)

	checkIns, err := h.db.ListCheckIns(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, checkIns, 1)

	// The numbering restarts on the next local day.
	h.now = at(9, 0).AddDate(0, 0, 1)
	next := h.ticket(t, TicketRequest{GuestName: "Kim"})
	assert.Equal(t, "T-0303-001", next.QueueNumber)
}

func TestCreateTicket_ArrivedLaterHasNoPosition(t *testing.T) {
	h := newHarness(t, "salon")

	it := h.ticket(t, TicketRequest{GuestName: "Jane", ArrivedLater: true})
	assert.Equal(t, model.QueueNotArrived, it.Status)
	assert.Nil(t, it.Position)
	assert.Nil(t, it.CheckedInAt)
}

func TestCreateTicket_QueueDisabled(t *testing.T) {
	h := newHarness(t, "service_general")

	_, err := h.engine.CreateTicket(context.Background(), TicketRequest{AccountID: h.account.ID}, staff)
	assert.ErrorIs(t, err, apperr.ErrFeatureDisabled)
}

func TestCreateTicket_DuplicateClientReturnsExisting(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()

	first := h.ticket(t, TicketRequest{ClientID: model.Int64Ptr(5)})
	_, err := h.engine.CreateTicket(ctx, TicketRequest{AccountID: h.account.ID, ClientID: model.Int64Ptr(5)}, staff)
	require.ErrorIs(t, err, apperr.ErrDuplicateTicket)

	e, ok := apperr.As(err)
	require.True(t, ok)
	existing, ok := e.Existing.(*model.QueueItem)
	require.True(t, ok)
	assert.Equal(t, first.ID, existing.ID)

	active, err := h.db.ListActiveQueueItems(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateTicket_DuplicateGuestPhone(t *testing.T) {
	h := newHarness(t, "salon")

	first := h.ticket(t, TicketRequest{GuestName: "Jane", GuestPhone: "514-555-0100"})
	assert.Equal(t, "15145550100", first.Ticket.GuestPhoneNormalized)

	_, err := h.engine.CreateTicket(context.Background(), TicketRequest{
		AccountID: h.account.ID, GuestPhone: "15145550100",
	}, staff)
	assert.ErrorIs(t, err, apperr.ErrDuplicateTicket)
}

func TestCreateTicket_InactiveMember(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	require.NoError(t, h.db.SetTeamMemberActive(ctx, h.account.ID, h.member.ID, false))

	_, err := h.engine.CreateTicket(ctx, TicketRequest{AccountID: h.account.ID, TeamMemberID: &h.member.ID}, staff)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTransition_Rules(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	it := h.ticket(t, TicketRequest{GuestName: "Jane"})

	_, err := h.engine.Transition(ctx, it.ID, model.ActionDone, staff, TransitionOptions{})
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)

	_, err = h.engine.Transition(ctx, it.ID, "teleport", staff, TransitionOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	called, err := h.engine.Transition(ctx, it.ID, model.ActionCall, staff, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.QueueCalled, called.Status)
	require.NotNil(t, called.CallExpiresAt)
	assert.Equal(t, at(9, 5), *called.CallExpiresAt)
	assert.Len(t, h.events.Events(events.QueueCalled), 1)

	started, err := h.engine.Transition(ctx, it.ID, model.ActionStart, staff, TransitionOptions{})
	require.NoError(t, err)
	assert.Nil(t, started.CallExpiresAt)
	assert.Nil(t, started.Position)

	done, err := h.engine.Transition(ctx, it.ID, model.ActionDone, staff, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.QueueDone, done.Status)
	require.NotNil(t, done.FinishedAt)

	_, err = h.engine.Transition(ctx, it.ID, model.ActionCancel, staff, TransitionOptions{})
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)
}

func TestTransition_ClientCancelLeaves(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	owner := model.Actor{Kind: model.ActorClient, ClientID: model.Int64Ptr(5)}
	it := h.ticket(t, TicketRequest{ClientID: model.Int64Ptr(5)})

	stranger := model.Actor{Kind: model.ActorClient, ClientID: model.Int64Ptr(6)}
	_, err := h.engine.Transition(ctx, it.ID, model.ActionCancel, stranger, TransitionOptions{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	left, err := h.engine.Transition(ctx, it.ID, model.ActionCancel, owner, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.QueueLeft, left.Status)
	require.NotNil(t, left.LeftAt)
}

func TestRefreshMetrics_GraceExpiry(t *testing.T) {
	tests := []struct {
		name    string
		noShow  bool
		outcome model.QueueStatus
	}{
		{"no show", true, model.QueueNoShow},
		{"skipped", false, model.QueueSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "salon")
			ctx := context.Background()
			require.NoError(t, h.db.UpsertSetting(ctx, &model.ReservationSetting{
				AccountID: h.account.ID, QueueNoShowOnGraceExpiry: model.BoolPtr(tt.noShow),
			}))
			it := h.ticket(t, TicketRequest{GuestName: "Jane"})
			_, err := h.engine.Transition(ctx, it.ID, model.ActionCall, staff, TransitionOptions{})
			require.NoError(t, err)

			h.now = at(9, 4)
			_, err = h.engine.RefreshMetrics(ctx, h.account.ID)
			require.NoError(t, err)
			still, err := h.db.GetQueueItem(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, model.QueueCalled, still.Status)

			h.now = at(9, 10)
			_, err = h.engine.RefreshMetrics(ctx, h.account.ID)
			require.NoError(t, err)

			expired, err := h.db.GetQueueItem(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, expired.Status)
			assert.Nil(t, expired.CallExpiresAt)

			evs := h.events.Events(events.QueueGraceExpired)
			require.Len(t, evs, 1)
			assert.Equal(t, tt.outcome, evs[0].Payload.(events.QueueItemPayload).Outcome)
		})
	}
}

func TestSweep_ExpiresWithoutTraffic(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	it := h.ticket(t, TicketRequest{GuestName: "Jane"})
	_, err := h.engine.Transition(ctx, it.ID, model.ActionCall, staff, TransitionOptions{})
	require.NoError(t, err)

	h.now = at(9, 10)
	assert.Equal(t, 1, h.engine.Sweep(ctx))

	expired, err := h.db.GetQueueItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueNoShow, expired.Status)

	assert.Equal(t, 0, h.engine.Sweep(ctx))
}

func TestRefreshMetrics_PreCallFiresOnce(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()

	h.ticket(t, TicketRequest{GuestName: "A"})
	h.ticket(t, TicketRequest{GuestName: "B"})
	h.ticket(t, TicketRequest{GuestName: "C"})
	assert.Len(t, h.events.Events(events.QueuePreCall), 2, "threshold is two")

	_, err := h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Len(t, h.events.Events(events.QueuePreCall), 2)

	positions := h.events.Events(events.QueuePositions)
	require.NotEmpty(t, positions)
	last := positions[len(positions)-1].Payload.(events.PositionsPayload)
	assert.Len(t, last.Items, 3)
}

func TestRefreshMetrics_AppointmentPriority(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()

	walkIn := h.ticket(t, TicketRequest{GuestName: "Jane"})
	r := h.reservation(t, 12)
	require.NoError(t, h.engine.SyncAppointments(ctx, h.account.ID, at(0, 0), at(23, 0)))
	appt, err := h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)

	h.now = at(9, 5)
	_, err = h.engine.Transition(ctx, appt.ID, model.ActionCheckIn, staff, TransitionOptions{Channel: "kiosk_client"})
	require.NoError(t, err)

	placements, err := h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *placements[appt.ID].Position)
	assert.Equal(t, 2, *placements[walkIn.ID].Position)
	assert.Equal(t, 60, *placements[walkIn.ID].ETAMinutes)
	assert.True(t, placements[walkIn.ID].Callable)
	assert.Equal(t, h.member.ID, model.Int64Value(placements[walkIn.ID].RecommendedMemberID))

	require.NoError(t, h.db.UpsertSetting(ctx, &model.ReservationSetting{
		AccountID: h.account.ID, QueueDispatchMode: model.StringPtr(settings.DispatchFIFO),
	}))
	placements, err = h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *placements[walkIn.ID].Position)
	assert.Equal(t, 2, *placements[appt.ID].Position)
}

func TestRefreshMetrics_TicketWaitsForAppointmentGap(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	h.reservation(t, 10)

	// 60 minutes until the appointment is less than 60 + 10 buffer.
	it := h.ticket(t, TicketRequest{GuestName: "Jane"})
	placements, err := h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.False(t, placements[it.ID].Callable)

	short := h.ticket(t, TicketRequest{GuestName: "Quick", EstimatedDurationMinutes: 30})
	placements, err = h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.True(t, placements[short.ID].Callable)
}

func TestRefreshMetrics_PresenceGatesMembers(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	require.NoError(t, h.db.ClockIn(ctx, h.member.ID, at(8, 0)))
	require.NoError(t, h.db.ClockOut(ctx, h.member.ID, at(8, 30)))

	presence, err := h.engine.PresenceFor(ctx, h.account.ID, []int64{h.member.ID})
	require.NoError(t, err)
	assert.True(t, presence.Tracked)
	assert.Empty(t, presence.Present)

	it := h.ticket(t, TicketRequest{GuestName: "Jane"})
	placements, err := h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.False(t, placements[it.ID].Callable)

	require.NoError(t, h.db.ClockIn(ctx, h.member.ID, at(8, 45)))
	placements, err = h.engine.RefreshMetrics(ctx, h.account.ID)
	require.NoError(t, err)
	assert.True(t, placements[it.ID].Callable)
}

func TestSyncReservation_FollowsBookingStatus(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	r := h.reservation(t, 14)

	require.NoError(t, h.engine.SyncReservation(ctx, r))
	it, err := h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueNotArrived, it.Status)
	assert.Equal(t, model.QueueItemAppointment, it.Type())
	assert.Equal(t, at(14, 0), it.Appointment.ReservationStartsAt)

	r.Status = model.ReservationCancelled
	require.NoError(t, h.db.UpdateReservation(ctx, r))
	require.NoError(t, h.engine.SyncReservation(ctx, r))

	it, err = h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, it.Status)
	require.NotNil(t, it.CancelledAt)
}

func TestSyncAppointments_KeepsClosedItemsClosed(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	r := h.reservation(t, 9)

	require.NoError(t, h.engine.SyncAppointments(ctx, h.account.ID, at(0, 0), at(23, 0)))
	appt, err := h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	for _, action := range []model.QueueAction{model.ActionCheckIn, model.ActionStart, model.ActionDone} {
		_, err = h.engine.Transition(ctx, appt.ID, action, staff, TransitionOptions{})
		require.NoError(t, err, action)
	}

	h.now = at(10, 30)
	require.NoError(t, h.engine.SyncAppointments(ctx, h.account.ID, at(0, 0), at(23, 0)))
	_, err = h.engine.Board(ctx, h.account.ID, Access{CanViewAll: true})
	require.NoError(t, err)

	appt, err = h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueDone, appt.Status)
	require.NotNil(t, appt.FinishedAt)

	r.StartsAt, r.EndsAt, r.Status = at(15, 0), at(16, 0), model.ReservationRescheduled
	require.NoError(t, h.db.UpdateReservation(ctx, r))
	require.NoError(t, h.engine.SyncReservation(ctx, r))

	appt, err = h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueNotArrived, appt.Status, "a moved appointment is waited for again")
	assert.Nil(t, appt.FinishedAt)
}

func TestSyncReservation_OtherDaysOnlyUpdate(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	r := &model.Reservation{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, Status: model.ReservationPending,
		Source: model.SourceClient, StartsAt: at(10, 0).AddDate(0, 0, 3), EndsAt: at(11, 0).AddDate(0, 0, 3),
		DurationMinutes: 60,
	}
	require.NoError(t, h.db.CreateReservation(ctx, r))

	require.NoError(t, h.engine.SyncReservation(ctx, r))
	_, err := h.db.GetQueueItemByReservation(ctx, r.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestBoardAndNextCallable(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()

	first := h.ticket(t, TicketRequest{GuestName: "Jane"})
	h.ticket(t, TicketRequest{GuestName: "Joe"})
	r := h.reservation(t, 15)

	board, err := h.engine.Board(ctx, h.account.ID, Access{CanViewAll: true, CanManage: true})
	require.NoError(t, err)
	require.Len(t, board.Items, 3)
	assert.Equal(t, 2, board.Stats.Waiting)
	assert.Equal(t, 0, board.Stats.InService)

	var origins []string
	for _, it := range board.Items {
		origins = append(origins, it.Origin)
		assert.True(t, it.CanUpdateStatus)
	}
	assert.Contains(t, origins, "booking")
	appt, err := h.db.GetQueueItemByReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueNotArrived, appt.Status)

	next, err := h.engine.NextCallable(ctx, h.account.ID, Access{CanManage: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.Item.ID)
	assert.Equal(t, h.member.ID, model.Int64Value(next.TeamMemberID))

	// A staff member without their own lane cannot pull anything.
	none, err := h.engine.NextCallable(ctx, h.account.ID, Access{}, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = h.engine.Transition(ctx, first.ID, model.ActionStart, manager, TransitionOptions{})
	require.NoError(t, err)
	board, err = h.engine.Board(ctx, h.account.ID, Access{OwnTeamMemberID: model.Int64Ptr(999)})
	require.NoError(t, err)
	assert.Equal(t, 1, board.Stats.InService)
	for _, it := range board.Items {
		assert.True(t, it.IsTicket(), "restricted boards only show own lane and unassigned tickets")
	}
}

func TestClientTickets(t *testing.T) {
	h := newHarness(t, "salon")
	ctx := context.Background()
	it := h.ticket(t, TicketRequest{ClientUserID: model.Int64Ptr(11)})

	tickets, err := h.engine.ClientTickets(ctx, h.account.ID, nil, model.Int64Ptr(11), 0)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, it.ID, tickets[0].ID)
	assert.True(t, tickets[0].CanCancel)
	assert.True(t, tickets[0].CanStillHere)

	none, err := h.engine.ClientTickets(ctx, h.account.ID, nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
