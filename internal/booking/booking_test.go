package booking

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/apperr"
	"reservo/internal/availability"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/lock"
	"reservo/internal/model"
	"reservo/internal/settings"
)

type activityLog struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
}

func (a *activityLog) Record(_ context.Context, e model.ActivityEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *activityLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	db       *database.DB
	coord    *Coordinator
	events   *events.Recorder
	activity *activityLog
	account  *model.Account
	member   *model.TeamMember
	now      time.Time
}

// Monday 2026-03-02, 08:00 UTC; weekdays open 09:00-17:00.
func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func newHarness(t *testing.T, preset string) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "booking.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	acct := &model.Account{Name: "Studio", Timezone: "UTC", BusinessPreset: preset}
	require.NoError(t, db.CreateAccount(ctx, acct))
	member := &model.TeamMember{AccountID: acct.ID, Name: "Ann", Active: true}
	require.NoError(t, db.CreateTeamMember(ctx, member))
	for d := 1; d <= 5; d++ {
		require.NoError(t, db.AddWeekly(ctx, &model.WeeklyAvailability{
			AccountID: acct.ID, DayOfWeek: d, StartTime: "09:00", EndTime: "17:00", IsActive: true,
		}))
	}

	h := &harness{
		db:       db,
		events:   &events.Recorder{},
		activity: &activityLog{},
		account:  acct,
		member:   member,
		now:      at(8, 0),
	}
	h.coord = NewCoordinator(
		NewStore(db),
		settings.NewService(db, db, logger),
		availability.NewResolver(db, logger),
		lock.NewKeyedMutex(),
		h.events,
		h.activity,
		logger,
	).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) book(t *testing.T, hour, minute int) *model.Reservation {
	t.Helper()
	r, err := h.coord.Book(context.Background(), BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(hour, minute),
	}, staff)
	require.NoError(t, err)
	return r
}

var (
	staff  = model.Actor{ID: 1, Kind: model.ActorStaff}
	client = model.Actor{Kind: model.ActorClient, ClientID: model.Int64Ptr(7)}
)

func TestBook_CreatesPendingReservation(t *testing.T) {
	h := newHarness(t, "service_general")

	r := h.book(t, 10, 0)

	assert.Equal(t, model.ReservationPending, r.Status)
	assert.Equal(t, model.SourceStaff, r.Source)
	assert.Equal(t, at(11, 0), r.EndsAt)
	assert.Equal(t, 60, r.DurationMinutes)
	assert.Equal(t, int64(1), r.Version)
	assert.Len(t, h.events.Events(events.ReservationCreated), 1)
	assert.Equal(t, []string{"created"}, h.activity.actions())

	stored, err := h.db.GetReservation(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.StartsAt, stored.StartsAt)
}

func TestBook_Validation(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()

	inactive := &model.TeamMember{AccountID: h.account.ID, Name: "Bob", Active: false}
	require.NoError(t, h.db.CreateTeamMember(ctx, inactive))

	tests := []struct {
		name  string
		req   BookRequest
		kind  apperr.Kind
		field string
	}{
		{"past", BookRequest{TeamMemberID: h.member.ID, StartsAt: at(7, 0)}, apperr.KindValidation, "starts_at"},
		{"outside hours", BookRequest{TeamMemberID: h.member.ID, StartsAt: at(16, 30)}, apperr.KindValidation, "starts_at"},
		{"weekend", BookRequest{TeamMemberID: h.member.ID, StartsAt: at(10, 0).AddDate(0, 0, 5)}, apperr.KindValidation, "starts_at"},
		{"inactive member", BookRequest{TeamMemberID: inactive.ID, StartsAt: at(10, 0)}, apperr.KindValidation, "team_member_id"},
		{"unknown member", BookRequest{TeamMemberID: 999, StartsAt: at(10, 0)}, apperr.KindValidation, "team_member_id"},
		{"negative duration", BookRequest{TeamMemberID: h.member.ID, StartsAt: at(10, 0), DurationMinutes: -5}, apperr.KindValidation, "duration_minutes"},
		{"terminal status", BookRequest{TeamMemberID: h.member.ID, StartsAt: at(10, 0), Status: model.ReservationCompleted}, apperr.KindValidation, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.AccountID = h.account.ID
			_, err := h.coord.Book(ctx, tt.req, staff)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestBook_SuspendedAccount(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	acct := &model.Account{Name: "Closed", Timezone: "UTC", Suspended: true}
	require.NoError(t, h.db.CreateAccount(ctx, acct))

	_, err := h.coord.Book(ctx, BookRequest{AccountID: acct.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0)}, staff)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)
}

func TestBook_OverlapAndAdjacency(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	h.book(t, 10, 0)

	_, err := h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 30)}, staff)
	assert.ErrorIs(t, err, apperr.ErrSlotUnavailable)

	// Back-to-back is fine without a buffer.
	h.book(t, 11, 0)
	h.book(t, 9, 0)
}

func TestBook_BufferUsesLargerSide(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()

	_, err := h.coord.Book(ctx, BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0), BufferMinutes: model.IntPtr(15),
	}, staff)
	require.NoError(t, err)

	_, err = h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(11, 10), DurationMinutes: 30}, staff)
	assert.ErrorIs(t, err, apperr.ErrSlotUnavailable)

	_, err = h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(11, 15), DurationMinutes: 30}, staff)
	assert.NoError(t, err)
}

func TestBook_ConcurrentRequestsYieldOneReservation(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(13, 0)}, staff)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrSlotUnavailable)
	}
	assert.Equal(t, 1, succeeded)

	active, err := h.db.ListActiveReservations(ctx, h.account.ID, []int64{h.member.ID}, at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestBook_ClientSourceForcesPending(t *testing.T) {
	h := newHarness(t, "service_general")

	r, err := h.coord.Book(context.Background(), BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0), Status: model.ReservationConfirmed,
	}, client)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, r.Status)
	assert.Equal(t, model.SourceClient, r.Source)
	assert.Equal(t, int64(7), model.Int64Value(r.ClientID))
}

func TestBook_ClientCannotClaimStaffSource(t *testing.T) {
	h := newHarness(t, "salon")
	h.now = at(8, 30)

	_, err := h.coord.Book(context.Background(), BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(9, 0), Source: model.SourceStaff,
	}, client)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	r, err := h.coord.Book(context.Background(), BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0), Source: model.SourceStaff,
	}, client)
	require.NoError(t, err)
	assert.Equal(t, model.SourceClient, r.Source)
}

type syncRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (s *syncRecorder) SyncReservation(_ context.Context, r *model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, r.ID)
	return nil
}

func TestBook_SyncsQueue(t *testing.T) {
	h := newHarness(t, "salon")
	synced := &syncRecorder{}
	h.coord.SetQueue(synced)

	r := h.book(t, 10, 0)

	assert.Equal(t, []int64{r.ID}, synced.ids)
}

func TestBook_AllocatesResource(t *testing.T) {
	h := newHarness(t, "restaurant")
	ctx := context.Background()
	table := &model.Resource{AccountID: h.account.ID, Name: "T1", Type: "table", Capacity: 4, Active: true}
	require.NoError(t, h.db.CreateResource(ctx, table))

	_, err := h.coord.Book(ctx, BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(12, 0), PartySize: model.IntPtr(3),
		Source: model.SourceStaff,
	}, staff)
	require.NoError(t, err)

	allocations, err := h.db.ListAllocations(ctx, h.account.ID, at(12, 0), at(13, 0))
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, table.ID, allocations[0].ResourceID)
	assert.Equal(t, 3, allocations[0].Quantity)

	_, err = h.coord.Book(ctx, BookRequest{
		AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(15, 0), PartySize: model.IntPtr(6),
	}, staff)
	assert.ErrorIs(t, err, apperr.ErrSlotUnavailable)
}

func TestReschedule_MovesInPlace(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	r := h.book(t, 10, 0)
	r, err := h.coord.UpdateStatus(ctx, r.ID, model.ReservationConfirmed, "", staff)
	require.NoError(t, err)

	moved, err := h.coord.Reschedule(ctx, r.ID, RescheduleRequest{StartsAt: at(14, 0), ExpectedVersion: &r.Version}, staff)
	require.NoError(t, err)
	assert.Equal(t, r.ID, moved.ID)
	assert.Equal(t, model.ReservationRescheduled, moved.Status)
	assert.Equal(t, at(15, 0), moved.EndsAt)
	assert.Equal(t, r.Version+1, moved.Version)
	assert.Len(t, h.events.Events(events.ReservationRescheduled), 1)

	// The old window is free again.
	h.book(t, 10, 0)

	_, err = h.coord.Reschedule(ctx, r.ID, RescheduleRequest{StartsAt: at(16, 0), ExpectedVersion: &r.Version}, staff)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.coord.Reschedule(ctx, r.ID, RescheduleRequest{StartsAt: at(10, 30)}, staff)
	assert.ErrorIs(t, err, apperr.ErrSlotUnavailable)
}

func TestReschedule_PendingStaysPending(t *testing.T) {
	h := newHarness(t, "service_general")
	r := h.book(t, 10, 0)

	moved, err := h.coord.Reschedule(context.Background(), r.ID, RescheduleRequest{StartsAt: at(12, 0)}, staff)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, moved.Status)
}

func TestReschedule_ChangesMember(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	other := &model.TeamMember{AccountID: h.account.ID, Name: "Cleo", Active: true}
	require.NoError(t, h.db.CreateTeamMember(ctx, other))
	r := h.book(t, 10, 0)

	moved, err := h.coord.Reschedule(ctx, r.ID, RescheduleRequest{StartsAt: at(10, 0), TeamMemberID: &other.ID}, staff)
	require.NoError(t, err)
	assert.Equal(t, other.ID, moved.TeamMemberID)
}

func TestCancel_ClientCutoff(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()

	near, err := h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0)}, client)
	require.NoError(t, err)
	_, err = h.coord.Cancel(ctx, near.ID, CancelRequest{Reason: "sick"}, client)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)

	later, err := h.coord.Book(ctx, BookRequest{AccountID: h.account.ID, TeamMemberID: h.member.ID, StartsAt: at(10, 0).AddDate(0, 0, 1)}, client)
	require.NoError(t, err)
	cancelled, err := h.coord.Cancel(ctx, later.ID, CancelRequest{Reason: "sick"}, client)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, cancelled.Status)
	assert.Equal(t, "sick", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	stranger := model.Actor{Kind: model.ActorClient, ClientID: model.Int64Ptr(99)}
	_, err = h.coord.Cancel(ctx, near.ID, CancelRequest{}, stranger)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancel_ReleasesWaitlist(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	require.NoError(t, h.db.UpsertSetting(ctx, &model.ReservationSetting{
		AccountID: h.account.ID, WaitlistEnabled: model.BoolPtr(true),
	}))

	r := h.book(t, 10, 0)
	entry, err := h.coord.AddToWaitlist(ctx, WaitlistRequest{
		AccountID: h.account.ID, TeamMemberID: &h.member.ID, ClientID: model.Int64Ptr(3),
		RequestedStartAt: at(9, 30), RequestedEndAt: at(12, 0), DurationMinutes: 60,
	}, staff)
	require.NoError(t, err)
	tooLong, err := h.coord.AddToWaitlist(ctx, WaitlistRequest{
		AccountID: h.account.ID, RequestedStartAt: at(10, 0), RequestedEndAt: at(13, 0), DurationMinutes: 180,
	}, staff)
	require.NoError(t, err)

	_, err = h.coord.Cancel(ctx, r.ID, CancelRequest{}, staff)
	require.NoError(t, err)

	released, err := h.db.GetWaitlistEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WaitlistReleased, released.Status)
	waiting, err := h.db.GetWaitlistEntry(ctx, tooLong.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WaitlistPending, waiting.Status)

	evs := h.events.Events(events.WaitlistReleased)
	require.Len(t, evs, 1)
	assert.Equal(t, entry.ID, evs[0].Payload.(events.WaitlistPayload).Entry.ID)
}

func TestWaitlist_DisabledAndCancel(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()

	_, err := h.coord.AddToWaitlist(ctx, WaitlistRequest{
		AccountID: h.account.ID, RequestedStartAt: at(10, 0), RequestedEndAt: at(12, 0),
	}, client)
	assert.ErrorIs(t, err, apperr.ErrFeatureDisabled)

	require.NoError(t, h.db.UpsertSetting(ctx, &model.ReservationSetting{
		AccountID: h.account.ID, WaitlistEnabled: model.BoolPtr(true),
	}))
	w, err := h.coord.AddToWaitlist(ctx, WaitlistRequest{
		AccountID: h.account.ID, RequestedStartAt: at(10, 0), RequestedEndAt: at(12, 0),
	}, client)
	require.NoError(t, err)
	assert.Equal(t, int64(7), model.Int64Value(w.ClientID))

	require.NoError(t, h.coord.CancelWaitlist(ctx, w.ID, client))
	assert.ErrorIs(t, h.coord.CancelWaitlist(ctx, w.ID, client), apperr.ErrPolicyViolation)
}

func TestUpdateStatus_TimeRules(t *testing.T) {
	h := newHarness(t, "service_general")
	ctx := context.Background()
	r := h.book(t, 10, 0)

	_, err := h.coord.UpdateStatus(ctx, r.ID, model.ReservationCompleted, "", staff)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation, "pending cannot complete")

	_, err = h.coord.UpdateStatus(ctx, r.ID, model.ReservationConfirmed, "", staff)
	require.NoError(t, err)

	_, err = h.coord.UpdateStatus(ctx, r.ID, model.ReservationNoShow, "", staff)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation, "not started yet")

	h.now = at(10, 30)
	_, err = h.coord.UpdateStatus(ctx, r.ID, model.ReservationCompleted, "", staff)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation, "not ended yet")

	h.now = at(11, 5)
	done, err := h.coord.UpdateStatus(ctx, r.ID, model.ReservationCompleted, "", staff)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCompleted, done.Status)

	_, err = h.coord.UpdateStatus(ctx, r.ID, model.ReservationConfirmed, "", staff)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation, "terminal")

	_, err = h.coord.UpdateStatus(ctx, r.ID, model.ReservationConfirmed, "", client)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)
}

func TestCanClientModify(t *testing.T) {
	s := settings.Resolved{CancellationCutoffHours: 12}
	start := at(20, 0)
	tests := []struct {
		name   string
		status model.ReservationStatus
		now    time.Time
		want   bool
	}{
		{"before cutoff", model.ReservationConfirmed, at(7, 59), true},
		{"at cutoff", model.ReservationConfirmed, at(8, 0), false},
		{"inside cutoff", model.ReservationPending, at(12, 0), false},
		{"cancelled", model.ReservationCancelled, at(1, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &model.Reservation{Status: tt.status, StartsAt: start}
			assert.Equal(t, tt.want, CanClientModify(r, s, tt.now))
		})
	}
}
