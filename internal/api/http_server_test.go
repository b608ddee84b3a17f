package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"reservo/internal/apperr"
	"reservo/internal/audit"
	"reservo/internal/availability"
	"reservo/internal/booking"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/identity"
	"reservo/internal/kiosk"
	"reservo/internal/lock"
	"reservo/internal/model"
	"reservo/internal/queue"
	"reservo/internal/settings"
	"reservo/internal/slots"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
	Kind  string `json:"kind"`
}

type testServer struct {
	*httptest.Server
	db      *database.DB
	account *model.Account
	member  *model.TeamMember
}

var (
	managerHeaders = map[string]string{headerActorRole: "manager", headerActorID: "2"}
	staffHeaders   = map[string]string{headerActorRole: "staff", headerActorID: "1"}
	clientHeaders  = map[string]string{headerActorRole: "client", headerClientID: "7"}
)

// Monday 2026-03-02 08:00 UTC.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	clock := func() time.Time { return testNow }

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	acct := &model.Account{Name: "Salon", Timezone: "UTC", BusinessPreset: "salon"}
	require.NoError(t, db.CreateAccount(ctx, acct))
	member := &model.TeamMember{AccountID: acct.ID, Name: "Ann", Active: true}
	require.NoError(t, db.CreateTeamMember(ctx, member))
	for d := 1; d <= 5; d++ {
		require.NoError(t, db.AddWeekly(ctx, &model.WeeklyAvailability{
			AccountID: acct.ID, DayOfWeek: d, StartTime: "09:00", EndTime: "17:00", IsActive: true,
		}))
	}

	resolver := settings.NewService(db, db, logger)
	avail := availability.NewResolver(db, logger)
	activity := audit.NewRecorder(db, logger)
	bus := events.NewBus(logger)

	engine := queue.NewEngine(queue.NewStore(db), resolver, lock.NewKeyedMutex(), bus, activity, logger).WithClock(clock)
	coord := booking.NewCoordinator(booking.NewStore(db), resolver, avail, lock.NewKeyedMutex(), bus, activity, logger).
		WithClock(clock)
	coord.SetQueue(engine)
	verifier := identity.NewVerifier(identity.NewMemoryStore(), lock.NewKeyedMutex(), identity.NewLogSender(logger),
		identity.Options{HashCost: bcrypt.MinCost}, logger).WithClock(clock)

	server := NewHTTPServer(":0", Deps{
		Settings: resolver,
		Slots:    slots.NewGenerator(db, resolver, avail, logger).WithClock(clock),
		Bookings: coord,
		Queue:    engine,
		Kiosk:    kiosk.NewService(db, resolver, verifier, engine, activity, logger).WithClock(clock),
		Exporter: audit.NewExporter(db),
	}, logger)

	ts := &testServer{Server: httptest.NewServer(server.Handler()), db: db, account: acct, member: member}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) accountPath(suffix string) string {
	return "/api/accounts/" + strconv.FormatInt(ts.account.ID, 10) + suffix
}

func (ts *testServer) kioskPath(suffix string) string {
	return "/api/kiosk/" + strconv.FormatInt(ts.account.ID, 10) + suffix
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e), string(data))
	return e
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindValidation, http.StatusUnprocessableEntity},
		{apperr.KindInvalidVerificationCode, http.StatusUnprocessableEntity},
		{apperr.KindSlotUnavailable, http.StatusConflict},
		{apperr.KindDuplicateTicket, http.StatusConflict},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindPolicyViolation, http.StatusForbidden},
		{apperr.KindFeatureDisabled, http.StatusForbidden},
		{apperr.KindVerificationRequired, http.StatusPreconditionRequired},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindDownstreamUnavailable, http.StatusServiceUnavailable},
		{apperr.Kind("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestActorHeaders(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"missing role", nil, http.StatusUnauthorized},
		{"unknown role", map[string]string{headerActorRole: "root"}, http.StatusUnauthorized},
		{"malformed id", map[string]string{headerActorRole: "staff", headerActorID: "abc"}, http.StatusUnauthorized},
		{"client on staff board", clientHeaders, http.StatusForbidden},
		{"staff", staffHeaders, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := srv.do(t, http.MethodGet, srv.accountPath("/queue"), tt.headers, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestRequestID(t *testing.T) {
	srv := setupTestServer(t)

	resp, _ := srv.do(t, http.MethodGet, srv.kioskPath(""), nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = srv.do(t, http.MethodGet, srv.kioskPath(""), map[string]string{"X-Request-ID": "abc-123"}, nil)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestHandleSettings(t *testing.T) {
	srv := setupTestServer(t)

	resp, data := srv.do(t, http.MethodGet, srv.accountPath("/settings"), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var out SettingsResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "UTC", out.Timezone)
	assert.Equal(t, "salon", out.Settings.Preset)
	assert.Equal(t, 15, out.Settings.SlotIntervalMinutes)

	resp, _ = srv.do(t, http.MethodGet, "/api/accounts/999/settings", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/accounts/abc/settings", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func slotsQuery(values map[string]string) string {
	q := url.Values{}
	for k, v := range values {
		q.Set(k, v)
	}
	return "?" + q.Encode()
}

func TestHandleSlots_Validation(t *testing.T) {
	srv := setupTestServer(t)
	from := at(9, 0).Format(time.RFC3339)

	tests := []struct {
		name      string
		query     map[string]string
		wantField string
	}{
		{"missing range", map[string]string{}, "from"},
		{"bad from", map[string]string{"from": "2026-03-02", "to": from}, "from"},
		{"too long", map[string]string{"from": from, "to": at(9, 0).AddDate(0, 0, 91).Format(time.RFC3339)}, "to"},
		{"negative duration", map[string]string{"from": from, "to": at(12, 0).Format(time.RFC3339), "duration_minutes": "-5"}, "duration_minutes"},
		{"bad limit", map[string]string{"from": from, "to": at(12, 0).Format(time.RFC3339), "limit": "x"}, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := srv.do(t, http.MethodGet, srv.accountPath("/slots")+slotsQuery(tt.query), nil, nil)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Equal(t, tt.wantField, decodeError(t, data).Field)
		})
	}
}

func TestHandleSlots_Pages(t *testing.T) {
	srv := setupTestServer(t)
	base := map[string]string{
		"from":  at(9, 0).Format(time.RFC3339),
		"to":    at(12, 0).Format(time.RFC3339),
		"limit": "3",
	}

	resp, data := srv.do(t, http.MethodGet, srv.accountPath("/slots")+slotsQuery(base), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var page SlotsResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Slots, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "UTC", page.Timezone)
	assert.True(t, page.Slots[0].StartsAt.Equal(at(9, 0)))
	assert.True(t, page.Slots[2].StartsAt.Equal(at(9, 30)))

	base["offset"] = "3"
	resp, data = srv.do(t, http.MethodGet, srv.accountPath("/slots")+slotsQuery(base), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &page))
	require.NotEmpty(t, page.Slots)
	assert.True(t, page.Slots[0].StartsAt.Equal(at(9, 45)))

	base["any_staff"] = "1"
	resp, data = srv.do(t, http.MethodGet, srv.accountPath("/slots")+slotsQuery(base), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grouped SlotsResponse
	require.NoError(t, json.Unmarshal(data, &grouped))
	assert.Empty(t, grouped.Slots)
	require.Len(t, grouped.Grouped, 3)
	assert.Equal(t, []int64{srv.member.ID}, grouped.Grouped[0].TeamMemberIDs)
}

func TestReservationLifecycle(t *testing.T) {
	srv := setupTestServer(t)
	book := map[string]any{"team_member_id": srv.member.ID, "starts_at": at(10, 0)}

	resp, data := srv.do(t, http.MethodPost, srv.accountPath("/reservations"), staffHeaders, book)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var res model.Reservation
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, model.ReservationPending, res.Status)
	assert.True(t, res.EndsAt.Equal(at(11, 0)))

	resp, data = srv.do(t, http.MethodPost, srv.accountPath("/reservations"), staffHeaders, book)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(apperr.KindSlotUnavailable), decodeError(t, data).Kind)

	resp, _ = srv.do(t, http.MethodPost, srv.accountPath("/reservations"), staffHeaders, map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := strconv.FormatInt(res.ID, 10)
	resp, _ = srv.do(t, http.MethodPost, "/api/reservations/"+id+"/cancel", clientHeaders, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "clients only see their own reservations")

	resp, data = srv.do(t, http.MethodPost, "/api/reservations/"+id+"/reschedule", staffHeaders,
		map[string]any{"starts_at": at(14, 0), "version": res.Version})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.StartsAt.Equal(at(14, 0)))

	resp, data = srv.do(t, http.MethodPost, "/api/reservations/"+id+"/cancel", staffHeaders, map[string]any{"reason": "sick"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, model.ReservationCancelled, res.Status)

	resp, _ = srv.do(t, http.MethodPost, "/api/reservations/999/cancel", staffHeaders, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientCancelInsideCutoff(t *testing.T) {
	srv := setupTestServer(t)

	resp, data := srv.do(t, http.MethodPost, srv.accountPath("/reservations"), clientHeaders,
		map[string]any{"team_member_id": srv.member.ID, "starts_at": at(13, 0)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var res model.Reservation
	require.NoError(t, json.Unmarshal(data, &res))
	require.NotNil(t, res.ClientID)
	assert.Equal(t, int64(7), *res.ClientID)

	resp, data = srv.do(t, http.MethodPost, "/api/reservations/"+strconv.FormatInt(res.ID, 10)+"/cancel", clientHeaders, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(apperr.KindPolicyViolation), decodeError(t, data).Kind)

	resp, _ = srv.do(t, http.MethodPost, "/api/reservations/"+strconv.FormatInt(res.ID, 10)+"/status", clientHeaders,
		map[string]any{"status": "confirmed"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWaitlist(t *testing.T) {
	srv := setupTestServer(t)

	resp, data := srv.do(t, http.MethodPost, srv.accountPath("/waitlist"), clientHeaders, map[string]any{
		"team_member_id":     srv.member.ID,
		"requested_start_at": at(10, 0),
		"requested_end_at":   at(12, 0),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var entry model.WaitlistEntry
	require.NoError(t, json.Unmarshal(data, &entry))

	resp, _ = srv.do(t, http.MethodDelete, "/api/waitlist/"+strconv.FormatInt(entry.ID, 10), clientHeaders, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodDelete, "/api/waitlist/"+strconv.FormatInt(entry.ID, 10), clientHeaders, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data = srv.do(t, http.MethodPost, srv.accountPath("/waitlist"), clientHeaders, map[string]any{
		"requested_start_at": at(10, 0),
		"requested_end_at":   at(9, 0),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "requested_end_at", decodeError(t, data).Field)
}

func TestQueueFlow(t *testing.T) {
	srv := setupTestServer(t)

	resp, data := srv.do(t, http.MethodPost, srv.accountPath("/queue/tickets"), staffHeaders, map[string]any{
		"guest_name":  "Bob",
		"guest_phone": "438-555-0199",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var ticket model.QueueItem
	require.NoError(t, json.Unmarshal(data, &ticket))
	assert.Equal(t, "T-0302-001", ticket.QueueNumber)

	resp, data = srv.do(t, http.MethodPost, srv.accountPath("/queue/tickets"), staffHeaders, map[string]any{
		"guest_name":  "Bob",
		"guest_phone": "438-555-0199",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var dup struct {
		Kind     string          `json:"kind"`
		Existing model.QueueItem `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(data, &dup))
	assert.Equal(t, string(apperr.KindDuplicateTicket), dup.Kind)
	assert.Equal(t, ticket.ID, dup.Existing.ID)

	resp, data = srv.do(t, http.MethodGet, srv.accountPath("/queue"), managerHeaders, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var board queue.Board
	require.NoError(t, json.Unmarshal(data, &board))
	require.Len(t, board.Items, 1)
	assert.Equal(t, ticket.ID, board.Items[0].ID)

	resp, _ = srv.do(t, http.MethodPost, srv.accountPath("/queue/next"), staffHeaders, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	item := "/api/queue/items/" + strconv.FormatInt(ticket.ID, 10)
	resp, _ = srv.do(t, http.MethodPost, item+"/call", clientHeaders, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, item+"/call", staffHeaders, map[string]any{"assign_team_member": true, "team_member_id": srv.member.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "only managers reassign")

	resp, data = srv.do(t, http.MethodPost, item+"/teleport", staffHeaders, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "action", decodeError(t, data).Field)

	resp, data = srv.do(t, http.MethodPost, item+"/call", staffHeaders, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &ticket))
	assert.Equal(t, model.QueueCalled, ticket.Status)

	resp, _ = srv.do(t, http.MethodPost, "/api/queue/items/999/call", staffHeaders, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, srv.accountPath("/queue/sync"), staffHeaders,
		map[string]any{"from": at(0, 0), "to": at(23, 0)})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestKioskEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	resp, data := srv.do(t, http.MethodGet, srv.kioskPath(""), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var info kiosk.Info
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "salon", info.BusinessPreset)

	resp, _ = srv.do(t, http.MethodGet, "/api/kiosk/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = srv.do(t, http.MethodPost, srv.kioskPath("/lookup"), nil, map[string]any{"phone": "call me"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "phone", decodeError(t, data).Field)

	resp, data = srv.do(t, http.MethodPost, srv.kioskPath("/lookup"), nil, map[string]any{"phone": "438-555-0199"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var lookup kiosk.LookupResult
	require.NoError(t, json.Unmarshal(data, &lookup))
	assert.False(t, lookup.Found)

	walkIn := map[string]any{"phone": "438-555-0199", "guest_name": "Bob"}
	resp, data = srv.do(t, http.MethodPost, srv.kioskPath("/walk-in"), nil, walkIn)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var first kiosk.WalkInResult
	require.NoError(t, json.Unmarshal(data, &first))
	require.NotNil(t, first.Ticket)

	resp, data = srv.do(t, http.MethodPost, srv.kioskPath("/walk-in"), nil, walkIn)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var again kiosk.WalkInResult
	require.NoError(t, json.Unmarshal(data, &again))
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Ticket.ID, again.Ticket.ID)

	resp, data = srv.do(t, http.MethodPost, srv.kioskPath("/track"), nil,
		map[string]any{"phone": "438-555-0199", "queue_number": first.Ticket.QueueNumber})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var track kiosk.TrackResult
	require.NoError(t, json.Unmarshal(data, &track))
	assert.True(t, track.Found)
}

func TestActivityExport(t *testing.T) {
	srv := setupTestServer(t)

	_, _ = srv.do(t, http.MethodPost, srv.accountPath("/queue/tickets"), staffHeaders, map[string]any{"guest_name": "Bob"})

	resp, data := srv.do(t, http.MethodGet, srv.accountPath("/activity.xlsx?date=2026-03-02"), managerHeaders, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), audit.Filename(srv.account.ID, at(0, 0)))
	assert.True(t, bytes.HasPrefix(data, []byte("PK")))

	resp, _ = srv.do(t, http.MethodGet, srv.accountPath("/activity.xlsx"), staffHeaders, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, srv.accountPath("/activity.xlsx?date=03-02-2026"), managerHeaders, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
