package api

import (
	"net/http"
	"time"

	"reservo/internal/apperr"
	"reservo/internal/booking"
	"reservo/internal/model"
	"reservo/internal/settings"
	"reservo/internal/slots"
)

const (
	// MaxSlotRangeDays bounds the slot listing window.
	MaxSlotRangeDays = 90
	defaultSlotLimit = 100
	maxSlotLimit     = 500
)

// SettingsResponse is the response for GET /api/accounts/{account}/settings.
type SettingsResponse struct {
	AccountID int64             `json:"account_id"`
	Timezone  string            `json:"timezone"`
	Settings  settings.Resolved `json:"settings"`
}

// SlotsResponse is the response for GET /api/accounts/{account}/slots.
type SlotsResponse struct {
	Timezone string              `json:"timezone"`
	Slots    []slots.Slot        `json:"slots,omitempty"`
	Grouped  []slots.GroupedSlot `json:"grouped,omitempty"`
	Offset   int                 `json:"offset"`
	Limit    int                 `json:"limit"`
	HasMore  bool                `json:"has_more"`
}

type statusRequest struct {
	Status model.ReservationStatus `json:"status"`
	Reason string                  `json:"reason,omitempty"`
}

// handleSettings returns the effective settings for the account or one member.
// GET /api/accounts/{account}/settings?team_member_id=
func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	memberID, err := queryInt64(r, "team_member_id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resolved, account, err := s.deps.Settings.Resolve(r.Context(), accountID, memberID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsResponse{
		AccountID: account.ID,
		Timezone:  account.Location().String(),
		Settings:  resolved,
	})
}

// handleSlots pages through bookable starts.
// GET /api/accounts/{account}/slots?from=&to=&duration_minutes=&offset=&limit=&any_staff=
func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	req, offset, limit, err := parseSlotsQuery(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	req.AccountID = accountID

	seq, err := s.deps.Slots.Sequence(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	page := seq.Page(offset, limit+1)
	resp := SlotsResponse{Timezone: seq.Timezone(), Offset: offset, Limit: limit}
	if len(page) > limit {
		page = page[:limit]
		resp.HasMore = true
	}
	if r.URL.Query().Get("any_staff") == "true" || r.URL.Query().Get("any_staff") == "1" {
		resp.Grouped = slots.GroupByStart(page)
	} else {
		resp.Slots = page
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseSlotsQuery(r *http.Request) (slots.Request, int, int, error) {
	q := r.URL.Query()
	var req slots.Request
	if q.Get("from") == "" || q.Get("to") == "" {
		return req, 0, 0, apperr.Validation("from", "from and to are required")
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		return req, 0, 0, apperr.Validation("from", "from must be RFC3339")
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		return req, 0, 0, apperr.Validation("to", "to must be RFC3339")
	}
	if to.Sub(from) > MaxSlotRangeDays*24*time.Hour {
		return req, 0, 0, apperr.Validation("to", "date range exceeds maximum of 90 days")
	}
	req.From, req.To = from.UTC(), to.UTC()

	if req.DurationMinutes, err = queryInt(r, "duration_minutes", 0); err != nil {
		return req, 0, 0, err
	}
	if req.DurationMinutes < 0 {
		return req, 0, 0, apperr.Validation("duration_minutes", "duration_minutes must not be negative")
	}
	if req.PartySize, err = queryInt(r, "party_size", 0); err != nil {
		return req, 0, 0, err
	}
	if req.ServiceID, err = queryInt64(r, "service_id"); err != nil {
		return req, 0, 0, err
	}
	if req.TeamMemberID, err = queryInt64(r, "team_member_id"); err != nil {
		return req, 0, 0, err
	}
	req.ResourceType = q.Get("resource_type")

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return req, 0, 0, err
	}
	limit, err := queryInt(r, "limit", defaultSlotLimit)
	if err != nil {
		return req, 0, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxSlotLimit {
		limit = maxSlotLimit
	}
	return req, offset, limit, nil
}

// handleBook creates a reservation.
// POST /api/accounts/{account}/reservations
func (s *HTTPServer) handleBook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req booking.BookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AccountID = accountID
	if actor.IsClient() {
		req.ClientID, req.ClientUserID = actor.ClientID, actor.ClientUserID
	}

	res, err := s.deps.Bookings.Book(r.Context(), req, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// POST /api/reservations/{id}/reschedule
func (s *HTTPServer) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req booking.RescheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Bookings.Reschedule(r.Context(), id, req, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/reservations/{id}/cancel
func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req booking.CancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Bookings.Cancel(r.Context(), id, req, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/reservations/{id}/status
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok || !requireStaff(w, actor) {
		return
	}
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Bookings.UpdateStatus(r.Context(), id, req.Status, req.Reason, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/accounts/{account}/waitlist
func (s *HTTPServer) handleWaitlistAdd(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req booking.WaitlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AccountID = accountID
	if actor.IsClient() {
		req.ClientID, req.ClientUserID = actor.ClientID, actor.ClientUserID
	}
	entry, err := s.deps.Bookings.AddToWaitlist(r.Context(), req, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// DELETE /api/waitlist/{id}
func (s *HTTPServer) handleWaitlistCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := s.deps.Bookings.CancelWaitlist(r.Context(), id, actor); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
