package api

import (
	"fmt"
	"net/http"
	"time"

	"reservo/internal/audit"
	"reservo/internal/kiosk"
)

type lookupRequest struct {
	Phone            string `json:"phone"`
	SendVerification bool   `json:"send_verification,omitempty"`
}

type verifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

// Kiosk endpoints are public; the account id in the path selects the kiosk.

// GET /api/kiosk/{account}
func (s *HTTPServer) handleKioskInfo(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	info, err := s.deps.Kiosk.Info(r.Context(), accountID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// POST /api/kiosk/{account}/lookup
func (s *HTTPServer) handleKioskLookup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req lookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Kiosk.Lookup(r.Context(), accountID, req.Phone, req.SendVerification)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/kiosk/{account}/verify
func (s *HTTPServer) handleKioskVerify(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Kiosk.Verify(r.Context(), accountID, req.Phone, req.Code)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/kiosk/{account}/walk-in
func (s *HTTPServer) handleKioskWalkIn(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req kiosk.WalkInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Kiosk.WalkIn(r.Context(), accountID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// POST /api/kiosk/{account}/check-in
func (s *HTTPServer) handleKioskCheckIn(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req kiosk.CheckInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Kiosk.CheckIn(r.Context(), accountID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/kiosk/{account}/track
func (s *HTTPServer) handleKioskTrack(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req kiosk.TrackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Kiosk.Track(r.Context(), accountID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams one local day of activity as a workbook.
// GET /api/accounts/{account}/activity.xlsx?date=YYYY-MM-DD
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.IsManager() {
		writeError(w, http.StatusForbidden, "manager access required")
		return
	}
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
			return
		}
		day = parsed
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", audit.Filename(accountID, day)))
	if err := s.deps.Exporter.ExportXLSX(r.Context(), accountID, day, w); err != nil {
		s.logger.Error().Err(err).Int64("account_id", accountID).Msg("activity export failed")
		w.Header().Del("Content-Disposition")
		s.writeErr(w, r, err)
	}
}
