package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservo/internal/apperr"
	"reservo/internal/booking"
	"reservo/internal/database"
	"reservo/internal/kiosk"
	"reservo/internal/metrics"
	"reservo/internal/model"
	"reservo/internal/queue"
	"reservo/internal/settings"
	"reservo/internal/slots"
)

const maxBodyBytes = 1 << 20

type SettingsResolver interface {
	Resolve(ctx context.Context, accountID int64, teamMemberID *int64) (settings.Resolved, *model.Account, error)
}

type SlotGenerator interface {
	Sequence(ctx context.Context, req slots.Request) (*slots.Sequence, error)
}

type Bookings interface {
	Book(ctx context.Context, req booking.BookRequest, actor model.Actor) (*model.Reservation, error)
	Reschedule(ctx context.Context, id int64, req booking.RescheduleRequest, actor model.Actor) (*model.Reservation, error)
	Cancel(ctx context.Context, id int64, req booking.CancelRequest, actor model.Actor) (*model.Reservation, error)
	UpdateStatus(ctx context.Context, id int64, status model.ReservationStatus, reason string, actor model.Actor) (*model.Reservation, error)
	AddToWaitlist(ctx context.Context, req booking.WaitlistRequest, actor model.Actor) (*model.WaitlistEntry, error)
	CancelWaitlist(ctx context.Context, id int64, actor model.Actor) error
}

type Queue interface {
	Board(ctx context.Context, accountID int64, access queue.Access) (*queue.Board, error)
	NextCallable(ctx context.Context, accountID int64, access queue.Access, requestedMemberID *int64) (*queue.NextCall, error)
	CreateTicket(ctx context.Context, req queue.TicketRequest, actor model.Actor) (*model.QueueItem, error)
	Transition(ctx context.Context, itemID int64, action model.QueueAction, actor model.Actor, opts queue.TransitionOptions) (*model.QueueItem, error)
	SyncAppointments(ctx context.Context, accountID int64, from, to time.Time) error
	ClientTickets(ctx context.Context, accountID int64, clientID, clientUserID *int64, limit int) ([]queue.ClientTicket, error)
}

type Kiosk interface {
	Info(ctx context.Context, accountID int64) (*kiosk.Info, error)
	Lookup(ctx context.Context, accountID int64, phone string, sendVerification bool) (*kiosk.LookupResult, error)
	Verify(ctx context.Context, accountID int64, phone, code string) (*kiosk.LookupResult, error)
	WalkIn(ctx context.Context, accountID int64, req kiosk.WalkInRequest) (*kiosk.WalkInResult, error)
	CheckIn(ctx context.Context, accountID int64, req kiosk.CheckInRequest) (*kiosk.CheckInResult, error)
	Track(ctx context.Context, accountID int64, req kiosk.TrackRequest) (*kiosk.TrackResult, error)
}

type Exporter interface {
	ExportXLSX(ctx context.Context, accountID int64, day time.Time, out io.Writer) error
}

// Deps are the services exposed over HTTP.
type Deps struct {
	Settings SettingsResolver
	Slots    SlotGenerator
	Bookings Bookings
	Queue    Queue
	Kiosk    Kiosk
	Exporter Exporter
}

// HTTPServer serves the booking, queue and kiosk JSON API.
type HTTPServer struct {
	deps   Deps
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, deps Deps, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.withMiddleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetTimeouts applies body read and response write limits.
func (s *HTTPServer) SetTimeouts(read, write time.Duration) {
	s.server.ReadTimeout = read
	s.server.WriteTimeout = write
}

// Handler exposes the full handler chain.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Start blocks serving until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/accounts/{account}/settings", s.handleSettings)
	mux.HandleFunc("GET /api/accounts/{account}/slots", s.handleSlots)
	mux.HandleFunc("POST /api/accounts/{account}/reservations", s.handleBook)
	mux.HandleFunc("POST /api/reservations/{id}/reschedule", s.handleReschedule)
	mux.HandleFunc("POST /api/reservations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/reservations/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/accounts/{account}/waitlist", s.handleWaitlistAdd)
	mux.HandleFunc("DELETE /api/waitlist/{id}", s.handleWaitlistCancel)

	mux.HandleFunc("GET /api/accounts/{account}/queue", s.handleBoard)
	mux.HandleFunc("POST /api/accounts/{account}/queue/next", s.handleNext)
	mux.HandleFunc("POST /api/accounts/{account}/queue/tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /api/accounts/{account}/queue/my-tickets", s.handleClientTickets)
	mux.HandleFunc("POST /api/queue/items/{id}/{action}", s.handleTransition)
	mux.HandleFunc("POST /api/accounts/{account}/queue/sync", s.handleSync)

	mux.HandleFunc("GET /api/kiosk/{account}", s.handleKioskInfo)
	mux.HandleFunc("POST /api/kiosk/{account}/lookup", s.handleKioskLookup)
	mux.HandleFunc("POST /api/kiosk/{account}/verify", s.handleKioskVerify)
	mux.HandleFunc("POST /api/kiosk/{account}/walk-in", s.handleKioskWalkIn)
	mux.HandleFunc("POST /api/kiosk/{account}/check-in", s.handleKioskCheckIn)
	mux.HandleFunc("POST /api/kiosk/{account}/track", s.handleKioskTrack)

	mux.HandleFunc("GET /api/accounts/{account}/activity.xlsx", s.handleExport)
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMiddleware tags requests with an id, logs them and counts them per route.
func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route, strconv.Itoa(rec.status))
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Msg("request handled")
	})
}

type errorBody struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Existing any    `json:"existing,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidVerificationCode:
		return http.StatusUnprocessableEntity
	case apperr.KindSlotUnavailable, apperr.KindDuplicateTicket, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindPolicyViolation, apperr.KindFeatureDisabled:
		return http.StatusForbidden
	case apperr.KindVerificationRequired:
		return http.StatusPreconditionRequired
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDownstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok && errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !ok {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	writeJSON(w, status, errorBody{Error: msg, Field: e.Field, Kind: string(e.Kind), Existing: e.Existing})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name+" id")
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Validation(name, name+" must be an integer")
	}
	return &v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name, name+" must be an integer")
	}
	return v, nil
}
