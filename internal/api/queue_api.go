package api

import (
	"net/http"
	"time"

	"reservo/internal/model"
	"reservo/internal/queue"
)

type nextRequest struct {
	TeamMemberID *int64 `json:"team_member_id,omitempty"`
}

type transitionRequest struct {
	// AssignTeamMember moves the item to TeamMemberID (null unassigns).
	AssignTeamMember bool   `json:"assign_team_member,omitempty"`
	TeamMemberID     *int64 `json:"team_member_id,omitempty"`
}

type syncRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NextResponse wraps the call candidate; Next is null when nobody can be called.
type NextResponse struct {
	Next *queue.NextCall `json:"next"`
}

// clientActions are the only transitions a client may request on their own ticket.
var clientActions = map[model.QueueAction]bool{
	model.ActionCancel:    true,
	model.ActionStillHere: true,
}

// GET /api/accounts/{account}/queue
func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok || !requireStaff(w, actor) {
		return
	}
	board, err := s.deps.Queue.Board(r.Context(), accountID, accessFor(actor))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// POST /api/accounts/{account}/queue/next
func (s *HTTPServer) handleNext(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok || !requireStaff(w, actor) {
		return
	}
	var req nextRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	next, err := s.deps.Queue.NextCallable(r.Context(), accountID, accessFor(actor), req.TeamMemberID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NextResponse{Next: next})
}

// POST /api/accounts/{account}/queue/tickets
func (s *HTTPServer) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req queue.TicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AccountID = accountID
	if actor.IsClient() {
		req.ClientID, req.ClientUserID = actor.ClientID, actor.ClientUserID
		req.Source, req.Priority = "", 0
	}
	item, err := s.deps.Queue.CreateTicket(r.Context(), req, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// GET /api/accounts/{account}/queue/my-tickets
func (s *HTTPServer) handleClientTickets(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	tickets, err := s.deps.Queue.ClientTickets(r.Context(), accountID, actor.ClientID, actor.ClientUserID, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []queue.ClientTicket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

// POST /api/queue/items/{id}/{action}
func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	action := model.QueueAction(r.PathValue("action"))
	if actor.IsClient() && !clientActions[action] {
		writeError(w, http.StatusForbidden, "action not allowed for clients")
		return
	}
	var req transitionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.AssignTeamMember && !actor.IsManager() {
		writeError(w, http.StatusForbidden, "only managers can reassign queue items")
		return
	}

	channel := "staff"
	if actor.IsClient() {
		channel = "client"
	}
	item, err := s.deps.Queue.Transition(r.Context(), id, action, actor, queue.TransitionOptions{
		Channel:          channel,
		AssignTeamMember: req.AssignTeamMember,
		TeamMemberID:     req.TeamMemberID,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// POST /api/accounts/{account}/queue/sync
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok || !requireStaff(w, actor) {
		return
	}
	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.To.After(req.From) {
		writeError(w, http.StatusUnprocessableEntity, "to must be after from")
		return
	}
	if err := s.deps.Queue.SyncAppointments(r.Context(), accountID, req.From.UTC(), req.To.UTC()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
