// Package kiosk implements the self-service front desk: phone lookup, verification, walk-in
// tickets, reservation check-in and ticket tracking.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/apperr"
	"reservo/internal/audit"
	"reservo/internal/database"
	"reservo/internal/guard"
	"reservo/internal/identity"
	"reservo/internal/model"
	"reservo/internal/queue"
	"reservo/internal/settings"
)

const (
	trackLookback  = 48 * time.Hour
	trackCandidate = 80
)

type Store interface {
	identity.CustomerStore
	GetReservation(ctx context.Context, id int64) (*model.Reservation, error)
	GetQueueItemByReservation(ctx context.Context, reservationID int64) (*model.QueueItem, error)
	ListTrackableTickets(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error)
	ListTeamMembers(ctx context.Context, accountID int64) ([]model.TeamMember, error)
}

type SettingsResolver interface {
	Resolve(ctx context.Context, accountID int64, teamMemberID *int64) (settings.Resolved, *model.Account, error)
}

// Queue is the part of the queue engine the kiosk drives.
type Queue interface {
	CreateTicket(ctx context.Context, req queue.TicketRequest, actor model.Actor) (*model.QueueItem, error)
	Transition(ctx context.Context, itemID int64, action model.QueueAction, actor model.Actor, opts queue.TransitionOptions) (*model.QueueItem, error)
	SyncAppointments(ctx context.Context, accountID int64, from, to time.Time) error
	RefreshMetrics(ctx context.Context, accountID int64) (map[int64]queue.Placement, error)
	Guard() *guard.Guard
}

type Verifier interface {
	Issue(ctx context.Context, accountID int64, phone string) (identity.IssueResult, error)
	Consume(ctx context.Context, accountID int64, phone, code string) error
	IsVerified(ctx context.Context, accountID int64, phone string) (bool, error)
	MarkVerified(ctx context.Context, accountID int64, phone string) error
	EnsureVerified(ctx context.Context, account *model.Account, phone, code string) error
}

type ActivityRecorder interface {
	Record(ctx context.Context, e model.ActivityEntry)
}

type Service struct {
	store    Store
	settings SettingsResolver
	matcher  *identity.Matcher
	verifier Verifier
	queue    Queue
	activity ActivityRecorder
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(store Store, settingsResolver SettingsResolver, verifier Verifier, q Queue, activity ActivityRecorder, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		settings: settingsResolver,
		matcher:  identity.NewMatcher(store),
		verifier: verifier,
		queue:    q,
		activity: activity,
		now:      time.Now,
		logger:   logger.With().Str("component", "kiosk").Logger(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ClientInfo is a matched customer as shown after verification.
type ClientInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Intent is the suggested next step for an identified visitor.
type Intent struct {
	NextAction        guard.Intent       `json:"next_action"`
	NearbyReservation *model.Reservation `json:"nearby_reservation,omitempty"`
	ActiveTicket      *model.QueueItem   `json:"active_ticket,omitempty"`
}

// LookupResult is returned by Lookup and Verify. Client is only set once the phone is trusted;
// before that ClientHint carries an anonymized name.
type LookupResult struct {
	Found                bool                  `json:"found"`
	VerificationRequired bool                  `json:"verification_required"`
	Verified             bool                  `json:"verified"`
	Client               *ClientInfo           `json:"client,omitempty"`
	ClientHint           string                `json:"client_hint,omitempty"`
	Intent               *Intent               `json:"intent,omitempty"`
	Verification         *identity.IssueResult `json:"verification,omitempty"`
}

// Info is the public description of a kiosk.
type Info struct {
	AccountID            int64          `json:"account_id"`
	Name                 string         `json:"name"`
	BusinessPreset       string         `json:"business_preset"`
	VerificationRequired bool           `json:"kiosk_require_sms_verification"`
	GraceMinutes         int            `json:"queue_grace_minutes"`
	TeamMembers          []MemberOption `json:"team_members"`
}

type MemberOption struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// kioskContext is the resolved state every flow starts from.
type kioskContext struct {
	account  *model.Account
	settings settings.Resolved
	now      time.Time
}

func (s *Service) open(ctx context.Context, accountID int64) (*kioskContext, error) {
	set, account, err := s.settings.Resolve(ctx, accountID, nil)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("account")
	}
	if err != nil {
		return nil, err
	}
	if account.Suspended {
		return nil, apperr.NotFound("account")
	}
	if !settings.QueueFeaturesEnabled(set.Preset) {
		return nil, apperr.FeatureDisabled("Public kiosk queue is only available for salon businesses.")
	}
	if !set.QueueModeEnabled {
		return nil, apperr.FeatureDisabled("Queue mode is disabled for this account.")
	}
	return &kioskContext{account: account, settings: set, now: s.now().UTC()}, nil
}

func normalizedPhone(raw string) (string, error) {
	n := identity.NormalizePhone(raw)
	if n == "" || len(raw) > 40 {
		return "", apperr.Validation("phone", "Invalid phone number format.")
	}
	return n, nil
}

func clientOf(c *model.Customer) guard.Client {
	if c == nil {
		return guard.Client{}
	}
	return guard.Client{ClientID: model.Int64Ptr(c.ID), ClientUserID: c.PortalUserID}
}

func actorFor(c *model.Customer) model.Actor {
	cl := clientOf(c)
	return model.Actor{Kind: model.ActorKiosk, ClientID: cl.ClientID, ClientUserID: cl.ClientUserID}
}

func infoOf(c *model.Customer) *ClientInfo {
	return &ClientInfo{ID: c.ID, Name: c.DisplayName(), Phone: c.Phone}
}

// Info returns what a kiosk screen needs to render.
func (s *Service) Info(ctx context.Context, accountID int64) (*Info, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListTeamMembers(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	info := &Info{
		AccountID:            kc.account.ID,
		Name:                 kc.account.Name,
		BusinessPreset:       kc.settings.Preset,
		VerificationRequired: kc.account.KioskRequireSMSVerification,
		GraceMinutes:         kc.settings.QueueGraceMinutes,
		TeamMembers:          []MemberOption{},
	}
	for _, m := range members {
		if m.Active {
			info.TeamMembers = append(info.TeamMembers, MemberOption{ID: m.ID, Name: m.Name})
		}
	}
	return info, nil
}

// Lookup identifies a phone. Unknown phones are guided to a guest ticket; known phones that
// still need verification get a code when sendVerification is set.
func (s *Service) Lookup(ctx context.Context, accountID int64, phone string, sendVerification bool) (*LookupResult, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizedPhone(phone)
	if err != nil {
		return nil, err
	}

	customer, err := s.matcher.FindCustomerByPhone(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		s.record(ctx, kc, model.Actor{Kind: model.ActorKiosk}, "kiosk_lookup_not_found", normalized, nil)
		return &LookupResult{Intent: &Intent{NextAction: guard.IntentCreateGuestTicket}}, nil
	}

	required := kc.account.KioskRequireSMSVerification
	verified := !required
	if required {
		if verified, err = s.verifier.IsVerified(ctx, accountID, normalized); err != nil {
			return nil, err
		}
	}
	if verified {
		s.record(ctx, kc, actorFor(customer), "kiosk_lookup_found_verified", normalized, nil)
		return s.trusted(ctx, kc, customer)
	}

	res := &LookupResult{
		Found:                true,
		VerificationRequired: true,
		ClientHint:           identity.AnonymizeName(customer.DisplayName()),
	}
	if sendVerification {
		issued, err := s.verifier.Issue(ctx, accountID, normalized)
		if err != nil {
			return nil, err
		}
		res.Verification = &issued
	}
	s.record(ctx, kc, actorFor(customer), "kiosk_lookup_verification_required", normalized, map[string]any{
		"sms_sent": res.Verification != nil && res.Verification.Sent,
	})
	return res, nil
}

// Verify consumes a code for a known phone and returns the trusted lookup.
func (s *Service) Verify(ctx context.Context, accountID int64, phone, code string) (*LookupResult, error) {
	kc, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizedPhone(phone)
	if err != nil {
		return nil, err
	}
	customer, err := s.requireCustomer(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}

	if kc.account.KioskRequireSMSVerification {
		if strings.TrimSpace(code) == "" {
			return nil, apperr.Validation("code", "The verification code is required.")
		}
		err = s.verifier.Consume(ctx, accountID, normalized, code)
	} else {
		err = s.verifier.MarkVerified(ctx, accountID, normalized)
	}
	if err != nil {
		return nil, err
	}
	s.record(ctx, kc, actorFor(customer), "kiosk_client_verified", normalized, nil)
	return s.trusted(ctx, kc, customer)
}

func (s *Service) requireCustomer(ctx context.Context, accountID int64, phone string) (*model.Customer, error) {
	customer, err := s.matcher.FindCustomerByPhone(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, apperr.Validation("phone", "No existing client found for this phone number.")
	}
	return customer, nil
}

func (s *Service) trusted(ctx context.Context, kc *kioskContext, customer *model.Customer) (*LookupResult, error) {
	intent, err := s.intent(ctx, kc, customer)
	if err != nil {
		return nil, err
	}
	return &LookupResult{
		Found:                true,
		VerificationRequired: kc.account.KioskRequireSMSVerification,
		Verified:             true,
		Client:               infoOf(customer),
		Intent:               intent,
	}, nil
}

func (s *Service) intent(ctx context.Context, kc *kioskContext, customer *model.Customer) (*Intent, error) {
	g := s.queue.Guard()
	client := clientOf(customer)
	nearby, err := g.FindNearbyActiveReservation(ctx, kc.account.ID, client, kc.settings.QueueDuplicateWindowMinutes)
	if err != nil {
		return nil, err
	}
	ticket, err := g.FindActiveTicket(ctx, kc.account.ID, client)
	if err != nil {
		return nil, err
	}
	in := &Intent{NextAction: guard.IntentTakeTicket, NearbyReservation: nearby, ActiveTicket: ticket}
	switch {
	case nearby != nil:
		in.NextAction = guard.IntentCheckIn
	case ticket != nil:
		in.NextAction = guard.IntentTrackTicket
	}
	return in, nil
}

func (s *Service) record(ctx context.Context, kc *kioskContext, actor model.Actor, action, normalized string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	if normalized != "" {
		props["phone_hash"] = identity.PhoneHash(normalized)
	}
	if actor.ClientID != nil {
		props["client_id"] = *actor.ClientID
	}
	ev := s.logger.Info().Int64("account_id", kc.account.ID).Str("event", action)
	if h, ok := props["phone_hash"].(string); ok {
		ev = ev.Str("phone_hash", h)
	}
	ev.Msg("Kiosk event")

	if s.activity != nil {
		s.activity.Record(ctx, audit.Entry(kc.account.ID, actor, "kiosk", 0, action, "", props))
	}
}
