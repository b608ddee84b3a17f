// Package audit writes the activity log and exports it for managers.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservo/internal/model"
)

type Store interface {
	InsertActivity(ctx context.Context, e *model.ActivityEntry) error
}

// Recorder appends activity rows. Failures are logged and never reach the caller.
type Recorder struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

func (r *Recorder) Record(ctx context.Context, e model.ActivityEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if err := r.store.InsertActivity(context.WithoutCancel(ctx), &e); err != nil {
		r.logger.Warn().Err(err).
			Int64("account_id", e.AccountID).
			Str("action", e.Action).
			Msg("Failed to record activity")
	}
}

// Entry builds an activity row for an actor.
func Entry(accountID int64, actor model.Actor, subjectType string, subjectID int64, action, description string, props map[string]any) model.ActivityEntry {
	var actorID *int64
	if actor.ID != 0 {
		id := actor.ID
		actorID = &id
	}
	if props == nil {
		props = map[string]any{}
	}
	props["actor_kind"] = string(actor.Kind)
	return model.ActivityEntry{
		AccountID:   accountID,
		ActorID:     actorID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Action:      action,
		Description: description,
		Properties:  props,
	}
}
