package booking

import (
	"context"
	"time"

	"reservo/internal/database"
	"reservo/internal/guard"
	"reservo/internal/model"
)

// Tx is the set of statements a booking transaction runs.
type Tx interface {
	guard.Store
	GetReservation(ctx context.Context, id int64) (*model.Reservation, error)
	ListActiveReservations(ctx context.Context, accountID int64, teamMemberIDs []int64, from, to time.Time) ([]model.Reservation, error)
	CreateReservation(ctx context.Context, r *model.Reservation) error
	UpdateReservation(ctx context.Context, r *model.Reservation) error
	ListResources(ctx context.Context, accountID int64) ([]model.Resource, error)
	ListAllocations(ctx context.Context, accountID int64, from, to time.Time) ([]model.AllocationWindow, error)
	CreateAllocation(ctx context.Context, a model.ResourceAllocation) error
	DeleteAllocations(ctx context.Context, reservationID int64) error
	CreateWaitlistEntry(ctx context.Context, w *model.WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id int64) (*model.WaitlistEntry, error)
	ListPendingWaitlist(ctx context.Context, accountID, teamMemberID int64, from, to time.Time) ([]model.WaitlistEntry, error)
	SetWaitlistStatus(ctx context.Context, id int64, from, to model.WaitlistStatus, at time.Time) error
}

// Store reads outside a transaction and opens write transactions.
type Store interface {
	Tx
	GetTeamMember(ctx context.Context, accountID, id int64) (*model.TeamMember, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type dbStore struct {
	*database.DB
}

// NewStore adapts the sqlite database.
func NewStore(db *database.DB) Store {
	return dbStore{DB: db}
}

func (s dbStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.DB.WithTx(ctx, func(q *database.Queries) error { return fn(q) })
}
