package queue

import (
	"context"
	"time"

	"reservo/internal/database"
	"reservo/internal/guard"
	"reservo/internal/model"
)

// Tx is the set of statements the engine runs under the account lock.
type Tx interface {
	guard.Store
	GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error)
	GetQueueItemByReservation(ctx context.Context, reservationID int64) (*model.QueueItem, error)
	ListActiveQueueItems(ctx context.Context, accountID int64) ([]model.QueueItem, error)
	CreateQueueItem(ctx context.Context, it *model.QueueItem, queueDay string, queueSeq int) error
	UpdateQueueItem(ctx context.Context, it *model.QueueItem, at time.Time) error
	SetQueuePlacement(ctx context.Context, id int64, position, eta *int) error
	NextQueueSeq(ctx context.Context, accountID int64, queueDay string) (int, error)
	CreateCheckIn(ctx context.Context, c *model.CheckIn) error
	ListReservationsInWindow(ctx context.Context, accountID int64, from, to time.Time) ([]model.Reservation, error)
	ListActiveReservations(ctx context.Context, accountID int64, teamMemberIDs []int64, from, to time.Time) ([]model.Reservation, error)
	ListTeamMembers(ctx context.Context, accountID int64) ([]model.TeamMember, error)
	ListAttendanceSince(ctx context.Context, accountID int64, since time.Time) ([]model.Attendance, error)
}

// Store adds the reads that never need the lock.
type Store interface {
	Tx
	GetTeamMember(ctx context.Context, accountID, id int64) (*model.TeamMember, error)
	ListQueueItemsFinishedSince(ctx context.Context, accountID int64, since time.Time) ([]model.QueueItem, error)
	ListClientTickets(ctx context.Context, accountID int64, clientID, clientUserID *int64, limit int) ([]model.QueueItem, error)
	ListAccountsWithActiveQueue(ctx context.Context) ([]int64, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type dbStore struct {
	*database.DB
}

func NewStore(db *database.DB) Store {
	return dbStore{DB: db}
}

func (s dbStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.DB.WithTx(ctx, func(q *database.Queries) error { return fn(q) })
}
