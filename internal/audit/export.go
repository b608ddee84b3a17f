package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"reservo/internal/model"
)

const (
	SheetActivity = "Activity"
	SheetQueue    = "Queue"
)

type ExportStore interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListActivity(ctx context.Context, accountID int64, from, to time.Time) ([]model.ActivityEntry, error)
	ListQueueItemsCreatedBetween(ctx context.Context, accountID int64, from, to time.Time) ([]model.QueueItem, error)
}

// Exporter writes one local day of activity and queue traffic as an xlsx workbook.
type Exporter struct {
	store ExportStore
}

func NewExporter(store ExportStore) *Exporter {
	return &Exporter{store: store}
}

// Filename is the suggested download name for a day export.
func Filename(accountID int64, day time.Time) string {
	return fmt.Sprintf("activity_%d_%s.xlsx", accountID, day.Format("2006-01-02"))
}

// ExportXLSX writes the workbook for the account's local date day.
func (e *Exporter) ExportXLSX(ctx context.Context, accountID int64, day time.Time, out io.Writer) error {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	loc := account.Location()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	activity, err := e.store.ListActivity(ctx, accountID, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("list activity: %w", err)
	}
	items, err := e.store.ListQueueItemsCreatedBetween(ctx, accountID, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("list queue items: %w", err)
	}

	book, err := newWorkbook()
	if err != nil {
		return err
	}
	defer func() { _ = book.close() }()

	sheet, err := book.table(SheetActivity, []float64{20, 10, 16, 12, 20, 40, 60},
		"Time", "Actor", "Subject", "Subject ID", "Action", "Description", "Details")
	if err != nil {
		return err
	}
	for _, a := range activity {
		details, _ := json.Marshal(a.Properties)
		actor := ""
		if a.ActorID != nil {
			actor = fmt.Sprint(*a.ActorID)
		}
		err := sheet.add(a.CreatedAt.In(loc).Format("2006-01-02 15:04:05"), actor, a.SubjectType, a.SubjectID,
			a.Action, a.Description, string(details))
		if err != nil {
			return err
		}
	}
	if err := sheet.done(); err != nil {
		return err
	}

	sheet, err = book.table(SheetQueue, []float64{14, 12, 14, 14, 24, 10, 10, 10},
		"Number", "Type", "Status", "Team member", "Guest", "Created", "Called", "Finished")
	if err != nil {
		return err
	}
	for i := range items {
		it := &items[i]
		guest := ""
		if it.Ticket != nil {
			guest = it.Ticket.GuestName
		}
		member := ""
		if it.TeamMemberID != nil {
			member = fmt.Sprint(*it.TeamMemberID)
		}
		err := sheet.add(it.QueueNumber, string(it.Type()), string(it.Status), member, guest,
			localStamp(&it.CreatedAt, loc), localStamp(it.CalledAt, loc), localStamp(it.FinishedAt, loc))
		if err != nil {
			return err
		}
	}
	if err := sheet.done(); err != nil {
		return err
	}

	return book.writeTo(out)
}

func localStamp(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format("15:04")
}
