// Package availability turns weekly hours and dated exceptions into concrete open intervals.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/model"
)

// Store loads availability rows. ListWeekly returns both the member's rows and account-wide rows
// (team_member_id NULL). ListExceptions does the same for the inclusive date range.
type Store interface {
	ListWeekly(ctx context.Context, accountID, teamMemberID int64) ([]model.WeeklyAvailability, error)
	ListExceptions(ctx context.Context, accountID, teamMemberID int64, fromDate, toDate string) ([]model.AvailabilityException, error)
}

// Schedule is the loaded availability of one member over a date range.
type Schedule struct {
	weekly     []model.WeeklyAvailability
	exceptions map[string][]model.AvailabilityException
	loc        *time.Location
}

// NewSchedule picks the member's own weekly rows, or the account-wide rows when the member has none.
func NewSchedule(teamMemberID int64, weekly []model.WeeklyAvailability, exceptions []model.AvailabilityException, loc *time.Location) *Schedule {
	var own, shared []model.WeeklyAvailability
	for _, w := range weekly {
		if !w.IsActive {
			continue
		}
		switch {
		case w.TeamMemberID == nil:
			shared = append(shared, w)
		case *w.TeamMemberID == teamMemberID:
			own = append(own, w)
		}
	}
	if len(own) == 0 {
		own = shared
	}

	byDate := make(map[string][]model.AvailabilityException)
	for _, e := range exceptions {
		if e.TeamMemberID != nil && *e.TeamMemberID != teamMemberID {
			continue
		}
		byDate[e.Date] = append(byDate[e.Date], e)
	}

	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{weekly: own, exceptions: byDate, loc: loc}
}

// Day returns the open intervals of the civil date that contains date.
func (s *Schedule) Day(date time.Time) []Interval {
	return BuildDay(LocalDate(date, s.loc), s.weekly, s.exceptions[LocalDate(date, s.loc).Format(DateLayout)])
}

// BuildDay computes the open intervals of a single local date.
// Weekly windows and open exceptions are merged; closed exceptions are subtracted,
// and a closed exception without times closes the whole day.
func BuildDay(date time.Time, weekly []model.WeeklyAvailability, exceptions []model.AvailabilityException) []Interval {
	weekday := int(date.Weekday())

	var open []Interval
	for _, w := range weekly {
		if !w.IsActive || w.DayOfWeek != weekday {
			continue
		}
		if i, ok := clockInterval(date, w.StartTime, w.EndTime); ok {
			open = append(open, i)
		}
	}

	var closed []Interval
	for _, e := range exceptions {
		switch e.Type {
		case model.ExceptionClosed:
			if e.WholeDay() {
				return nil
			}
			if i, ok := clockInterval(date, e.StartTime, e.EndTime); ok {
				closed = append(closed, i)
			}
		case model.ExceptionOpen:
			if e.WholeDay() {
				continue
			}
			if i, ok := clockInterval(date, e.StartTime, e.EndTime); ok {
				open = append(open, i)
			}
		}
	}

	return Subtract(Normalize(open), closed)
}

func clockInterval(date time.Time, start, end string) (Interval, bool) {
	s, err := ClockOnDate(date, start)
	if err != nil {
		return Interval{}, false
	}
	e, err := ClockOnDate(date, end)
	if err != nil {
		return Interval{}, false
	}
	i := Interval{Start: s, End: e}
	return i, !i.Empty()
}

type Resolver struct {
	store  Store
	logger zerolog.Logger
}

func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "availability").Logger(),
	}
}

// Load reads the rows needed to answer any date in [from, to).
func (r *Resolver) Load(ctx context.Context, accountID, teamMemberID int64, from, to time.Time, loc *time.Location) (*Schedule, error) {
	weekly, err := r.store.ListWeekly(ctx, accountID, teamMemberID)
	if err != nil {
		return nil, fmt.Errorf("list weekly availability: %w", err)
	}

	fromDate := LocalDate(from, loc).Format(DateLayout)
	toDate := LocalDate(to, loc).Format(DateLayout)
	exceptions, err := r.store.ListExceptions(ctx, accountID, teamMemberID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("list availability exceptions: %w", err)
	}

	return NewSchedule(teamMemberID, weekly, exceptions, loc), nil
}

// DayIntervals returns the open intervals of one local date.
func (r *Resolver) DayIntervals(ctx context.Context, accountID, teamMemberID int64, date time.Time, loc *time.Location) ([]Interval, error) {
	day := LocalDate(date, loc)
	sched, err := r.Load(ctx, accountID, teamMemberID, day, day.AddDate(0, 0, 1), loc)
	if err != nil {
		return nil, err
	}
	return sched.Day(day), nil
}

// Intervals returns every open interval touching [from, to), clipped to the range.
func (r *Resolver) Intervals(ctx context.Context, accountID, teamMemberID int64, from, to time.Time, loc *time.Location) ([]Interval, error) {
	sched, err := r.Load(ctx, accountID, teamMemberID, from, to, loc)
	if err != nil {
		return nil, err
	}

	var out []Interval
	for _, d := range Dates(from, to, loc) {
		for _, i := range sched.Day(d) {
			if i.Start.Before(from) {
				i.Start = from
			}
			if i.End.After(to) {
				i.End = to
			}
			if !i.Empty() {
				out = append(out, Interval{Start: i.Start.UTC(), End: i.End.UTC()})
			}
		}
	}
	return out, nil
}
