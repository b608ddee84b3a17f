package slots

import (
	"time"

	"reservo/internal/availability"
	"reservo/internal/model"
)

// Sequence yields slots lazily in (starts_at, team member) order.
// It is finite and can be restarted with Reset.
type Sequence struct {
	timezone string
	streams  []*memberStream
	heads    []*Slot
	primed   bool
}

func (s *Sequence) Timezone() string { return s.timezone }

// Next returns the next slot, or false when the sequence is exhausted.
func (s *Sequence) Next() (Slot, bool) {
	if !s.primed {
		s.heads = make([]*Slot, len(s.streams))
		for i, st := range s.streams {
			s.heads[i] = st.next()
		}
		s.primed = true
	}

	best := -1
	for i, h := range s.heads {
		if h == nil {
			continue
		}
		if best < 0 || before(h, s.heads[best]) {
			best = i
		}
	}
	if best < 0 {
		return Slot{}, false
	}

	out := *s.heads[best]
	s.heads[best] = s.streams[best].next()
	return out, true
}

// Reset rewinds the sequence to its first slot.
func (s *Sequence) Reset() {
	for _, st := range s.streams {
		st.reset()
	}
	s.heads = nil
	s.primed = false
}

// Page returns up to limit slots after skipping offset. The sequence is rewound first.
func (s *Sequence) Page(offset, limit int) []Slot {
	s.Reset()
	for i := 0; i < offset; i++ {
		if _, ok := s.Next(); !ok {
			return nil
		}
	}
	out := make([]Slot, 0, limit)
	for len(out) < limit {
		slot, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, slot)
	}
	return out
}

// All drains the sequence from the start.
func (s *Sequence) All() []Slot {
	s.Reset()
	out := []Slot{}
	for {
		slot, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, slot)
	}
}

func before(a, b *Slot) bool {
	if a.StartsAt.Equal(b.StartsAt) {
		return a.TeamMemberID < b.TeamMemberID
	}
	return a.StartsAt.Before(b.StartsAt)
}

// memberStream walks dates, then open intervals, then grid-aligned starts for one member.
type memberStream struct {
	member       model.TeamMember
	schedule     *availability.Schedule
	dates        []time.Time
	loc          *time.Location
	rangeStart   time.Time
	rangeEnd     time.Time
	duration     time.Duration
	step         int
	buffer       int
	earliest     time.Time
	latest       time.Time
	reservations []model.Reservation
	capacity     *capacityIndex
	partySize    int

	dateIdx   int
	intervals []availability.Interval
	ivIdx     int
	cursor    time.Time
	inDay     bool
}

func (m *memberStream) reset() {
	m.dateIdx = 0
	m.intervals = nil
	m.ivIdx = 0
	m.cursor = time.Time{}
	m.inDay = false
}

func (m *memberStream) next() *Slot {
	stepDur := time.Duration(m.step) * time.Minute
	for {
		if !m.inDay {
			if m.dateIdx >= len(m.dates) {
				return nil
			}
			m.intervals = m.schedule.Day(m.dates[m.dateIdx])
			m.dateIdx++
			m.ivIdx = -1
			m.inDay = true
			if !m.advanceInterval() {
				m.inDay = false
				continue
			}
		}

		iv := m.intervals[m.ivIdx]
		if m.cursor.Add(m.duration).After(iv.End) {
			if !m.advanceInterval() {
				m.inDay = false
			}
			continue
		}

		start := m.cursor
		end := start.Add(m.duration)
		m.cursor = m.cursor.Add(stepDur)

		if slot := m.evaluate(start, end); slot != nil {
			return slot
		}
	}
}

func (m *memberStream) advanceInterval() bool {
	m.ivIdx++
	if m.ivIdx >= len(m.intervals) {
		return false
	}
	m.cursor = AlignUp(m.intervals[m.ivIdx].Start.In(m.loc), m.step)
	return true
}

func (m *memberStream) evaluate(start, end time.Time) *Slot {
	if start.Before(m.rangeStart) || end.After(m.rangeEnd) {
		return nil
	}
	if start.Before(m.earliest) || start.After(m.latest) {
		return nil
	}
	if Conflicts(start, end, m.buffer, m.reservations, 0) {
		return nil
	}

	var ref *ResourceRef
	if m.capacity != nil {
		res, ok := m.capacity.pick(m.member.ID, start, end, m.partySize)
		if !ok {
			return nil
		}
		ref = &ResourceRef{ID: res.ID, Name: res.Name, Type: res.Type, Capacity: res.EffectiveCapacity()}
	}

	local := start.In(m.loc)
	return &Slot{
		TeamMemberID:   m.member.ID,
		TeamMemberName: m.member.Name,
		StartsAt:       start.UTC(),
		EndsAt:         end.UTC(),
		Date:           local.Format(availability.DateLayout),
		Time:           local.Format("15:04"),
		Resource:       ref,
	}
}
