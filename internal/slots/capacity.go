package slots

import (
	"slices"
	"sort"
	"time"

	"reservo/internal/model"
)

type capacityIndex struct {
	resources   []model.Resource
	allocations map[int64][]AllocationWindow
}

func newCapacityIndex(resources []model.Resource, allocations []AllocationWindow, resourceType string, ids []int64) *capacityIndex {
	idx := &capacityIndex{allocations: make(map[int64][]AllocationWindow)}
	for _, r := range resources {
		if !r.Active {
			continue
		}
		if resourceType != "" && r.Type != resourceType {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, r.ID) {
			continue
		}
		idx.resources = append(idx.resources, r)
	}
	// Member-bound resources come before shared ones; smaller first inside each group.
	sort.SliceStable(idx.resources, func(i, j int) bool {
		a, b := idx.resources[i], idx.resources[j]
		if (a.TeamMemberID == nil) != (b.TeamMemberID == nil) {
			return a.TeamMemberID != nil
		}
		if a.EffectiveCapacity() != b.EffectiveCapacity() {
			return a.EffectiveCapacity() < b.EffectiveCapacity()
		}
		return a.ID < b.ID
	})
	for _, a := range allocations {
		idx.allocations[a.ResourceID] = append(idx.allocations[a.ResourceID], a)
	}
	return idx
}

// PickResource chooses the first resource with room for partySize over [start, end).
func PickResource(resources []model.Resource, allocations []AllocationWindow, teamMemberID int64, start, end time.Time, partySize int) (model.Resource, bool) {
	return newCapacityIndex(resources, allocations, "", nil).pick(teamMemberID, start, end, partySize)
}

func (c *capacityIndex) pick(teamMemberID int64, start, end time.Time, partySize int) (model.Resource, bool) {
	required := partySize
	if required < 1 {
		required = 1
	}
	for _, r := range c.resources {
		if r.TeamMemberID != nil && *r.TeamMemberID != teamMemberID {
			continue
		}
		if r.EffectiveCapacity() < required {
			continue
		}
		if c.used(r.ID, start, end)+required <= r.EffectiveCapacity() {
			return r, true
		}
	}
	return model.Resource{}, false
}

func (c *capacityIndex) used(resourceID int64, start, end time.Time) int {
	total := 0
	for _, a := range c.allocations[resourceID] {
		if a.StartsAt.Before(end) && start.Before(a.EndsAt) {
			q := a.Quantity
			if q < 1 {
				q = 1
			}
			total += q
		}
	}
	return total
}
