package host

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/pkg/requirements"
)

// Matcher finds eligible hosts for a reservation request: hosts whose
// hypervisor and resource properties satisfy the translated requirements
// DSL, ordered so hosts never allocated before are preferred over hosts that
// merely have a free window.
type Matcher struct {
	store *Store
}

// NewMatcher creates a Matcher backed by the given host Store.
func NewMatcher(store *Store) *Matcher {
	return &Matcher{store: store}
}

// Match returns up to maxCount host ids satisfying hypervisorProps and
// resourceProps over [start,end), preferring hosts with no allocation
// history at all over hosts that merely have a free period covering the
// window. It fails if fewer than minCount hosts qualify.
func (m *Matcher) Match(ctx context.Context, hypervisorProps, resourceProps any, minCount, maxCount int, start, end time.Time) ([]uuid.UUID, error) {
	hFilters, err := requirements.Translate(hypervisorProps)
	if err != nil {
		return nil, err
	}
	rFilters, err := requirements.Translate(resourceProps)
	if err != nil {
		return nil, err
	}

	ids, err := m.store.MatchingIDs(ctx, append(hFilters, rFilters...))
	if err != nil {
		return nil, err
	}

	var neverAllocated, freeInWindow []uuid.UUID
	for _, id := range ids {
		ever, err := m.store.EverAllocated(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ever {
			neverAllocated = append(neverAllocated, id)
			continue
		}
		overlaps, err := m.store.overlapping(ctx, id, start, end)
		if err != nil {
			return nil, err
		}
		if len(overlaps) == 0 {
			freeInWindow = append(freeInWindow, id)
		}
	}

	sortIDs(neverAllocated)
	sortIDs(freeInWindow)

	candidates := partitionCandidates(neverAllocated, freeInWindow, minCount)
	if len(candidates) < minCount {
		return nil, apperror.New(apperror.KindNotEnoughHostsAvailable,
			fmt.Sprintf("only %d hosts match the requested constraints over the window, need at least %d", len(candidates), minCount))
	}

	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	return candidates, nil
}

// partitionCandidates picks which matching hosts to offer: free-but-
// previously-allocated hosts are only pulled in when the never-allocated
// set alone falls short of minCount, so a caller with enough untouched
// hosts available never gets handed a previously-disturbed one.
func partitionCandidates(neverAllocated, freeInWindow []uuid.UUID, minCount int) []uuid.UUID {
	if len(neverAllocated) >= minCount {
		return neverAllocated
	}
	return append(neverAllocated, freeInWindow...)
}

// GetFreePeriods returns the maximal sub-intervals of [from,to) during which
// hostID has no conflicting allocation.
func (m *Matcher) GetFreePeriods(ctx context.Context, hostID uuid.UUID, from, to time.Time) ([]FreePeriod, error) {
	busy, err := m.store.overlapping(ctx, hostID, from, to)
	if err != nil {
		return nil, err
	}
	if len(busy) == 0 {
		return []FreePeriod{{Start: from, End: to}}, nil
	}

	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	var free []FreePeriod
	cursor := from
	for _, b := range busy {
		if b.Start.After(cursor) {
			free = append(free, FreePeriod{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(to) {
		free = append(free, FreePeriod{Start: cursor, End: to})
	}
	return free, nil
}

// GetFullPeriods returns the maximal sub-intervals of [from,to) during which
// hostID is continuously allocated.
func (m *Matcher) GetFullPeriods(ctx context.Context, hostID uuid.UUID, from, to time.Time) ([]FreePeriod, error) {
	busy, err := m.store.overlapping(ctx, hostID, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	var merged []FreePeriod
	for _, b := range busy {
		start, end := b.Start, b.End
		if start.Before(from) {
			start = from
		}
		if end.After(to) {
			end = to
		}
		if len(merged) > 0 && !start.After(merged[len(merged)-1].End) {
			if end.After(merged[len(merged)-1].End) {
				merged[len(merged)-1].End = end
			}
			continue
		}
		merged = append(merged, FreePeriod{Start: start, End: end})
	}
	return merged, nil
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// compare evaluates actual op literal, preferring a numeric comparison and
// falling back to string equality for "==" and "!=".
func compare(actual, op, literal string) bool {
	af, aerr := strconv.ParseFloat(actual, 64)
	lf, lerr := strconv.ParseFloat(literal, 64)
	if aerr == nil && lerr == nil {
		switch op {
		case "==":
			return af == lf
		case "!=":
			return af != lf
		case ">=":
			return af >= lf
		case "<=":
			return af <= lf
		case ">":
			return af > lf
		case "<":
			return af < lf
		}
		return false
	}
	switch op {
	case "==":
		return actual == literal
	case "!=":
		return actual != literal
	default:
		return false
	}
}
