package opt

import (
	"errors"
	"fmt"

	"dispatchcore/internal/model"
)

var ErrMultipleFixedFirst = errors.New("more than one fixed-first stop")

// Partitioned is a stop list split by position class. Excluded stops are not part of it.
// The depot-return leg is implicit and always follows Last.
type Partitioned struct {
	First *model.Stop
	Free  []*model.Stop
	Last  []*model.Stop
}

// Partition splits stops into position classes, keeping relative order within each class.
func Partition(stops []*model.Stop) (Partitioned, error) {
	var p Partitioned
	for _, s := range stops {
		if s.Excluded {
			continue
		}
		switch s.Position {
		case model.PositionFixedFirst:
			if p.First != nil {
				return Partitioned{}, fmt.Errorf("partition: stops %s and %s: %w", p.First.ID, s.ID, ErrMultipleFixedFirst)
			}
			p.First = s
		case model.PositionFixedLast:
			p.Last = append(p.Last, s)
		case model.PositionFree, "":
			p.Free = append(p.Free, s)
		default:
			return Partitioned{}, fmt.Errorf("partition: stop %s: unknown position class %q", s.ID, s.Position)
		}
	}
	return p, nil
}

// SkipOptimization is true when there is nothing to reorder.
func (p Partitioned) SkipOptimization() bool { return len(p.Free) <= 1 }

// Len counts the stops in the partition, depot excluded.
func (p Partitioned) Len() int {
	n := len(p.Free) + len(p.Last)
	if p.First != nil {
		n++
	}
	return n
}

// Sequence assembles [first] + free + last using the given free order.
func (p Partitioned) Sequence(free []*model.Stop) []*model.Stop {
	out := make([]*model.Stop, 0, len(free)+len(p.Last)+1)
	if p.First != nil {
		out = append(out, p.First)
	}
	out = append(out, free...)
	return append(out, p.Last...)
}

// Anchors returns the fixed points the free stops travel between: the fixed-first stop or the
// depot at the start, and the first fixed-last stop or the depot at the end.
func (p Partitioned) Anchors(depot model.GeoPoint) (start, end model.GeoPoint) {
	start, end = depot, depot
	if p.First != nil {
		start = p.First.Location
	}
	if len(p.Last) > 0 {
		end = p.Last[0].Location
	}
	return start, end
}
