// Package plan holds per-vehicle waypoint plans and the files they are loaded from.
package plan

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

var ErrTaskPointRange = errors.New("task point index out of range")
var ErrTaskPointDuplicate = errors.New("duplicate task point index")
var ErrNonFiniteWaypoint = errors.New("waypoint coordinate is not finite")

// Plan is an ordered list of world-frame waypoints. TaskPoints index into
// Waypoints and mark where a vehicle dwells before moving on.
type Plan struct {
	Waypoints  []types.Point `json:"waypoints" yaml:"waypoints"`
	TaskPoints []int         `json:"taskPoints" yaml:"taskPoints"`
}

func (p Plan) Len() int {
	return len(p.Waypoints)
}

func (p Plan) Validate() error {
	for i, w := range p.Waypoints {
		for _, c := range [...]float64{w.X, w.Y, w.Z} {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return errors.Wrapf(ErrNonFiniteWaypoint, "waypoint %d %v", i, w)
			}
		}
	}
	seen := make(map[int]bool, len(p.TaskPoints))
	for _, i := range p.TaskPoints {
		if i < 0 || i >= len(p.Waypoints) {
			return errors.Wrapf(ErrTaskPointRange, "index %d, %d waypoints", i, len(p.Waypoints))
		}
		if seen[i] {
			return errors.Wrapf(ErrTaskPointDuplicate, "index %d", i)
		}
		seen[i] = true
	}
	return nil
}

func (p Plan) IsTaskPoint(i int) bool {
	for _, t := range p.TaskPoints {
		if t == i {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so a caller cannot mutate an assigned plan.
func (p Plan) Clone() Plan {
	c := Plan{}
	if p.Waypoints != nil {
		c.Waypoints = append([]types.Point(nil), p.Waypoints...)
	}
	if p.TaskPoints != nil {
		c.TaskPoints = append([]int(nil), p.TaskPoints...)
	}
	return c
}
