package geo

import (
	"github.com/peterstace/simplefeatures/geom"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

// Path is a plan's waypoints as a 3D line string in world NED metres.
type Path struct {
	ls geom.LineString
}

// NewPath accepts no waypoints (an empty path) or at least two.
func NewPath(waypoints []types.Point) (Path, error) {
	if len(waypoints) == 1 {
		return Path{}, errors.Errorf("path must have at least 2 points, got %d", len(waypoints))
	}
	flat := make([]float64, 0, 3*len(waypoints))
	for _, p := range waypoints {
		flat = append(flat, p.X, p.Y, p.Z)
	}
	ls := geom.NewLineString(geom.NewSequence(flat, geom.DimXYZ))
	return Path{ls}, nil
}

func (p Path) WKT() string {
	return p.ls.AsText()
}

// Length is the horizontal length in metres.
func (p Path) Length() float64 {
	return p.ls.Length()
}

func (p Path) Empty() bool {
	return p.ls.IsEmpty()
}
