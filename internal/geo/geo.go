// Package geo places the simulator's local NED frame on the globe.
package geo

import (
	"math"

	"github.com/wroge/wgs84"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const earthRadiusMetres float64 = 6371000

type GlobalPosition struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Origin anchors world NED (0, 0, 0) at a WGS84 position.
type Origin struct {
	lat, lon, alt float64
	x, y          float64
	toWGS84       func(a, b, c float64) (float64, float64, float64)
}

func NewOrigin(lat, lon, alt float64) *Origin {
	epsg := wgs84.EPSG()
	x, y, _ := epsg.Transform(4326, 3857)(lon, lat, 0)
	return &Origin{
		lat:     lat,
		lon:     lon,
		alt:     alt,
		x:       x,
		y:       y,
		toWGS84: epsg.Transform(3857, 4326),
	}
}

// ToGlobal converts a world NED point. Web Mercator stretches distances by
// 1/cos(lat), so offsets are scaled before projecting back.
func (o *Origin) ToGlobal(p types.Point) GlobalPosition {
	scale := 1 / math.Cos(o.lat*math.Pi/180)
	lon, lat, _ := o.toWGS84(o.x+p.Y*scale, o.y+p.X*scale, 0)
	return GlobalPosition{Lat: lat, Lon: lon, Alt: o.alt - p.Z}
}

// Distance is the great circle distance in metres.
func Distance(from, to GlobalPosition) float64 {
	var deltaLat = (to.Lat - from.Lat) * (math.Pi / 180)
	var deltaLon = (to.Lon - from.Lon) * (math.Pi / 180)

	var a = math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(from.Lat*(math.Pi/180))*math.Cos(to.Lat*(math.Pi/180))*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	var c = 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMetres * c
}
