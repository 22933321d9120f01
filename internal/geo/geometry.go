// Package geo provides geofence containment tests and per-promotion
// visibility resolution.
package geo

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/openpromo/kestrel/internal/domain"
)

// EarthRadiusM is the mean Earth radius used by the haversine formula.
const EarthRadiusM = 6371000.0

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Geometry is a zone shape exposing a point-in-zone test.
type Geometry interface {
	Contains(p Point) bool
}

// Circle is a center point with a radius in meters. Containment is
// boundary-inclusive.
type Circle struct {
	Center  Point   `json:"center"`
	RadiusM float64 `json:"radiusM"`
}

func (c Circle) Contains(p Point) bool {
	return Haversine(p, c.Center) <= c.RadiusM
}

// Rectangle is an axis-aligned bounding box between its south-west and
// north-east corners. Does not handle the antimeridian.
type Rectangle struct {
	SW Point `json:"sw"`
	NE Point `json:"ne"`
}

func (r Rectangle) Contains(p Point) bool {
	return r.SW.Lat <= p.Lat && p.Lat <= r.NE.Lat &&
		r.SW.Lon <= p.Lon && p.Lon <= r.NE.Lon
}

// Polygon is an ordered vertex list. Containment is an even-odd
// ray-casting test.
type Polygon struct {
	Vertices []Point `json:"vertices"`
}

func (pg Polygon) Contains(p Point) bool {
	n := len(pg.Vertices)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := pg.Vertices[i], pg.Vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			cross := (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if p.Lon < cross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// notContained is the resolution of malformed or missing geometry: the
// point is never inside.
type notContained struct{}

func (notContained) Contains(Point) bool { return false }

// ParseGeometry decodes a zone's geometry document into its Geometry.
// Malformed geometry resolves to a never-contains shape rather than an
// error for callers that only need the containment answer; the error is
// still returned for validation paths.
func ParseGeometry(kind domain.ZoneKind, raw []byte) (Geometry, error) {
	switch kind {
	case domain.ZoneCircle:
		var c Circle
		if err := json.Unmarshal(raw, &c); err != nil {
			return notContained{}, fmt.Errorf("malformed circle geometry: %w", err)
		}
		if c.RadiusM <= 0 {
			return notContained{}, fmt.Errorf("circle radius must be positive")
		}
		return c, nil

	case domain.ZoneRectangle:
		var r Rectangle
		if err := json.Unmarshal(raw, &r); err != nil {
			return notContained{}, fmt.Errorf("malformed rectangle geometry: %w", err)
		}
		return r, nil

	case domain.ZonePolygon:
		var pg Polygon
		if err := json.Unmarshal(raw, &pg); err != nil {
			return notContained{}, fmt.Errorf("malformed polygon geometry: %w", err)
		}
		if len(pg.Vertices) < 3 {
			return notContained{}, fmt.Errorf("polygon needs at least 3 vertices")
		}
		return pg, nil

	default:
		return notContained{}, fmt.Errorf("unknown zone kind: %s", kind)
	}
}
