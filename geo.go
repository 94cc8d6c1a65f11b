package emucore

//
// Geolocation reference frame
//

import "math"

// metersPerDegree is the length of one degree of latitude, which we
// also use for longitude after scaling by cos(lat).
const metersPerDegree = 111320.0

// Position is a display position on the topology canvas. The x axis
// grows eastward and the y axis grows northward.
type Position struct {
	// X is the east-west coordinate in canvas units.
	X float64

	// Y is the south-north coordinate in canvas units.
	Y float64
}

// Distance returns the euclidean distance in canvas units between
// this position and another.
func (p Position) Distance(o Position) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// GeoPosition is a geodetic position.
type GeoPosition struct {
	// Lat is the latitude in decimal degrees.
	Lat float64

	// Lon is the longitude in decimal degrees.
	Lon float64

	// Alt is the altitude in meters.
	Alt float64
}

// GeoReference anchors a session's canvas coordinates to a geodetic
// origin. The zero value is invalid; use [NewGeoReference] so that the
// scale is always positive.
type GeoReference struct {
	// Origin is the geodetic position of the canvas origin.
	Origin GeoPosition

	// Scale is the number of meters per canvas unit.
	Scale float64
}

// NewGeoReference creates a [GeoReference] with the given origin. A
// non-positive scale is coerced to 1 (one meter per canvas unit).
func NewGeoReference(origin GeoPosition, scale float64) *GeoReference {
	if scale <= 0 {
		scale = 1
	}
	return &GeoReference{
		Origin: origin,
		Scale:  scale,
	}
}

// ToGeo converts a canvas position to a geodetic position using a
// local tangent-plane approximation around the origin.
func (gr *GeoReference) ToGeo(p Position) GeoPosition {
	north := p.Y * gr.Scale
	east := p.X * gr.Scale
	lat := gr.Origin.Lat + north/metersPerDegree
	lon := gr.Origin.Lon + east/(metersPerDegree*math.Cos(gr.Origin.Lat*math.Pi/180))
	return GeoPosition{
		Lat: lat,
		Lon: lon,
		Alt: gr.Origin.Alt,
	}
}

// ToPosition converts a geodetic position back to canvas coordinates.
func (gr *GeoReference) ToPosition(g GeoPosition) Position {
	north := (g.Lat - gr.Origin.Lat) * metersPerDegree
	east := (g.Lon - gr.Origin.Lon) * metersPerDegree * math.Cos(gr.Origin.Lat*math.Pi/180)
	return Position{
		X: east / gr.Scale,
		Y: north / gr.Scale,
	}
}

// DistanceMeters returns the distance in meters between two canvas
// positions under this reference frame.
func (gr *GeoReference) DistanceMeters(a, b Position) float64 {
	dx := (a.X - b.X) * gr.Scale
	dy := (a.Y - b.Y) * gr.Scale
	return math.Sqrt(dx*dx + dy*dy)
}
