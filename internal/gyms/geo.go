package gyms

import "math"

// EarthRadiusKm is the mean earth radius used for all distance math.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is inside the WGS84 coordinate range.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(rad float64) float64 { return rad * 180 / math.Pi }

// Distance is the haversine great-circle distance between a and b in km.
func Distance(a, b Point) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Destination returns the point reached from p travelling distKm along the
// initial bearing (degrees clockwise from north).
func Destination(p Point, bearing, distKm float64) Point {
	ang := distKm / EarthRadiusKm
	brg := rad(bearing)
	lat1, lng1 := rad(p.Lat), rad(p.Lng)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brg))
	lng2 := lng1 + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))

	// normalise longitude to [-180, 180)
	return Point{Lat: deg(lat2), Lng: math.Mod(deg(lng2)+540, 360) - 180}
}

// Circle approximates a geofence of radiusKm around center with n vertices.
// The ring is closed: the last vertex repeats the first.
func Circle(center Point, radiusKm float64, n int) []Point {
	if n < 3 {
		n = 3
	}
	ring := make([]Point, 0, n+1)
	for i := 0; i < n; i++ {
		ring = append(ring, Destination(center, float64(i)*360/float64(n), radiusKm))
	}
	return append(ring, ring[0])
}

// GrowthRate is the percent change from previous to current. It is 0 when
// previous is 0, there is no meaningful rate from nothing.
func GrowthRate(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}
