package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for all distance math.
const EarthRadiusKm = 6371.0

// Point represents a geographic coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceKm calculates the Haversine distance between two points in kilometers.
func DistanceKm(p1, p2 Point) float64 {
	phi1 := p1.Lat * (math.Pi / 180.0)
	phi2 := p2.Lat * (math.Pi / 180.0)
	dPhi := (p2.Lat - p1.Lat) * (math.Pi / 180.0)
	dLambda := (p2.Lon - p1.Lon) * (math.Pi / 180.0)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}
