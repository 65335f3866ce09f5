// Package geo provides the great-circle distance used for geofencing.
package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm computes the great-circle distance between two points in
// decimal degrees, rounded to one decimal place. It is total over in-range
// input; callers are responsible for validating coordinate ranges with
// InRange and skipping invalid pairs.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return math.Round(earthRadiusKm*c*10) / 10
}

// InRange reports whether the coordinates form a valid geographic point.
func InRange(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
