package opt

import (
	"math"

	"dispatchcore/internal/model"
)

// RoadFactor approximates road curvature over a straight line.
const RoadFactor = 1.4

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between a and b.
func HaversineKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateKm is the road distance estimate used for local search scoring and fallbacks.
func EstimateKm(a, b model.GeoPoint) float64 {
	return HaversineKm(a, b) * RoadFactor
}

// PathKm sums EstimateKm over consecutive points.
func PathKm(points []model.GeoPoint) float64 {
	total := 0.0
	for i := 0; i+1 < len(points); i++ {
		total += EstimateKm(points[i], points[i+1])
	}
	return total
}
