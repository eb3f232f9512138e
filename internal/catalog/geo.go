package catalog

import (
	"math"

	"github.com/golang/geo/s2"

	"freightline/internal/domain"
)

// EarthRadiusKM is the mean Earth radius.
const EarthRadiusKM = 6371.0

// DistanceKM is the great-circle distance between two locations.
func DistanceKM(a, b domain.Location) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lng)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return p1.Distance(p2).Radians() * EarthRadiusKM
}

// PathKM sums the leg distances along points.
func PathKM(points []domain.RoutePoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += DistanceKM(points[i-1].Location, points[i].Location)
	}
	return total
}

// Nearest returns the candidate closest to from that passes keep.
// Ties go to the lower id so results are stable.
func Nearest(from domain.Location, candidates []domain.Location, keep func(domain.Location) bool) (domain.Location, float64, bool) {
	var (
		best  domain.Location
		bestD = math.Inf(1)
		found bool
	)
	for _, c := range candidates {
		if keep != nil && !keep(c) {
			continue
		}
		d := DistanceKM(from, c)
		if d < bestD || (d == bestD && c.ID < best.ID) {
			best, bestD, found = c, d, true
		}
	}
	return best, bestD, found
}
