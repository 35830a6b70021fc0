package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeAtEquator(t *testing.T) {
	d := Haversine(0, 0, 0, 1)
	// one degree of longitude at the equator is about 111.19 km
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := models.Coord{Lat: 11.33, Lng: 77.71}
	b := models.Coord{Lat: 11.40, Lng: 77.80}
	if DistanceKm(a, b) != DistanceKm(b, a) {
		t.Fatalf("distance should be symmetric")
	}
	if DistanceKm(a, b) <= 0 {
		t.Fatalf("expected positive distance")
	}
}
