package geo

import (
	"math"
	"math/rand"
	"testing"
)

func TestDistanceKnownPairs(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		tolerance              float64
	}{
		{"same point", 12.9716, 77.5946, 12.9716, 77.5946, 0, 0},
		{"bangalore to mysore", 12.9716, 77.5946, 12.2958, 76.6394, 128.4, 2.0},
		{"across the equator", -1.0, 36.8, 1.0, 36.8, 222.4, 1.0},
		{"antimeridian neighbors", 0, 179.9, 0, -179.9, 22.2, 0.5},
		{"poles", 90, 0, -90, 0, 20015.1, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Fatalf("DistanceKm = %v, want %v (±%v)", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestDistanceRounding(t *testing.T) {
	d := DistanceKm(12.9716, 77.5946, 12.9800, 77.6000)
	if d != math.Round(d*10)/10 {
		t.Fatalf("distance %v not rounded to one decimal", d)
	}
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	randPoint := func() (float64, float64) {
		return rng.Float64()*180 - 90, rng.Float64()*360 - 180
	}

	for i := 0; i < 500; i++ {
		lat1, lng1 := randPoint()
		lat2, lng2 := randPoint()
		lat3, lng3 := randPoint()

		ab := DistanceKm(lat1, lng1, lat2, lng2)
		ba := DistanceKm(lat2, lng2, lat1, lng1)
		if ab != ba {
			t.Fatalf("symmetry violated: d(a,b)=%v d(b,a)=%v", ab, ba)
		}

		if self := DistanceKm(lat1, lng1, lat1, lng1); self != 0 {
			t.Fatalf("d(a,a) = %v, want 0", self)
		}

		if ab < 0 {
			t.Fatalf("negative distance %v", ab)
		}

		// Sanity triangle inequality with slack for per-leg rounding.
		ac := DistanceKm(lat1, lng1, lat3, lng3)
		cb := DistanceKm(lat3, lng3, lat2, lng2)
		if ab > ac+cb+0.3 {
			t.Fatalf("triangle inequality violated: %v > %v + %v", ab, ac, cb)
		}
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		lat, lng float64
		want     bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.01, 0, false},
		{0, 180.01, false},
		{-91, 0, false},
		{0, -181, false},
	}
	for _, tt := range tests {
		if got := InRange(tt.lat, tt.lng); got != tt.want {
			t.Fatalf("InRange(%v, %v) = %v, want %v", tt.lat, tt.lng, got, tt.want)
		}
	}
}
