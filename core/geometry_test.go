package core

import (
	"math"
	"testing"
)

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestGeodeticRoundTrip(t *testing.T) {
	points := [][3]float64{
		{34.0000005, -117.3335693, 251.7},
		{-33.86, 151.21, 40},
		{0, 0, 0},
		{60.1, 24.9, 1200},
	}
	for _, p := range points {
		ecef := GeodeticToECEF(p[0], p[1], p[2])
		lat, lon, alt := ECEFToGeodetic(ecef)
		if !approx(lat, p[0], 1e-9) || !approx(lon, p[1], 1e-9) || !approx(alt, p[2], 1e-3) {
			t.Errorf("round trip %v -> (%v, %v, %v)", p, lat, lon, alt)
		}
	}
}

func TestGeodeticToECEFEquator(t *testing.T) {
	p := GeodeticToECEF(0, 0, 0)
	if !approx(p.X, wgs84A, 1e-6) || !approx(p.Y, 0, 1e-6) || !approx(p.Z, 0, 1e-6) {
		t.Fatalf("equator/prime meridian = %+v", p)
	}
	pole := GeodeticToECEF(90, 0, 0)
	if !approx(pole.Z, wgs84B, 1e-3) {
		t.Fatalf("north pole Z = %v, want %v", pole.Z, wgs84B)
	}
}

func TestECEFToNEDAxes(t *testing.T) {
	const lat, lon, alt = 34.0, -117.3335, 250.0

	if got := ECEFToNED(GeodeticToECEF(lat, lon, alt), lat, lon, alt); got.Norm() > 1e-6 {
		t.Fatalf("reference should map to the origin, got %+v", got)
	}

	up := ECEFToNED(GeodeticToECEF(lat, lon, alt+10), lat, lon, alt)
	if !approx(up.Z, -10, 1e-6) || !approx(up.X, 0, 1e-6) || !approx(up.Y, 0, 1e-6) {
		t.Fatalf("10 m up should be D=-10, got %+v", up)
	}

	north := ECEFToNED(GeodeticToECEF(lat+0.001, lon, alt), lat, lon, alt)
	if north.X < 100 || math.Abs(north.Y) > 1e-3 {
		t.Fatalf("point to the north should have positive N, got %+v", north)
	}

	east := ECEFToNED(GeodeticToECEF(lat, lon+0.001, alt), lat, lon, alt)
	if east.Y < 80 || math.Abs(east.X) > 1e-2 {
		t.Fatalf("point to the east should have positive E, got %+v", east)
	}
}

func TestNEDAtReferenceIsOrigin(t *testing.T) {
	for lat := -90.0; lat <= 90; lat += 22.5 {
		for lon := -180.0; lon <= 180; lon += 45 {
			got := ECEFToNED(GeodeticToECEF(lat, lon, 100), lat, lon, 100)
			if got.Norm() > 1e-6 {
				t.Fatalf("toNED(toECEF(%v, %v)) = %+v", lat, lon, got)
			}
		}
	}
}

func TestNEDRoundTrip(t *testing.T) {
	const lat, lon, alt = 41.38, 2.17, 12.0
	ned := Vec3{X: 120.5, Y: -33.25, Z: -40}
	back := ECEFToNED(NEDToECEF(ned, lat, lon, alt), lat, lon, alt)
	if back.DistanceTo(ned) > 1e-6 {
		t.Fatalf("NED round trip = %+v, want %+v", back, ned)
	}
}

func TestSolveSmallestPositiveRoot(t *testing.T) {
	cases := []struct {
		name    string
		a, b, c float64
		want    float64
		ok      bool
	}{
		{"symmetric roots", 1, 0, -4, 2, true},
		{"two positive roots", 1, -5, 6, 2, true},
		{"one positive root", 1, -1, -6, 3, true},
		{"zero root ignored", -32, 160, 0, 5, true},
		{"both negative", 1, 5, 6, 0, false},
		{"complex roots", 1, 0, 1, 0, false},
		{"linear", 0, 2, -8, 4, true},
		{"linear negative", 0, 2, 8, 0, false},
		{"degenerate", 0, 0, 3, 0, false},
		{"all zero", 0, 0, 0, 0, false},
		{"nan", math.NaN(), 1, 1, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SolveSmallestPositiveRoot(tc.a, tc.b, tc.c)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v (root %v)", ok, tc.ok, got)
			}
			if ok && !approx(got, tc.want, 1e-9) {
				t.Fatalf("root = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEquidistanceTime(t *testing.T) {
	p1, v1 := Vec3{X: -10}, Vec3{X: -2}
	p2, v2 := Vec3{X: 10}, Vec3{X: -6}
	p := Vec3{}

	got, ok := EquidistanceTime(p1, v1, p2, v2, p)
	if !ok || !approx(got, 5, 1e-9) {
		t.Fatalf("EquidistanceTime = %v, %v; want 5", got, ok)
	}

	m1 := LinearMotion{Origin: p1, Velocity: v1}
	m2 := LinearMotion{Origin: p2, Velocity: v2}
	d1 := m1.PositionAt(got).DistanceTo(p)
	d2 := m2.PositionAt(got).DistanceTo(p)
	if !approx(d1, d2, 1e-9) {
		t.Fatalf("distances at crossing differ: %v vs %v", d1, d2)
	}
}

func TestEquidistanceTimeParallel(t *testing.T) {
	// Same velocity and equal distance forever: no crossing instant.
	v := Vec3{Y: 3}
	if _, ok := EquidistanceTime(Vec3{X: -5}, v, Vec3{X: 5}, v, Vec3{}); ok {
		t.Fatalf("expected no crossing for mirrored parallel motion")
	}
}
