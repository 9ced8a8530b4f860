package core

import "testing"

func TestLinearMotionFlightTime(t *testing.T) {
	cases := []struct {
		name string
		m    LinearMotion
		want float64
	}{
		{
			name: "single axis",
			m:    LinearMotion{Origin: Vec3{X: -10}, Destination: Vec3{X: -30}, Velocity: Vec3{X: -2}},
			want: 10,
		},
		{
			name: "slowest axis wins",
			m:    LinearMotion{Destination: Vec3{X: 10, Y: 10}, Velocity: Vec3{X: 5, Y: 1}},
			want: 10,
		},
		{
			name: "zero velocity axis skipped",
			m:    LinearMotion{Destination: Vec3{X: 10, Z: 4}, Velocity: Vec3{X: 2}},
			want: 5,
		},
		{
			name: "hovering",
			m:    LinearMotion{Origin: Vec3{X: 1}, Destination: Vec3{X: 1}},
			want: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.FlightTime(); !approx(got, tc.want, 1e-12) {
				t.Fatalf("FlightTime = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLinearMotionPositionAt(t *testing.T) {
	m := LinearMotion{Origin: Vec3{X: 1, Y: 2, Z: 3}, Velocity: Vec3{X: 1, Y: -1, Z: 0.5}}
	if got := m.PositionAt(2); got != (Vec3{X: 3, Y: 0, Z: 4}) {
		t.Fatalf("PositionAt(2) = %+v", got)
	}
}
