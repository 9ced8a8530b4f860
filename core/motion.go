package core

import "math"

// LinearMotion describes an agent travelling at constant velocity from
// Origin towards Destination. All vectors share one local frame.
type LinearMotion struct {
	Origin      Vec3
	Destination Vec3
	Velocity    Vec3
}

// PositionAt returns Origin + Velocity*t. The trajectory is not clamped
// at the destination.
func (m LinearMotion) PositionAt(t float64) Vec3 {
	return m.Origin.Add(m.Velocity.Scale(t))
}

// FlightTime is the longest per-axis travel time in seconds. Axes with
// zero velocity do not contribute; a motion with no moving axis takes 0.
func (m LinearMotion) FlightTime() float64 {
	disp := m.Destination.Sub(m.Origin)
	longest := 0.0
	for _, axis := range [][2]float64{
		{disp.X, m.Velocity.X},
		{disp.Y, m.Velocity.Y},
		{disp.Z, m.Velocity.Z},
	} {
		if axis[1] == 0 {
			continue
		}
		longest = math.Max(longest, axis[0]/axis[1])
	}
	return longest
}
