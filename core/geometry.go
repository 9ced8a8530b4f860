package core

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84B  = 6356752.314245
	wgs84E2 = 1 - (wgs84B*wgs84B)/(wgs84A*wgs84A)
)

// Vec3 is a Cartesian vector in metres. Depending on context it holds
// ECEF coordinates or a position in a local NED frame.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return math.Sqrt(v.DistanceSquared(other))
}

// DistanceSquared avoids the square root when only ordering matters.
func (v Vec3) DistanceSquared(other Vec3) float64 {
	d := v.Sub(other)
	return d.Dot(d)
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v * k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vec3) vec() *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

func fromVec(v mat.Vector) Vec3 {
	return Vec3{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

// GeodeticToECEF converts latitude/longitude in degrees and altitude in
// metres to Earth-centred Earth-fixed coordinates.
func GeodeticToECEF(latDeg, lonDeg, alt float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return Vec3{
		X: (n + alt) * cosLat * cosLon,
		Y: (n + alt) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + alt) * sinLat,
	}
}

// ECEFToGeodetic is the inverse of GeodeticToECEF. Latitude converges
// by fixed-point iteration, which is accurate to well under a millimetre
// for points near the surface.
func ECEFToGeodetic(p Vec3) (latDeg, lonDeg, alt float64) {
	lon := math.Atan2(p.Y, p.X)
	r := math.Hypot(p.X, p.Y)
	lat := math.Atan2(p.Z, r*(1-wgs84E2))
	for i := 0; i < 10; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		alt = r/math.Cos(lat) - n
		lat = math.Atan2(p.Z, r*(1-wgs84E2*n/(n+alt)))
	}
	sinLat := math.Sin(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	alt = r/math.Cos(lat) - n
	return lat * 180 / math.Pi, lon * 180 / math.Pi, alt
}

// nedRotation returns the ECEF to NED rotation for a reference point.
func nedRotation(latDeg, lonDeg float64) *mat.Dense {
	sinLat, cosLat := math.Sincos(latDeg * math.Pi / 180)
	sinLon, cosLon := math.Sincos(lonDeg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLat * sinLon, cosLat,
		-sinLon, cosLon, 0,
		-cosLat * cosLon, -cosLat * sinLon, -sinLat,
	})
}

// ECEFToNED projects p into the north-east-down frame anchored at the
// geodetic reference.
func ECEFToNED(p Vec3, refLatDeg, refLonDeg, refAlt float64) Vec3 {
	d := p.Sub(GeodeticToECEF(refLatDeg, refLonDeg, refAlt))
	var out mat.VecDense
	out.MulVec(nedRotation(refLatDeg, refLonDeg), d.vec())
	return fromVec(&out)
}

// NEDToECEF is the inverse of ECEFToNED.
func NEDToECEF(ned Vec3, refLatDeg, refLonDeg, refAlt float64) Vec3 {
	var out mat.VecDense
	out.MulVec(nedRotation(refLatDeg, refLonDeg).T(), ned.vec())
	return fromVec(&out).Add(GeodeticToECEF(refLatDeg, refLonDeg, refAlt))
}

// SolveSmallestPositiveRoot returns the smallest strictly positive real
// root of a*t^2 + b*t + c = 0. A vanishing a degrades to the linear
// equation. ok is false when no such root exists.
func SolveSmallestPositiveRoot(a, b, c float64) (t float64, ok bool) {
	const eps = 1e-12
	if math.Abs(a) < eps {
		if math.Abs(b) < eps {
			return 0, false
		}
		t = -c / b
		return t, t > 0
	}

	disc := b*b - 4*a*c
	if disc < 0 {
		return 0, false
	}
	sq := math.Sqrt(disc)
	r1 := (-b + sq) / (2 * a)
	r2 := (-b - sq) / (2 * a)
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	switch {
	case r1 > 0:
		return r1, true
	case r2 > 0:
		return r2, true
	default:
		return 0, false
	}
}

// EquidistanceTime returns the first instant t > 0 at which two points
// moving as p1+v1*t and p2+v2*t are equally far from the fixed point p.
func EquidistanceTime(p1, v1, p2, v2, p Vec3) (float64, bool) {
	a := v1.Dot(v1) - v2.Dot(v2)
	b := 2 * (v1.Dot(p1.Sub(p)) - v2.Dot(p2.Sub(p)))
	c := p1.Dot(p1) - p2.Dot(p2) - 2*p.Dot(p1.Sub(p2))
	return SolveSmallestPositiveRoot(a, b, c)
}
