package core

import "math"

// Vec3 is a position or velocity in a local cartesian frame, in metres
// (or metres per second). Cell sites sit at the origin unless configured
// otherwise; Z is height above ground.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
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

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// ElevationDegrees returns the angle above the horizontal plane at which
// target is seen from observer. 90 means directly overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	n := v.Norm()
	if n == 0 {
		return 90
	}
	return math.Asin(v.Z/n) * 180.0 / math.Pi
}
