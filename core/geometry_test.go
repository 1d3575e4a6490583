package core

import (
	"math"
	"testing"
)

func TestDistanceTo(t *testing.T) {
	a := Vec3{X: 3, Y: 4, Z: 0}
	if got := a.DistanceTo(Vec3{}); got != 5 {
		t.Fatalf("DistanceTo = %v, want 5", got)
	}
	if got := a.DistanceTo(a); got != 0 {
		t.Fatalf("DistanceTo(self) = %v, want 0", got)
	}
}

func TestVectorArithmetic(t *testing.T) {
	a := Vec3{X: 1, Y: 2, Z: 3}
	b := Vec3{X: -1, Y: 0, Z: 1}
	if got := a.Add(b); got != (Vec3{X: 0, Y: 2, Z: 4}) {
		t.Fatalf("Add = %+v", got)
	}
	if got := a.Sub(b); got != (Vec3{X: 2, Y: 2, Z: 2}) {
		t.Fatalf("Sub = %+v", got)
	}
	if got := b.Scale(2); got != (Vec3{X: -2, Y: 0, Z: 2}) {
		t.Fatalf("Scale = %+v", got)
	}
	if got := a.Dot(b); got != 2 {
		t.Fatalf("Dot = %v, want 2", got)
	}
}

func TestElevationDegrees(t *testing.T) {
	site := Vec3{Z: 0}
	if got := ElevationDegrees(site, Vec3{Z: 100}); math.Abs(got-90) > 1e-9 {
		t.Fatalf("overhead elevation = %v, want 90", got)
	}
	if got := ElevationDegrees(site, Vec3{X: 100}); got != 0 {
		t.Fatalf("horizon elevation = %v, want 0", got)
	}
	if got := ElevationDegrees(site, Vec3{X: 100, Z: 100}); math.Abs(got-45) > 1e-9 {
		t.Fatalf("diagonal elevation = %v, want 45", got)
	}
	if got := ElevationDegrees(site, site); got != 90 {
		t.Fatalf("co-located elevation = %v, want 90", got)
	}
}
