package core

import (
	"testing"
	"time"
)

func TestStaticMotionModel_NoChange(t *testing.T) {
	m := &StaticMotionModel{Position: Vec3{X: 1, Y: 2, Z: 3}}
	t1 := time.Unix(1_700_000_000, 0)
	if got := m.PositionAt(t1); got != (Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("static position = %+v", got)
	}
	if got := m.PositionAt(t1.Add(time.Hour)); got != (Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("static motion should not move, got %+v", got)
	}
}

func TestLinearMotionModel(t *testing.T) {
	epoch := time.Unix(1_700_000_000, 0)
	m := &LinearMotionModel{Origin: Vec3{X: 100}, Velocity: Vec3{X: 10, Y: -2}, Epoch: epoch}

	if got := m.PositionAt(epoch); got != (Vec3{X: 100}) {
		t.Fatalf("position at epoch = %+v", got)
	}
	if got := m.PositionAt(epoch.Add(1500 * time.Millisecond)); got != (Vec3{X: 115, Y: -3}) {
		t.Fatalf("position after 1.5s = %+v", got)
	}
	if got := m.PositionAt(epoch.Add(-time.Second)); got != (Vec3{X: 90, Y: 2}) {
		t.Fatalf("position before epoch = %+v", got)
	}
}

func TestNewMotionModel(t *testing.T) {
	epoch := time.Unix(0, 0)
	if _, ok := NewMotionModel(Vec3{X: 5}, Vec3{}, epoch).(*StaticMotionModel); !ok {
		t.Fatalf("zero velocity should give a static model")
	}
	if _, ok := NewMotionModel(Vec3{X: 5}, Vec3{Y: 1}, epoch).(*LinearMotionModel); !ok {
		t.Fatalf("non-zero velocity should give a linear model")
	}
}
