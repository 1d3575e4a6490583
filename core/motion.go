package core

import "time"

// MotionModel returns a terminal position for a given simulation time.
type MotionModel interface {
	PositionAt(simTime time.Time) Vec3
}

// StaticMotionModel keeps a terminal at a fixed position.
type StaticMotionModel struct {
	Position Vec3
}

// PositionAt for static motion ignores simTime.
func (m *StaticMotionModel) PositionAt(time.Time) Vec3 { return m.Position }

// LinearMotionModel moves a terminal at constant velocity from Origin,
// where it is at Epoch.
type LinearMotionModel struct {
	Origin   Vec3
	Velocity Vec3 // m/s
	Epoch    time.Time
}

// PositionAt extrapolates the position. Times before Epoch move the
// terminal backwards along its track.
func (m *LinearMotionModel) PositionAt(simTime time.Time) Vec3 {
	dt := simTime.Sub(m.Epoch).Seconds()
	return m.Origin.Add(m.Velocity.Scale(dt))
}

// NewMotionModel chooses a MotionModel for a terminal: linear when it has
// a non-zero velocity, static otherwise.
func NewMotionModel(position, velocity Vec3, epoch time.Time) MotionModel {
	if velocity == (Vec3{}) {
		return &StaticMotionModel{Position: position}
	}
	return &LinearMotionModel{Origin: position, Velocity: velocity, Epoch: epoch}
}
