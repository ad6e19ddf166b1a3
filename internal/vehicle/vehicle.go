// Package vehicle holds the coordinator's view of one simulated vehicle.
//
// A Vehicle is owned by a single goroutine. Its fields change only through
// the transition methods below, so the waypoint cursor and the active command
// cannot drift apart.
package vehicle

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/plan"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

var (
	ErrPlanAssigned  = errors.New("plan already assigned")
	ErrNotMoving     = errors.New("waypoint can only advance while moving to position")
	ErrPlanExhausted = errors.New("no waypoints left")
)

type Vehicle struct {
	id          int
	name        string
	initialPose types.Pose
	pose        types.Pose

	plan        plan.Plan
	planSet     bool
	index       int
	command     Command
	start       time.Time
	targetYaw   float64
	hasCollided bool
	takenOff    bool
	landed      bool
	completed   bool
	stalled     int
}

// New creates a vehicle parked at its spawn pose. initialPose is in world frame.
func New(id int, name string, initialPose types.Pose) *Vehicle {
	return &Vehicle{
		id:          id,
		name:        name,
		initialPose: initialPose,
		pose:        initialPose,
	}
}

func (v *Vehicle) ID() int                 { return v.id }
func (v *Vehicle) Name() string            { return v.name }
func (v *Vehicle) InitialPose() types.Pose { return v.initialPose }
func (v *Vehicle) Pose() types.Pose        { return v.pose }
func (v *Vehicle) WaypointIndex() int      { return v.index }
func (v *Vehicle) Command() Command        { return v.command }
func (v *Vehicle) CommandStart() time.Time { return v.start }
func (v *Vehicle) HasCollided() bool       { return v.hasCollided }
func (v *Vehicle) TakenOff() bool          { return v.takenOff }
func (v *Vehicle) Landed() bool            { return v.landed }
func (v *Vehicle) Completed() bool         { return v.completed }
func (v *Vehicle) TicksSinceProgress() int { return v.stalled }

// Plan returns a copy of the assigned plan.
func (v *Vehicle) Plan() plan.Plan { return v.plan.Clone() }

func (v *Vehicle) Waypoints() []types.Point {
	return append([]types.Point(nil), v.plan.Waypoints...)
}

func (v *Vehicle) IsTaskPoint(i int) bool { return v.plan.IsTaskPoint(i) }

// Waypoint returns waypoint i of the plan, if it exists.
func (v *Vehicle) Waypoint(i int) (types.Point, bool) {
	if i < 0 || i >= len(v.plan.Waypoints) {
		return types.Point{}, false
	}
	return v.plan.Waypoints[i], true
}

// TargetYaw is only meaningful while rotating.
func (v *Vehicle) TargetYaw() (float64, bool) {
	return v.targetYaw, v.command == RotateToYaw
}

// AssignPlan stores a copy of p. A vehicle accepts exactly one plan.
func (v *Vehicle) AssignPlan(p plan.Plan) error {
	if v.planSet {
		return errors.Wrapf(ErrPlanAssigned, "vehicle %s", v.name)
	}
	if err := p.Validate(); err != nil {
		return errors.WithMessagef(err, "vehicle %s", v.name)
	}
	v.plan = p.Clone()
	v.planSet = true
	return nil
}

// UpdateTelemetry converts a body-frame pose, relative to spawn, to world
// frame by adding the initial pose.
func (v *Vehicle) UpdateTelemetry(body types.Pose, collided bool) {
	v.pose = types.Pose{
		X:     body.X + v.initialPose.X,
		Y:     body.Y + v.initialPose.Y,
		Z:     body.Z + v.initialPose.Z,
		Roll:  body.Roll + v.initialPose.Roll,
		Pitch: body.Pitch + v.initialPose.Pitch,
		Yaw:   body.Yaw + v.initialPose.Yaw,
	}
	v.hasCollided = collided
}

// Begin records cmd as the active command, started at at.
func (v *Vehicle) Begin(cmd Command, at time.Time) {
	if cmd != v.command {
		v.stalled = 0
	}
	v.command = cmd
	v.start = at
	v.targetYaw = 0
}

func (v *Vehicle) BeginRotation(yaw float64, at time.Time) {
	v.Begin(RotateToYaw, at)
	v.targetYaw = yaw
}

// AdvanceWaypoint moves the cursor by one. It is only legal on arrival, which
// is while the vehicle is still moving to position.
func (v *Vehicle) AdvanceWaypoint() error {
	if v.command != MoveToPosition {
		return errors.Wrapf(ErrNotMoving, "vehicle %s is in %s", v.name, v.command)
	}
	if v.index >= len(v.plan.Waypoints) {
		return errors.Wrapf(ErrPlanExhausted, "vehicle %s", v.name)
	}
	v.index++
	v.stalled = 0
	return nil
}

func (v *Vehicle) MarkTakenOff() { v.takenOff = true }
func (v *Vehicle) MarkLanded()   { v.landed = true }

// MarkCompleted is sticky.
func (v *Vehicle) MarkCompleted() { v.completed = true }

// Tick counts one poll without progress. Command changes and waypoint
// advances reset the counter.
func (v *Vehicle) Tick() {
	if !v.completed {
		v.stalled++
	}
}

func (v *Vehicle) WorldToBody(p types.Point) types.Point {
	return p.Sub(v.initialPose.Position())
}

func (v *Vehicle) BodyYaw(worldYaw float64) float64 {
	return worldYaw - v.initialPose.Yaw
}

func (v *Vehicle) Status() types.VehicleStatus {
	return types.VehicleStatus{
		Vehicle:            v.name,
		ID:                 v.id,
		Pose:               v.pose,
		Command:            v.command.String(),
		CommandStart:       v.start,
		WaypointIndex:      v.index,
		Waypoints:          len(v.plan.Waypoints),
		Completed:          v.completed,
		TicksSinceProgress: v.stalled,
		HasCollided:        v.hasCollided,
		TakenOff:           v.takenOff,
		Landed:             v.landed,
	}
}
