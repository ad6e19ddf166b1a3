// Package mission decides, once per tick, the next command for a vehicle.
//
// The cycle per waypoint is hover, rotate toward the waypoint, move to it,
// hover again. Commands are never awaited: arrival and rotation are detected
// from the polled pose against the configured tolerances.
package mission

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/types"
	"github.com/tiiuae/fleetcoordinator/internal/vehicle"
)

type Result struct {
	Completed bool
	// Issued is vehicle.None when no command went out this step.
	Issued vehicle.Command
	// Reached is the index of the waypoint arrived at this step, or -1.
	Reached int
	// Target is the world-frame destination of an issued MoveToPosition.
	Target   *types.Point
	Velocity float64
	Err      error
}

type Machine struct {
	cfg      Config
	commands port.CommandPort
	log      log.Logger
}

func New(cfg Config, commands port.CommandPort, logger log.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if commands == nil {
		return nil, errors.New("mission: nil command port")
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Machine{cfg, commands, logger.WithField("component", "mission")}, nil
}

func (m *Machine) Config() Config {
	return m.cfg
}

// Step advances v by at most one transition. It must be called from the
// goroutine that owns v.
func (m *Machine) Step(ctx context.Context, v *vehicle.Vehicle, now time.Time) Result {
	if v.Completed() {
		return Result{Completed: true, Reached: -1}
	}

	if len(v.Waypoints()) == 0 {
		v.MarkCompleted()
		return Result{Completed: true, Reached: -1}
	}

	switch v.Command() {
	case vehicle.Hover:
		return m.hover(ctx, v, now)
	case vehicle.RotateToYaw:
		return m.rotate(ctx, v, now)
	case vehicle.MoveToPosition:
		return m.move(ctx, v, now)
	}

	// None, TakeOff, Land and GoHome are left by external transitions.
	return Result{Reached: -1}
}

func (m *Machine) hover(ctx context.Context, v *vehicle.Vehicle, now time.Time) Result {
	idx := v.WaypointIndex()
	if m.cfg.TaskpointHoverTime > 0 && v.IsTaskPoint(idx) && now.Sub(v.CommandStart()) < m.cfg.TaskpointHoverTime {
		return Result{Reached: -1}
	}

	if idx >= m.cfg.finalIndex(len(v.Waypoints())) {
		v.MarkCompleted()
		m.log.Infof("%s: mission complete at waypoint %d", v.Name(), idx)
		return Result{Completed: true, Reached: -1}
	}

	next := m.cfg.targetIndex(idx)
	target, ok := v.Waypoint(next)
	if !ok {
		return Result{Reached: -1, Err: errors.Wrapf(vehicle.ErrPlanExhausted, "vehicle %s", v.Name())}
	}
	yaw := math.Round(v.Pose().Position().Heading(target))
	if _, err := m.commands.RotateToYaw(ctx, v.Name(), v.BodyYaw(yaw)); err != nil {
		return m.failed(v, vehicle.RotateToYaw, err)
	}
	v.BeginRotation(yaw, now)
	m.log.Debugf("%s: rotating to %.0f for waypoint %d", v.Name(), yaw, next)
	return Result{Issued: vehicle.RotateToYaw, Reached: -1}
}

func (m *Machine) rotate(ctx context.Context, v *vehicle.Vehicle, now time.Time) Result {
	yaw, _ := v.TargetYaw()
	pose := v.Pose()
	if types.AngleDiff(yaw, pose.Yaw) >= m.cfg.AngleErrTol {
		return Result{Reached: -1}
	}

	i := m.cfg.targetIndex(v.WaypointIndex())
	target, ok := v.Waypoint(i)
	if !ok {
		return Result{Reached: -1, Err: errors.Wrapf(vehicle.ErrPlanExhausted, "vehicle %s", v.Name())}
	}
	velocity := m.cfg.velocity(pose.Position().Distance(target))
	if _, err := m.commands.MoveToPosition(ctx, v.Name(), v.WorldToBody(target), velocity); err != nil {
		return m.failed(v, vehicle.MoveToPosition, err)
	}
	v.Begin(vehicle.MoveToPosition, now)
	m.log.Debugf("%s: moving to waypoint %d at %.2f m/s", v.Name(), i, velocity)
	return Result{Issued: vehicle.MoveToPosition, Reached: -1, Target: &target, Velocity: velocity}
}

func (m *Machine) move(ctx context.Context, v *vehicle.Vehicle, now time.Time) Result {
	reached := m.cfg.targetIndex(v.WaypointIndex())
	target, ok := v.Waypoint(reached)
	if !ok {
		return Result{Reached: -1, Err: errors.Wrapf(vehicle.ErrPlanExhausted, "vehicle %s", v.Name())}
	}
	if v.Pose().Position().Distance(target) >= m.cfg.EffectiveDistErrTol() {
		return Result{Reached: -1}
	}

	// Hover goes out first so a failed dispatch leaves the cursor in place.
	if _, err := m.commands.Hover(ctx, v.Name()); err != nil {
		return m.failed(v, vehicle.Hover, err)
	}
	if err := v.AdvanceWaypoint(); err != nil {
		return Result{Reached: -1, Err: err}
	}
	v.Begin(vehicle.Hover, now)
	m.log.Infof("%s: reached waypoint %d", v.Name(), reached)
	return Result{Issued: vehicle.Hover, Reached: reached}
}

func (m *Machine) failed(v *vehicle.Vehicle, cmd vehicle.Command, err error) Result {
	m.log.Warnf("%s: %s dispatch failed: %v", v.Name(), cmd, err)
	return Result{Reached: -1, Err: errors.WithMessagef(err, "%s %s", v.Name(), cmd)}
}
