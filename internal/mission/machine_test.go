package mission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/plan"
	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/types"
	"github.com/tiiuae/fleetcoordinator/internal/vehicle"
)

type call struct {
	name     string
	vehicle  string
	yaw      float64
	target   types.Point
	velocity float64
}

type fakeCommands struct {
	calls []call
	fail  error
}

func (f *fakeCommands) record(c call) (*port.Handle, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, c)
	return port.NewHandle(), nil
}

func (f *fakeCommands) Arm(ctx context.Context, v string) (*port.Handle, error) {
	return f.record(call{name: "arm", vehicle: v})
}
func (f *fakeCommands) Disarm(ctx context.Context, v string) (*port.Handle, error) {
	return f.record(call{name: "disarm", vehicle: v})
}
func (f *fakeCommands) TakeOff(ctx context.Context, v string) (*port.Handle, error) {
	return f.record(call{name: "takeoff", vehicle: v})
}
func (f *fakeCommands) Hover(ctx context.Context, v string) (*port.Handle, error) {
	return f.record(call{name: "hover", vehicle: v})
}
func (f *fakeCommands) Land(ctx context.Context, v string, timeout time.Duration) (*port.Handle, error) {
	return f.record(call{name: "land", vehicle: v})
}
func (f *fakeCommands) GoHome(ctx context.Context, v string, timeout time.Duration) (*port.Handle, error) {
	return f.record(call{name: "gohome", vehicle: v})
}
func (f *fakeCommands) RotateToYaw(ctx context.Context, v string, yaw float64) (*port.Handle, error) {
	return f.record(call{name: "rotate", vehicle: v, yaw: yaw})
}
func (f *fakeCommands) MoveToPosition(ctx context.Context, v string, target types.Point, velocity float64) (*port.Handle, error) {
	return f.record(call{name: "move", vehicle: v, target: target, velocity: velocity})
}
func (f *fakeCommands) MoveByVelocityZ(ctx context.Context, v string, vx, vy, z float64, d time.Duration) (*port.Handle, error) {
	return f.record(call{name: "velocity", vehicle: v})
}

func newMachine(t *testing.T, cfg Config) (*Machine, *fakeCommands) {
	t.Helper()
	cmds := &fakeCommands{}
	m, err := New(cfg, cmds, log.Discard())
	require.NoError(t, err)
	return m, cmds
}

// arriveAt moves the cursor past the first idx waypoints and leaves the
// vehicle hovering at the last one.
func arriveAt(t *testing.T, v *vehicle.Vehicle, idx int, at time.Time) {
	t.Helper()
	for i := 0; i < idx; i++ {
		v.Begin(vehicle.MoveToPosition, at)
		require.NoError(t, v.AdvanceWaypoint())
	}
	v.Begin(vehicle.Hover, at)
}

func TestHoverRotatesThenMoves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistErrTol = 0.5
	m, cmds := newMachine(t, cfg)

	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{}, {X: 10}}}))
	now := time.Now()
	arriveAt(t, v, 1, now)

	res := m.Step(context.Background(), v, now)
	require.NoError(t, res.Err)
	assert.Equal(t, vehicle.RotateToYaw, res.Issued)
	require.Len(t, cmds.calls, 1)
	assert.Equal(t, "rotate", cmds.calls[0].name)
	assert.Equal(t, 0.0, cmds.calls[0].yaw)

	v.UpdateTelemetry(types.Pose{Yaw: 0.4}, false)
	res = m.Step(context.Background(), v, now.Add(100*time.Millisecond))
	require.NoError(t, res.Err)
	assert.Equal(t, vehicle.MoveToPosition, res.Issued)
	require.Len(t, cmds.calls, 2)
	assert.Equal(t, types.Point{X: 10}, cmds.calls[1].target)
	assert.Equal(t, 5.0, cmds.calls[1].velocity)
}

func visitingConfig() Config {
	cfg := DefaultConfig()
	cfg.CompletionRule = CompletionVisiting
	return cfg
}

func TestVisitingFliesFromCurrentToNextWaypoint(t *testing.T) {
	cfg := visitingConfig()
	cfg.DistErrTol = 0.5
	m, cmds := newMachine(t, cfg)

	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{}, {X: 10}}}))
	now := time.Now()
	v.Begin(vehicle.Hover, now)

	res := m.Step(context.Background(), v, now)
	require.NoError(t, res.Err)
	assert.False(t, res.Completed)
	assert.Equal(t, vehicle.RotateToYaw, res.Issued)
	require.Len(t, cmds.calls, 1)
	assert.Equal(t, "rotate", cmds.calls[0].name)
	assert.Equal(t, 0.0, cmds.calls[0].yaw)

	v.UpdateTelemetry(types.Pose{Yaw: 0.4}, false)
	res = m.Step(context.Background(), v, now.Add(100*time.Millisecond))
	require.NoError(t, res.Err)
	assert.Equal(t, vehicle.MoveToPosition, res.Issued)
	require.Len(t, cmds.calls, 2)
	assert.Equal(t, "move", cmds.calls[1].name)
	assert.Equal(t, types.Point{X: 10}, cmds.calls[1].target)
	assert.Equal(t, 5.0, cmds.calls[1].velocity)
	require.NotNil(t, res.Target)
	assert.Equal(t, types.Point{X: 10}, *res.Target)

	v.UpdateTelemetry(types.Pose{X: 9.8}, false)
	res = m.Step(context.Background(), v, now.Add(3*time.Second))
	assert.Equal(t, vehicle.Hover, res.Issued)
	assert.Equal(t, 1, res.Reached)
	assert.Equal(t, 1, v.WaypointIndex())

	res = m.Step(context.Background(), v, now.Add(4*time.Second))
	assert.True(t, res.Completed)
	assert.Len(t, cmds.calls, 3)
}

func cornerVehicle(t *testing.T, hoverStart time.Time) *vehicle.Vehicle {
	t.Helper()
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{
		Waypoints:  []types.Point{{}, {X: 10}, {X: 10, Y: 10}},
		TaskPoints: []int{1},
	}))
	arriveAt(t, v, 1, hoverStart)
	v.UpdateTelemetry(types.Pose{X: 10}, false)
	return v
}

func TestVisitingDwellAtTaskPoint(t *testing.T) {
	cfg := visitingConfig()
	cfg.TaskpointHoverTime = 5 * time.Second
	m, cmds := newMachine(t, cfg)

	start := time.Now()
	v := cornerVehicle(t, start)

	res := m.Step(context.Background(), v, start.Add(2*time.Second))
	assert.False(t, res.Completed)
	assert.Equal(t, vehicle.None, res.Issued)
	assert.Empty(t, cmds.calls)
}

func TestVisitingDwellSatisfiedTurnsTowardFollowingWaypoint(t *testing.T) {
	cfg := visitingConfig()
	cfg.TaskpointHoverTime = 5 * time.Second
	m, cmds := newMachine(t, cfg)

	start := time.Now()
	v := cornerVehicle(t, start)

	res := m.Step(context.Background(), v, start.Add(6*time.Second))
	require.NoError(t, res.Err)
	assert.Equal(t, vehicle.RotateToYaw, res.Issued)
	require.Len(t, cmds.calls, 1)
	assert.Equal(t, 90.0, cmds.calls[0].yaw)
}

func TestVisitingReachesFinalWaypoint(t *testing.T) {
	m, _ := newMachine(t, visitingConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	wps := []types.Point{{Z: -3}, {X: 10, Z: -3}, {X: 10, Y: 10, Z: -3}}
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: wps}))
	v.UpdateTelemetry(types.Pose{Z: -3}, false)
	v.Begin(vehicle.Hover, time.Now())

	var reached []int
	for i := 0; i < 20 && !v.Completed(); i++ {
		switch v.Command() {
		case vehicle.RotateToYaw:
			yaw, _ := v.TargetYaw()
			p := v.Pose()
			p.Yaw = yaw
			v.UpdateTelemetry(p, false)
		case vehicle.MoveToPosition:
			wp, _ := v.Waypoint(v.WaypointIndex() + 1)
			v.UpdateTelemetry(types.Pose{X: wp.X, Y: wp.Y, Z: wp.Z, Yaw: v.Pose().Yaw}, false)
		}
		if res := m.Step(context.Background(), v, time.Now()); res.Reached >= 0 {
			reached = append(reached, res.Reached)
		}
	}
	require.True(t, v.Completed())
	assert.Equal(t, []int{1, 2}, reached)
	assert.Equal(t, wps[2], v.Pose().Position())
}

func taskPointVehicle(t *testing.T, hoverStart time.Time) *vehicle.Vehicle {
	t.Helper()
	v := vehicle.New(1, "UAV_1", types.Pose{Z: -3})
	require.NoError(t, v.AssignPlan(plan.Plan{
		Waypoints:  []types.Point{{Z: -3}, {X: 5, Y: 5, Z: -3}, {X: 10, Y: 10, Z: -3}},
		TaskPoints: []int{1},
	}))
	arriveAt(t, v, 1, hoverStart)
	return v
}

func TestDwellAtTaskPoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskpointHoverTime = 5 * time.Second
	m, cmds := newMachine(t, cfg)

	start := time.Now()
	v := taskPointVehicle(t, start)

	res := m.Step(context.Background(), v, start.Add(2*time.Second))
	assert.False(t, res.Completed)
	assert.Equal(t, vehicle.None, res.Issued)
	assert.Empty(t, cmds.calls)
	assert.Equal(t, vehicle.Hover, v.Command())
}

func TestDwellSatisfiedRotatesToNext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskpointHoverTime = 5 * time.Second
	m, cmds := newMachine(t, cfg)

	start := time.Now()
	v := taskPointVehicle(t, start)

	res := m.Step(context.Background(), v, start.Add(6*time.Second))
	require.NoError(t, res.Err)
	assert.Equal(t, vehicle.RotateToYaw, res.Issued)
	require.Len(t, cmds.calls, 1)
	assert.Equal(t, 45.0, cmds.calls[0].yaw)
	yaw, ok := v.TargetYaw()
	assert.True(t, ok)
	assert.Equal(t, 45.0, yaw)
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	for _, cmd := range []vehicle.Command{vehicle.None, vehicle.TakeOff, vehicle.Hover, vehicle.RotateToYaw, vehicle.MoveToPosition} {
		m, cmds := newMachine(t, DefaultConfig())
		v := vehicle.New(1, "UAV_1", types.Pose{})
		v.Begin(cmd, time.Now())

		res := m.Step(context.Background(), v, time.Now())
		assert.True(t, res.Completed, cmd.String())
		assert.Equal(t, vehicle.None, res.Issued)
		assert.Empty(t, cmds.calls)
		assert.True(t, v.Completed())
	}
}

func TestExternalCommandsAreLeftAlone(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{Z: -3}}}))

	for _, cmd := range []vehicle.Command{vehicle.None, vehicle.TakeOff, vehicle.Land, vehicle.GoHome} {
		v.Begin(cmd, time.Now())
		res := m.Step(context.Background(), v, time.Now())
		assert.False(t, res.Completed)
		assert.Equal(t, cmd, v.Command())
	}
	assert.Empty(t, cmds.calls)
}

func TestCompletionRules(t *testing.T) {
	wps := []types.Point{{Z: -3}, {X: 5, Z: -3}}

	visiting := DefaultConfig()
	visiting.CompletionRule = CompletionVisiting
	m, cmds := newMachine(t, visiting)
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: wps}))
	arriveAt(t, v, 1, time.Now())

	res := m.Step(context.Background(), v, time.Now())
	assert.True(t, res.Completed)
	assert.Empty(t, cmds.calls)

	m, cmds = newMachine(t, DefaultConfig())
	v = vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: wps}))
	arriveAt(t, v, 1, time.Now())

	res = m.Step(context.Background(), v, time.Now())
	assert.False(t, res.Completed)
	assert.Len(t, cmds.calls, 1)

	arriveAt(t, v, 1, time.Now())
	res = m.Step(context.Background(), v, time.Now())
	assert.True(t, res.Completed)
	assert.Equal(t, 2, v.WaypointIndex())
}

func TestCompletionIsStable(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{Z: -3}}}))
	arriveAt(t, v, 1, time.Now())

	require.True(t, m.Step(context.Background(), v, time.Now()).Completed)

	v.Begin(vehicle.RotateToYaw, time.Now())
	for i := 0; i < 5; i++ {
		res := m.Step(context.Background(), v, time.Now())
		assert.True(t, res.Completed)
		assert.Equal(t, vehicle.None, res.Issued)
	}
	assert.Empty(t, cmds.calls)
	assert.Equal(t, 1, v.WaypointIndex())
}

func TestToleranceFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistErrTol = 0.01
	assert.Equal(t, MinDistErrTol, cfg.EffectiveDistErrTol())

	m, cmds := newMachine(t, cfg)
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{X: 10}}}))
	v.Begin(vehicle.MoveToPosition, time.Now())

	v.UpdateTelemetry(types.Pose{X: 9.6}, false)
	res := m.Step(context.Background(), v, time.Now())
	assert.Equal(t, vehicle.Hover, res.Issued)
	assert.Equal(t, 0, res.Reached)
	assert.Equal(t, 1, v.WaypointIndex())
	assert.Equal(t, "hover", cmds.calls[0].name)
}

func TestMonotonicCursor(t *testing.T) {
	m, _ := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{Z: -3}, {X: 10, Z: -3}}}))
	v.Begin(vehicle.Hover, time.Now())

	// Fly the vehicle by teleporting it to whatever it was last told.
	last := v.WaypointIndex()
	for i := 0; i < 20 && !v.Completed(); i++ {
		switch v.Command() {
		case vehicle.RotateToYaw:
			yaw, _ := v.TargetYaw()
			p := v.Pose()
			p.Yaw = yaw
			v.UpdateTelemetry(p, false)
		case vehicle.MoveToPosition:
			wp, _ := v.Waypoint(v.WaypointIndex())
			v.UpdateTelemetry(types.Pose{X: wp.X, Y: wp.Y, Z: wp.Z, Yaw: v.Pose().Yaw}, false)
		}
		before := v.WaypointIndex()
		m.Step(context.Background(), v, time.Now())
		assert.True(t, v.WaypointIndex() == before || v.WaypointIndex() == before+1)
		assert.GreaterOrEqual(t, v.WaypointIndex(), last)
		last = v.WaypointIndex()
	}
	assert.True(t, v.Completed())
	assert.Equal(t, 2, v.WaypointIndex())
}

func TestRotationConvergenceIsIdempotent(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{Y: 10}}}))
	v.BeginRotation(90, time.Now())

	v.UpdateTelemetry(types.Pose{Yaw: 30}, false)
	for i := 0; i < 3; i++ {
		res := m.Step(context.Background(), v, time.Now())
		assert.Equal(t, vehicle.None, res.Issued)
		assert.Equal(t, vehicle.RotateToYaw, v.Command())
	}
	assert.Empty(t, cmds.calls)

	v.UpdateTelemetry(types.Pose{Yaw: 85}, false)
	assert.Equal(t, vehicle.MoveToPosition, m.Step(context.Background(), v, time.Now()).Issued)
	assert.Equal(t, vehicle.None, m.Step(context.Background(), v, time.Now()).Issued)
	assert.Len(t, cmds.calls, 1)
}

func TestRotationAcrossWrap(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{X: -10, Y: -0.1}}}))
	v.BeginRotation(-179, time.Now())

	v.UpdateTelemetry(types.Pose{Yaw: 178}, false)
	assert.Equal(t, vehicle.MoveToPosition, m.Step(context.Background(), v, time.Now()).Issued)
	assert.Len(t, cmds.calls, 1)
}

func TestMoveTargetInBodyFrame(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(2, "UAV_2", types.Pose{Y: 5, Yaw: 10})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{Y: 5, Z: -3}, {X: 10, Y: 20, Z: -2}}}))
	arriveAt(t, v, 1, time.Now())
	v.UpdateTelemetry(types.Pose{Z: -3, Yaw: 0}, false)

	require.Equal(t, vehicle.RotateToYaw, m.Step(context.Background(), v, time.Now()).Issued)
	// world heading 56 deg, body frame subtracts the spawn yaw
	assert.Equal(t, 46.0, cmds.calls[0].yaw)

	v.UpdateTelemetry(types.Pose{Z: -3, Yaw: 46}, false)
	require.Equal(t, vehicle.MoveToPosition, m.Step(context.Background(), v, time.Now()).Issued)
	assert.Equal(t, types.Point{X: 10, Y: 15, Z: -2}, cmds.calls[1].target)
}

func TestDispatchFailureLeavesVehicleUntouched(t *testing.T) {
	m, cmds := newMachine(t, DefaultConfig())
	v := vehicle.New(1, "UAV_1", types.Pose{})
	require.NoError(t, v.AssignPlan(plan.Plan{Waypoints: []types.Point{{X: 1}, {X: 10}}}))
	start := time.Now()
	v.Begin(vehicle.MoveToPosition, start)
	v.UpdateTelemetry(types.Pose{X: 1}, false)

	cmds.fail = errors.New("rpc timeout")
	res := m.Step(context.Background(), v, start.Add(time.Second))
	assert.Error(t, res.Err)
	assert.Equal(t, vehicle.None, res.Issued)
	assert.Equal(t, 0, v.WaypointIndex())
	assert.Equal(t, vehicle.MoveToPosition, v.Command())
	assert.Equal(t, start, v.CommandStart())

	cmds.fail = nil
	res = m.Step(context.Background(), v, start.Add(2*time.Second))
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, v.WaypointIndex())
	assert.Equal(t, vehicle.Hover, v.Command())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.DistErrTol = 0 },
		func(c *Config) { c.AngleErrTol = -1 },
		func(c *Config) { c.MinVel = 6 },
		func(c *Config) { c.KpVel = 0 },
		func(c *Config) { c.TaskpointHoverTime = -time.Second },
		func(c *Config) { c.CompletionRule = "sometimes" },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}

	_, err := New(Config{}, &fakeCommands{}, nil)
	assert.Error(t, err)
}

func TestVelocityClamp(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 5.0, c.velocity(10))
	assert.Equal(t, 0.1, c.velocity(0.01))
	assert.InDelta(t, 1.5, c.velocity(3), 1e-9)
}
