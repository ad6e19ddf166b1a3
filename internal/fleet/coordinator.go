// Package fleet drives every vehicle through its plan from a single goroutine.
package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/mission"
	"github.com/tiiuae/fleetcoordinator/internal/plan"
	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/types"
	"github.com/tiiuae/fleetcoordinator/internal/vehicle"
)

const componentName = "fleet"

var (
	ErrStopped        = errors.New("fleet run stopped")
	ErrUnknownVehicle = errors.New("no such vehicle")
)

type RunResult struct {
	RunID     string
	Ticks     int
	Completed []string
	Stopped   bool
}

type Coordinator struct {
	cfg      Config
	vehicles []*vehicle.Vehicle
	port     port.Port
	machine  *mission.Machine

	log     log.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	post    types.PostFn
	metrics Metrics
	runID   string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	result   RunResult
	err      error
}

type Option func(*Coordinator)

func WithLogger(l log.Logger) Option {
	return func(c *Coordinator) { c.log = l.WithField("component", componentName) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep replaces the suspension between ticks and settle delays.
// Tests use it to step a simulator deterministically.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

func WithPost(post types.PostFn) Option {
	return func(c *Coordinator) { c.post = post }
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

func NewCoordinator(cfg Config, vehicles []*vehicle.Vehicle, p port.Port, m *mission.Machine, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		vehicles: vehicles,
		port:     p,
		machine:  m,
		log:      log.Discard(),
		now:      time.Now,
		sleep:    sleepContext,
		post:     func(types.Message) {},
		metrics:  nopMetrics{},
		runID:    uuid.NewString(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	mc := m.Config()
	if mc.DistErrTol < mission.MinDistErrTol {
		c.log.Warnf("distErrTol %.2f is below the floor, using %.2f", mc.DistErrTol, mc.EffectiveDistErrTol())
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (c *Coordinator) RunID() string {
	return c.runID
}

func (c *Coordinator) Vehicles() []*vehicle.Vehicle {
	return c.vehicles
}

// AssignPlans hands each vehicle its plan. Errors are per vehicle; a vehicle
// whose plan is rejected keeps an empty plan and reports complete.
func AssignPlans(vehicles []*vehicle.Vehicle, plans map[string]plan.Plan) map[string]error {
	errs := make(map[string]error)
	known := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		known[v.Name()] = true
		p, ok := plans[v.Name()]
		if !ok {
			continue
		}
		if err := v.AssignPlan(p); err != nil {
			errs[v.Name()] = err
		}
	}
	for name := range plans {
		if !known[name] {
			errs[name] = errors.Wrapf(ErrUnknownVehicle, "plan for %s", name)
		}
	}
	return errs
}

// Stop asks the loop to return at the top of its next tick.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Coordinator) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// dispatch sends one command to every vehicle accepted by filter. Vehicles
// whose dispatch failed are returned with the first error.
func (c *Coordinator) dispatch(ctx context.Context, name string, filter func(*vehicle.Vehicle) bool,
	send func(v *vehicle.Vehicle) (*port.Handle, error), accepted func(v *vehicle.Vehicle)) (map[string]bool, error) {
	failed := make(map[string]bool)
	var first error
	for _, v := range c.vehicles {
		if filter != nil && !filter(v) {
			continue
		}
		if _, err := send(v); err != nil {
			c.commandFailed(ctx, v, name, err)
			failed[v.Name()] = true
			if first == nil {
				first = err
			}
			continue
		}
		c.metrics.CommandIssued(ctx, v.Name(), name)
		if accepted != nil {
			accepted(v)
		}
	}
	if first == nil {
		return failed, nil
	}
	names := make([]string, 0, len(failed))
	for n := range failed {
		names = append(names, n)
	}
	return failed, errors.WithMessagef(first, "%s failed for %s", name, strings.Join(names, ", "))
}

func (c *Coordinator) commandFailed(ctx context.Context, v *vehicle.Vehicle, cmd string, err error) {
	c.log.Warnf("%s: %s failed: %v", v.Name(), cmd, err)
	c.metrics.TransientError(ctx, v.Name(), "command")
	c.post(types.CreateMessage(types.MessageTypeCommandFailed, componentName, "*",
		types.CommandFailed{Vehicle: v.Name(), Command: cmd, Error: err.Error()}))
}

// ArmAll enables API control and arms every vehicle.
func (c *Coordinator) ArmAll(ctx context.Context) error {
	_, err := c.dispatch(ctx, "arm", nil, func(v *vehicle.Vehicle) (*port.Handle, error) {
		return c.port.Arm(ctx, v.Name())
	}, nil)
	return err
}

// TakeoffAll launches every vehicle that is not airborne yet and waits the
// takeoff settle delay. The delay is not a completion signal.
func (c *Coordinator) TakeoffAll(ctx context.Context) error {
	_, err := c.dispatch(ctx, vehicle.TakeOff.String(),
		func(v *vehicle.Vehicle) bool { return !v.TakenOff() },
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.TakeOff(ctx, v.Name()) },
		func(v *vehicle.Vehicle) {
			v.Begin(vehicle.TakeOff, c.now())
			v.MarkTakenOff()
		})
	c.sleep(ctx, c.cfg.TakeoffSettle)
	return err
}

// HoverAll moves every vehicle out of TakeOff so stepping can begin.
func (c *Coordinator) HoverAll(ctx context.Context) error {
	_, err := c.dispatch(ctx, vehicle.Hover.String(),
		func(v *vehicle.Vehicle) bool { return !v.Completed() },
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.Hover(ctx, v.Name()) },
		func(v *vehicle.Vehicle) { v.Begin(vehicle.Hover, c.now()) })
	return err
}

type reading struct {
	pose     types.Pose
	collided bool
	err      error
}

// refresh polls every vehicle concurrently, then applies the results here so
// only this goroutine writes vehicle state.
func (c *Coordinator) refresh(ctx context.Context) []error {
	readings := make([]reading, len(c.vehicles))
	var wg sync.WaitGroup
	for i, v := range c.vehicles {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			pose, err := c.port.GetPose(ctx, name)
			if err != nil {
				readings[i].err = errors.WithMessage(err, "get pose")
				return
			}
			collided, err := c.port.GetCollisionState(ctx, name)
			if err != nil {
				readings[i].err = errors.WithMessage(err, "get collision state")
				return
			}
			readings[i] = reading{pose: pose, collided: collided}
		}(i, v.Name())
	}
	wg.Wait()

	errs := make([]error, len(c.vehicles))
	for i, v := range c.vehicles {
		if readings[i].err != nil {
			errs[i] = readings[i].err
			continue
		}
		v.UpdateTelemetry(readings[i].pose, readings[i].collided)
	}
	return errs
}

// RunToCompletion ticks until every vehicle has completed its plan.
func (c *Coordinator) RunToCompletion(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: c.runID}
	for {
		if c.stopped() {
			result.Stopped = true
			result.Completed = c.completedNames()
			return result, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			result.Completed = c.completedNames()
			return result, err
		}

		result.Ticks++
		c.metrics.Tick(ctx)
		if c.tick(ctx) {
			result.Completed = c.completedNames()
			c.log.Infof("All %d vehicles completed after %d ticks", len(c.vehicles), result.Ticks)
			return result, nil
		}

		c.sleep(ctx, c.cfg.TickInterval)
	}
}

func (c *Coordinator) tick(ctx context.Context) bool {
	errs := c.refresh(ctx)
	now := c.now()

	all := true
	for i, v := range c.vehicles {
		if errs[i] != nil {
			c.log.Warnf("%s: telemetry failed: %v", v.Name(), errs[i])
			c.metrics.TransientError(ctx, v.Name(), "telemetry")
			c.post(types.CreateMessage(types.MessageTypeTelemetryFailed, componentName, "*",
				types.TelemetryFailed{Vehicle: v.Name(), Error: errs[i].Error()}))
			all = all && v.Completed()
			continue
		}

		wasCompleted := v.Completed()
		v.Tick()
		res := c.machine.Step(ctx, v, now)
		c.report(ctx, v, res, wasCompleted)
		all = all && res.Completed
	}
	return all
}

func (c *Coordinator) report(ctx context.Context, v *vehicle.Vehicle, res mission.Result, wasCompleted bool) {
	if res.Err != nil {
		c.metrics.TransientError(ctx, v.Name(), "command")
		c.post(types.CreateMessage(types.MessageTypeCommandFailed, componentName, "*",
			types.CommandFailed{Vehicle: v.Name(), Command: v.Command().String(), Error: res.Err.Error()}))
	}
	if res.Issued != vehicle.None {
		c.metrics.CommandIssued(ctx, v.Name(), res.Issued.String())
		msg := types.CommandIssued{Vehicle: v.Name(), Command: res.Issued.String()}
		switch res.Issued {
		case vehicle.RotateToYaw:
			msg.Yaw, _ = v.TargetYaw()
		case vehicle.MoveToPosition:
			msg.Target = res.Target
			msg.Velocity = res.Velocity
		}
		c.post(types.CreateMessage(types.MessageTypeCommandIssued, componentName, "*", msg))
	}
	if res.Reached >= 0 {
		c.metrics.WaypointReached(ctx, v.Name())
		wps := v.Waypoints()
		c.post(types.CreateMessage(types.MessageTypeWaypointReached, componentName, "*", types.WaypointReached{
			Vehicle:   v.Name(),
			Index:     res.Reached,
			Point:     wps[res.Reached],
			TaskPoint: v.IsTaskPoint(res.Reached),
		}))
	}
	if res.Completed && !wasCompleted {
		c.post(types.CreateMessage(types.MessageTypeVehicleCompleted, componentName, "*",
			types.VehicleCompleted{Vehicle: v.Name()}))
	}

	status := v.Status()
	c.metrics.Progress(ctx, v.Name(), status.TicksSinceProgress)
	c.post(types.CreateMessage(types.MessageTypeVehicleStatus, componentName, "*", status))
}

func (c *Coordinator) completedNames() []string {
	names := make([]string, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		if v.Completed() {
			names = append(names, v.Name())
		}
	}
	return names
}

// ShutdownAll returns every vehicle home, faces it north, lands and disarms
// it. The order is fixed. A vehicle whose land command failed stays armed.
// Cancellation of ctx does not cut the sequence short.
func (c *Coordinator) ShutdownAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	_, err := c.dispatch(ctx, vehicle.GoHome.String(), nil,
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.GoHome(ctx, v.Name(), c.cfg.GoHomeTimeout) },
		func(v *vehicle.Vehicle) { v.Begin(vehicle.GoHome, c.now()) })
	errs = append(errs, err)
	c.sleep(ctx, c.cfg.GoHomeSettle)

	_, err = c.dispatch(ctx, vehicle.RotateToYaw.String(), nil,
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.RotateToYaw(ctx, v.Name(), 0) },
		func(v *vehicle.Vehicle) { v.BeginRotation(v.InitialPose().Yaw, c.now()) })
	errs = append(errs, err)
	c.sleep(ctx, c.cfg.RotateSettle)

	landFailed, err := c.dispatch(ctx, vehicle.Land.String(), nil,
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.Land(ctx, v.Name(), c.cfg.LandTimeout) },
		func(v *vehicle.Vehicle) { v.Begin(vehicle.Land, c.now()) })
	errs = append(errs, err)
	c.sleep(ctx, c.cfg.LandSettle)
	for _, v := range c.vehicles {
		if !landFailed[v.Name()] {
			v.MarkLanded()
		}
	}

	_, err = c.dispatch(ctx, "disarm",
		func(v *vehicle.Vehicle) bool { return v.Landed() },
		func(v *vehicle.Vehicle) (*port.Handle, error) { return c.port.Disarm(ctx, v.Name()) },
		func(v *vehicle.Vehicle) { v.Begin(vehicle.None, c.now()) })
	errs = append(errs, err)
	c.sleep(ctx, c.cfg.DisarmSettle)

	for _, v := range c.vehicles {
		c.post(types.CreateMessage(types.MessageTypeVehicleStatus, componentName, "*", v.Status()))
	}

	for _, e := range errs {
		if e != nil {
			return errors.WithMessage(e, "shutdown")
		}
	}
	return nil
}

// Execute runs the whole mission: arm, take off, hover, fly the plans and
// shut down. Shutdown runs even when ctx is cancelled or setup failed.
func (c *Coordinator) Execute(ctx context.Context) (RunResult, error) {
	names := make([]string, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		names = append(names, v.Name())
	}
	c.post(types.CreateMessage(types.MessageTypeRunStarted, componentName, "*",
		types.RunStarted{RunID: c.runID, Vehicles: names}))
	c.log.Infof("Run %s starting with %d vehicles", c.runID, len(c.vehicles))

	result, runErr := c.fly(ctx)
	if err := c.ShutdownAll(ctx); err != nil {
		c.log.Errorf("Shutdown: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	done := types.FleetCompleted{RunID: c.runID, Ticks: result.Ticks, Stopped: result.Stopped}
	if runErr != nil {
		done.Error = runErr.Error()
	}
	c.post(types.CreateMessage(types.MessageTypeFleetCompleted, componentName, "*", done))
	return result, runErr
}

func (c *Coordinator) fly(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: c.runID}
	if err := c.ArmAll(ctx); err != nil {
		return result, errors.WithMessage(err, "setup")
	}
	if err := c.TakeoffAll(ctx); err != nil {
		return result, errors.WithMessage(err, "setup")
	}
	if err := c.HoverAll(ctx); err != nil {
		return result, errors.WithMessage(err, "setup")
	}
	return c.RunToCompletion(ctx)
}

// Run executes the mission as a bus handler and closes Done when finished.
func (c *Coordinator) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	defer wg.Done()
	defer close(c.done)

	c.post = post
	c.result, c.err = c.Execute(ctx)
	if c.err != nil && !errors.Is(c.err, ErrStopped) && !errors.Is(c.err, context.Canceled) {
		c.log.Errorf("Run %s failed: %v", c.runID, c.err)
	}
}

func (c *Coordinator) Receive(message types.Message) {
	if message.MessageType == types.MessageTypeStopRequested {
		c.log.Infof("Stop requested by %s", message.From)
		c.Stop()
	}
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result is valid after Done is closed.
func (c *Coordinator) Result() (RunResult, error) {
	return c.result, c.err
}
