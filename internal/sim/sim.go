// Package sim is an in-process kinematic stand-in for the flight simulator.
//
// Vehicles fly straight lines at the commanded speed and turn at a fixed
// yaw rate. There is no acceleration, wind or collision model. Poses are
// reported relative to each vehicle's spawn point, like the real simulator.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

var (
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrNotArmed       = errors.New("vehicle is not armed")
	ErrCancelled      = errors.New("command cancelled by a newer command")
	ErrTimeout        = errors.New("command timed out")
)

type Config struct {
	TickHz          float64
	TakeoffAltitude float64
	ClimbRate       float64
	LandRate        float64
	YawRate         float64
	HomeSpeed       float64
}

func DefaultConfig() Config {
	return Config{
		TickHz:          50,
		TakeoffAltitude: 3,
		ClimbRate:       2,
		LandRate:        1,
		YawRate:         90,
		HomeSpeed:       5,
	}
}

type mode int

const (
	idle mode = iota
	climbing
	moving
	rotating
	landing
	velocity
)

type motion struct {
	mode     mode
	target   types.Point
	speed    float64
	yaw      float64
	vx, vy   float64
	left     time.Duration
	timeout  time.Duration
	deadline bool
	handle   *port.Handle
}

type drone struct {
	pose     types.Pose
	armed    bool
	airborne bool
	collided bool
	motion   motion

	failCommand   map[string]error
	failTelemetry int
}

type Simulator struct {
	cfg    Config
	mu     sync.Mutex
	drones map[string]*drone
	clock  time.Duration
}

var _ port.Port = (*Simulator)(nil)

func New(cfg Config, vehicles ...string) *Simulator {
	def := DefaultConfig()
	if cfg.TickHz <= 0 {
		cfg.TickHz = def.TickHz
	}
	if cfg.TakeoffAltitude <= 0 {
		cfg.TakeoffAltitude = def.TakeoffAltitude
	}
	if cfg.ClimbRate <= 0 {
		cfg.ClimbRate = def.ClimbRate
	}
	if cfg.LandRate <= 0 {
		cfg.LandRate = def.LandRate
	}
	if cfg.YawRate <= 0 {
		cfg.YawRate = def.YawRate
	}
	if cfg.HomeSpeed <= 0 {
		cfg.HomeSpeed = def.HomeSpeed
	}

	s := &Simulator{cfg: cfg, drones: make(map[string]*drone, len(vehicles))}
	for _, name := range vehicles {
		s.drones[name] = &drone{failCommand: make(map[string]error)}
	}
	return s
}

// Elapsed is the simulated time since New.
func (s *Simulator) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Run advances the simulation in real time until ctx is done.
func (s *Simulator) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	step := time.Duration(float64(time.Second) / s.cfg.TickHz)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
			s.Advance(step)
		}
	}
}

// Advance moves every vehicle forward by dt of simulated time.
func (s *Simulator) Advance(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock += dt
	for _, d := range s.drones {
		s.advance(d, dt)
	}
}

func (s *Simulator) advance(d *drone, dt time.Duration) {
	m := &d.motion
	if m.mode == idle {
		return
	}
	sec := dt.Seconds()

	if m.deadline {
		m.timeout -= dt
		if m.timeout <= 0 {
			s.finish(d, ErrTimeout)
			return
		}
	}

	switch m.mode {
	case climbing, moving, landing:
		if moveToward(&d.pose, m.target, m.speed*sec) {
			if m.mode == landing {
				d.airborne = false
			} else {
				d.airborne = true
			}
			s.finish(d, nil)
		}
	case rotating:
		delta := wrap(m.yaw - d.pose.Yaw)
		maxTurn := s.cfg.YawRate * sec
		if math.Abs(delta) <= maxTurn {
			d.pose.Yaw = m.yaw
			s.finish(d, nil)
			return
		}
		d.pose.Yaw = wrap(d.pose.Yaw + math.Copysign(maxTurn, delta))
	case velocity:
		d.pose.X += m.vx * sec
		d.pose.Y += m.vy * sec
		dz := m.target.Z - d.pose.Z
		step := s.cfg.ClimbRate * sec
		if math.Abs(dz) <= step {
			d.pose.Z = m.target.Z
		} else {
			d.pose.Z += math.Copysign(step, dz)
		}
		m.left -= dt
		if m.left <= 0 {
			s.finish(d, nil)
		}
	}
}

func (s *Simulator) finish(d *drone, err error) {
	if d.motion.handle != nil {
		d.motion.handle.Complete(err)
	}
	d.motion = motion{}
}

// moveToward moves p at most step metres toward target and reports arrival.
func moveToward(p *types.Pose, target types.Point, step float64) bool {
	pos := p.Position()
	dist := pos.Distance(target)
	if dist <= step || dist == 0 {
		p.X, p.Y, p.Z = target.X, target.Y, target.Z
		return true
	}
	f := step / dist
	p.X += (target.X - pos.X) * f
	p.Y += (target.Y - pos.Y) * f
	p.Z += (target.Z - pos.Z) * f
	return false
}

func wrap(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}

// start replaces the vehicle's motion. The previous command's handle is
// completed with ErrCancelled.
func (s *Simulator) start(name, cmd string, m motion, needArmed bool) (*port.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drones[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVehicle, "%s", name)
	}
	if err, ok := d.failCommand[cmd]; ok {
		delete(d.failCommand, cmd)
		return nil, err
	}
	if needArmed && !d.armed {
		return nil, errors.Wrapf(ErrNotArmed, "%s %s", name, cmd)
	}

	if d.motion.handle != nil {
		d.motion.handle.Complete(ErrCancelled)
	}
	h := port.NewHandle()
	m.handle = h
	d.motion = m
	if m.mode == idle {
		d.motion = motion{}
		h.Complete(nil)
	}
	return h, nil
}

func (s *Simulator) Arm(ctx context.Context, name string) (*port.Handle, error) {
	h, err := s.start(name, "arm", motion{}, false)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.drones[name].armed = true
	s.mu.Unlock()
	return h, nil
}

func (s *Simulator) Disarm(ctx context.Context, name string) (*port.Handle, error) {
	h, err := s.start(name, "disarm", motion{}, false)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.drones[name].armed = false
	s.mu.Unlock()
	return h, nil
}

func (s *Simulator) TakeOff(ctx context.Context, name string) (*port.Handle, error) {
	pos, err := s.position(name)
	if err != nil {
		return nil, err
	}
	target := types.Point{X: pos.X, Y: pos.Y, Z: -s.cfg.TakeoffAltitude}
	return s.start(name, "takeoff", motion{mode: climbing, target: target, speed: s.cfg.ClimbRate}, true)
}

func (s *Simulator) Hover(ctx context.Context, name string) (*port.Handle, error) {
	return s.start(name, "hover", motion{}, true)
}

func (s *Simulator) Land(ctx context.Context, name string, timeout time.Duration) (*port.Handle, error) {
	pos, err := s.position(name)
	if err != nil {
		return nil, err
	}
	target := types.Point{X: pos.X, Y: pos.Y, Z: 0}
	return s.start(name, "land", motion{mode: landing, target: target, speed: s.cfg.LandRate, timeout: timeout, deadline: true}, true)
}

// GoHome flies back above the spawn point at takeoff altitude.
func (s *Simulator) GoHome(ctx context.Context, name string, timeout time.Duration) (*port.Handle, error) {
	target := types.Point{Z: -s.cfg.TakeoffAltitude}
	return s.start(name, "gohome", motion{mode: moving, target: target, speed: s.cfg.HomeSpeed, timeout: timeout, deadline: true}, true)
}

func (s *Simulator) RotateToYaw(ctx context.Context, name string, yaw float64) (*port.Handle, error) {
	return s.start(name, "rotate", motion{mode: rotating, yaw: wrap(yaw)}, true)
}

func (s *Simulator) MoveToPosition(ctx context.Context, name string, target types.Point, speed float64) (*port.Handle, error) {
	if speed <= 0 {
		return nil, errors.Errorf("%s: non-positive velocity %v", name, speed)
	}
	return s.start(name, "move", motion{mode: moving, target: target, speed: speed}, true)
}

func (s *Simulator) MoveByVelocityZ(ctx context.Context, name string, vx, vy, z float64, duration time.Duration) (*port.Handle, error) {
	return s.start(name, "velocity", motion{mode: velocity, vx: vx, vy: vy, target: types.Point{Z: z}, left: duration}, true)
}

func (s *Simulator) GetPose(ctx context.Context, name string) (types.Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drones[name]
	if !ok {
		return types.Pose{}, errors.Wrapf(ErrUnknownVehicle, "%s", name)
	}
	if d.failTelemetry > 0 {
		d.failTelemetry--
		return types.Pose{}, errors.Errorf("%s: telemetry unavailable", name)
	}
	return d.pose, nil
}

func (s *Simulator) GetCollisionState(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drones[name]
	if !ok {
		return false, errors.Wrapf(ErrUnknownVehicle, "%s", name)
	}
	return d.collided, nil
}

func (s *Simulator) position(name string) (types.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drones[name]
	if !ok {
		return types.Point{}, errors.Wrapf(ErrUnknownVehicle, "%s", name)
	}
	return d.pose.Position(), nil
}

// Airborne reports whether the vehicle finished a takeoff or move and has
// not landed since.
func (s *Simulator) Airborne(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[name]
	return ok && d.airborne
}

func (s *Simulator) Armed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[name]
	return ok && d.armed
}

// FailNext makes the next dispatch of cmd to the vehicle return err.
// cmd is one of arm, disarm, takeoff, hover, land, gohome, rotate, move, velocity.
func (s *Simulator) FailNext(name, cmd string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drones[name]; ok {
		d.failCommand[cmd] = err
	}
}

// FailTelemetry makes the next n pose reads for the vehicle fail.
func (s *Simulator) FailTelemetry(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drones[name]; ok {
		d.failTelemetry = n
	}
}

func (s *Simulator) SetCollided(name string, collided bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drones[name]; ok {
		d.collided = collided
	}
}
