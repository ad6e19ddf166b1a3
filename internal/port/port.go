// Package port defines how the coordinator talks to the simulator.
//
// Every command returns immediately with a Handle. The mission logic never
// waits on a Handle; completion is inferred from telemetry.
package port

import (
	"context"
	"sync"
	"time"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

type CommandPort interface {
	Arm(ctx context.Context, vehicle string) (*Handle, error)
	Disarm(ctx context.Context, vehicle string) (*Handle, error)
	TakeOff(ctx context.Context, vehicle string) (*Handle, error)
	Hover(ctx context.Context, vehicle string) (*Handle, error)
	Land(ctx context.Context, vehicle string, timeout time.Duration) (*Handle, error)
	GoHome(ctx context.Context, vehicle string, timeout time.Duration) (*Handle, error)
	// RotateToYaw takes a body-frame angle in degrees.
	RotateToYaw(ctx context.Context, vehicle string, yaw float64) (*Handle, error)
	// MoveToPosition takes a body-frame target and a speed in m/s.
	MoveToPosition(ctx context.Context, vehicle string, target types.Point, velocity float64) (*Handle, error)
	MoveByVelocityZ(ctx context.Context, vehicle string, vx, vy, z float64, duration time.Duration) (*Handle, error)
}

type TelemetryPort interface {
	// GetPose returns the pose relative to the vehicle's spawn pose.
	GetPose(ctx context.Context, vehicle string) (types.Pose, error)
	GetCollisionState(ctx context.Context, vehicle string) (bool, error)
}

type Port interface {
	CommandPort
	TelemetryPort
}

// Handle tracks one dispatched command.
type Handle struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Completed returns a handle that is already done.
func Completed(err error) *Handle {
	h := NewHandle()
	h.Complete(err)
	return h
}

// Complete is safe to call more than once; the first call wins.
func (h *Handle) Complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
