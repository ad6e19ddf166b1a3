package mission

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// CompletionRule decides when the last waypoint counts as done.
type CompletionRule string

const (
	// CompletionVisiting keeps the cursor on the last waypoint reached and
	// flies to the one after it. The mission completes once the cursor is on
	// the final waypoint.
	CompletionVisiting CompletionRule = "visiting"
	// CompletionFollowing keeps the cursor on the next waypoint to fly to and
	// completes once it has moved past the final one.
	CompletionFollowing CompletionRule = "following"
)

// MinDistErrTol is the smallest arrival tolerance the state machine accepts.
// Smaller configured values are raised to it.
const MinDistErrTol = 0.5

var ErrInvalidConfig = errors.New("invalid mission config")

type Config struct {
	TaskpointHoverTime time.Duration
	DistErrTol         float64
	AngleErrTol        float64
	MaxVel             float64
	MinVel             float64
	KpVel              float64
	CompletionRule     CompletionRule
}

func DefaultConfig() Config {
	return Config{
		TaskpointHoverTime: 0,
		DistErrTol:         2.0,
		AngleErrTol:        10,
		MaxVel:             5,
		MinVel:             0.1,
		KpVel:              0.5,
		CompletionRule:     CompletionFollowing,
	}
}

func (c Config) EffectiveDistErrTol() float64 {
	return math.Max(c.DistErrTol, MinDistErrTol)
}

func (c Config) Validate() error {
	switch {
	case c.DistErrTol <= 0:
		return errors.Wrapf(ErrInvalidConfig, "distErrTol must be positive, got %v", c.DistErrTol)
	case c.AngleErrTol <= 0:
		return errors.Wrapf(ErrInvalidConfig, "angleErrTol must be positive, got %v", c.AngleErrTol)
	case c.MinVel <= 0 || c.MaxVel <= 0:
		return errors.Wrapf(ErrInvalidConfig, "velocities must be positive, got min %v max %v", c.MinVel, c.MaxVel)
	case c.MinVel > c.MaxVel:
		return errors.Wrapf(ErrInvalidConfig, "minVel %v exceeds maxVel %v", c.MinVel, c.MaxVel)
	case c.KpVel <= 0:
		return errors.Wrapf(ErrInvalidConfig, "kpVel must be positive, got %v", c.KpVel)
	case c.TaskpointHoverTime < 0:
		return errors.Wrapf(ErrInvalidConfig, "taskpointHoverTime must not be negative, got %v", c.TaskpointHoverTime)
	}

	switch c.CompletionRule {
	case CompletionVisiting, CompletionFollowing:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown completion rule '%s'", c.CompletionRule)
	}
	return nil
}

func (c Config) finalIndex(waypoints int) int {
	if c.CompletionRule == CompletionVisiting {
		return waypoints - 1
	}
	return waypoints
}

// targetIndex is the waypoint flown to while the cursor is at idx.
func (c Config) targetIndex(idx int) int {
	if c.CompletionRule == CompletionVisiting {
		return idx + 1
	}
	return idx
}

func (c Config) velocity(dist float64) float64 {
	return math.Min(math.Max(c.KpVel*dist, c.MinVel), c.MaxVel)
}
