// Package storage defines how fleet runs are persisted.
package storage

import (
	"time"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

// Backend is implemented by every storage target. Calls come from a single
// goroutine.
type Backend interface {
	Init() error
	Close() error

	StartRun(run Run) error
	EndRun(runID string, endedAt time.Time, summary types.FleetCompleted) error

	RecordEvent(event Event) error
	RecordPose(sample PoseSample) error
}

type Run struct {
	ID        string
	Scenario  string
	Vehicles  []string
	StartedAt time.Time
}

type Event struct {
	RunID   string
	Vehicle string
	Type    string
	At      time.Time
	Payload interface{}
}

type PoseSample struct {
	RunID              string
	Vehicle            string
	At                 time.Time
	Pose               types.Pose
	Command            string
	WaypointIndex      int
	TicksSinceProgress int
	HasCollided        bool
}
