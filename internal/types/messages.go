package types

import "time"

const (
	MessageTypeRunStarted       = "run-started"
	MessageTypeCommandIssued    = "command-issued"
	MessageTypeCommandFailed    = "command-failed"
	MessageTypeTelemetryFailed  = "telemetry-failed"
	MessageTypeWaypointReached  = "waypoint-reached"
	MessageTypeVehicleCompleted = "vehicle-completed"
	MessageTypeVehicleStatus    = "vehicle-status"
	MessageTypeFleetCompleted   = "fleet-completed"
	MessageTypeStopRequested    = "stop-requested"
)

type RunStarted struct {
	RunID    string   `json:"run_id"`
	Vehicles []string `json:"vehicles"`
}

type CommandIssued struct {
	Vehicle  string  `json:"vehicle"`
	Command  string  `json:"command"`
	Target   *Point  `json:"target,omitempty"`
	Yaw      float64 `json:"yaw,omitempty"`
	Velocity float64 `json:"velocity,omitempty"`
}

type CommandFailed struct {
	Vehicle string `json:"vehicle"`
	Command string `json:"command"`
	Error   string `json:"error"`
}

type TelemetryFailed struct {
	Vehicle string `json:"vehicle"`
	Error   string `json:"error"`
}

type WaypointReached struct {
	Vehicle   string `json:"vehicle"`
	Index     int    `json:"index"`
	Point     Point  `json:"point"`
	TaskPoint bool   `json:"task_point"`
}

type VehicleCompleted struct {
	Vehicle string `json:"vehicle"`
}

// VehicleStatus is a read-only snapshot of one vehicle, posted every tick.
type VehicleStatus struct {
	Vehicle            string    `json:"vehicle"`
	ID                 int       `json:"id"`
	Pose               Pose      `json:"pose"`
	Command            string    `json:"command"`
	CommandStart       time.Time `json:"command_start"`
	WaypointIndex      int       `json:"waypoint_index"`
	Waypoints          int       `json:"waypoints"`
	Completed          bool      `json:"completed"`
	TicksSinceProgress int       `json:"ticks_since_progress"`
	HasCollided        bool      `json:"has_collided"`
	TakenOff           bool      `json:"taken_off"`
	Landed             bool      `json:"landed"`
}

type FleetCompleted struct {
	RunID   string `json:"run_id"`
	Ticks   int    `json:"ticks"`
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

type StopRequested struct {
	Reason string `json:"reason"`
}
