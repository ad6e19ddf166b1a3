// Package recorder persists bus traffic to the configured storage backends.
package recorder

import (
	"context"
	"sync"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const inboxSize = 1024

type recorder struct {
	backends  []storage.Backend
	scenario  string
	poseEvery int
	log       log.Logger

	inbox chan types.Message

	// owned by Run
	runID    string
	statuses map[string]int
}

// New records run boundaries and mission events to every backend, and one
// pose sample out of every poseEvery status updates per vehicle.
func New(scenario string, poseEvery int, logger log.Logger, backends ...storage.Backend) types.MessageHandler {
	if poseEvery < 1 {
		poseEvery = 1
	}
	return &recorder{
		backends:  backends,
		scenario:  scenario,
		poseEvery: poseEvery,
		log:       logger.WithField("component", "recorder"),
		inbox:     make(chan types.Message, inboxSize),
		statuses:  make(map[string]int),
	}
}

func (r *recorder) Receive(message types.Message) {
	if message.MessageType == types.MessageTypeStopRequested {
		return
	}
	select {
	case r.inbox <- message:
	default:
		r.log.Warnf("Recorder inbox full, dropping %s", message.MessageType)
	}
}

func (r *recorder) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	defer wg.Done()

	for {
		select {
		case msg := <-r.inbox:
			r.record(msg)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

// drain flushes what is already queued so the run summary is not lost on shutdown.
func (r *recorder) drain() {
	for {
		select {
		case msg := <-r.inbox:
			r.record(msg)
		default:
			return
		}
	}
}

func (r *recorder) record(msg types.Message) {
	switch payload := msg.Message.(type) {
	case types.RunStarted:
		r.runID = payload.RunID
		r.statuses = make(map[string]int)
		run := storage.Run{
			ID:        payload.RunID,
			Scenario:  r.scenario,
			Vehicles:  payload.Vehicles,
			StartedAt: msg.Timestamp,
		}
		r.each("start run", func(b storage.Backend) error { return b.StartRun(run) })
	case types.FleetCompleted:
		r.each("end run", func(b storage.Backend) error { return b.EndRun(payload.RunID, msg.Timestamp, payload) })
	case types.VehicleStatus:
		n := r.statuses[payload.Vehicle]
		r.statuses[payload.Vehicle] = n + 1
		if n%r.poseEvery != 0 {
			return
		}
		sample := storage.PoseSample{
			RunID:              r.runID,
			Vehicle:            payload.Vehicle,
			At:                 msg.Timestamp,
			Pose:               payload.Pose,
			Command:            payload.Command,
			WaypointIndex:      payload.WaypointIndex,
			TicksSinceProgress: payload.TicksSinceProgress,
			HasCollided:        payload.HasCollided,
		}
		r.each("record pose", func(b storage.Backend) error { return b.RecordPose(sample) })
	default:
		event := storage.Event{
			RunID:   r.runID,
			Vehicle: vehicleOf(msg.Message),
			Type:    msg.MessageType,
			At:      msg.Timestamp,
			Payload: msg.Message,
		}
		r.each("record event", func(b storage.Backend) error { return b.RecordEvent(event) })
	}
}

func (r *recorder) each(what string, fn func(storage.Backend) error) {
	for _, b := range r.backends {
		if err := fn(b); err != nil {
			r.log.Errorf("Failed to %s: %v", what, err)
		}
	}
}

func vehicleOf(payload interface{}) string {
	switch p := payload.(type) {
	case types.CommandIssued:
		return p.Vehicle
	case types.CommandFailed:
		return p.Vehicle
	case types.TelemetryFailed:
		return p.Vehicle
	case types.WaypointReached:
		return p.Vehicle
	case types.VehicleCompleted:
		return p.Vehicle
	}
	return ""
}
