// Package metrics exports coordinator loop instruments through OpenTelemetry.
package metrics

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tiiuae/fleetcoordinator/internal/metrics"

type Metrics struct {
	ticks     metric.Int64Counter
	commands  metric.Int64Counter
	transient metric.Int64Counter
	waypoints metric.Int64Counter
	stall     metric.Int64ObservableGauge

	mu       sync.Mutex
	progress map[string]int64
}

// NewGlobal registers the instruments on the global meter provider.
func NewGlobal() (*Metrics, error) {
	return New(otel.Meter(instrumentationName))
}

func New(m metric.Meter) (*Metrics, error) {
	x := &Metrics{progress: make(map[string]int64)}

	var err error
	x.ticks, err = m.Int64Counter(
		"fleet.ticks",
		metric.WithDescription("Coordinator loop iterations"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "fleet.ticks")
	}

	x.commands, err = m.Int64Counter(
		"fleet.commands",
		metric.WithDescription("Commands dispatched to vehicles"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "fleet.commands")
	}

	x.transient, err = m.Int64Counter(
		"fleet.transient_errors",
		metric.WithDescription("Telemetry and command failures that did not stop the run"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "fleet.transient_errors")
	}

	x.waypoints, err = m.Int64Counter(
		"fleet.waypoints_reached",
		metric.WithDescription("Waypoints reached"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "fleet.waypoints_reached")
	}

	x.stall, err = m.Int64ObservableGauge(
		"fleet.vehicle.ticks_since_progress",
		metric.WithDescription("Ticks since a vehicle last changed command or waypoint"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "fleet.vehicle.ticks_since_progress")
	}

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for vehicle, ticks := range x.Snapshot() {
			o.ObserveInt64(x.stall, ticks, metric.WithAttributes(attribute.String("vehicle", vehicle)))
		}
		return nil
	}, x.stall)
	if err != nil {
		return nil, errors.Wrap(err, "register stall callback")
	}

	return x, nil
}

func (x *Metrics) Tick(ctx context.Context) {
	x.ticks.Add(ctx, 1)
}

func (x *Metrics) CommandIssued(ctx context.Context, vehicle, command string) {
	x.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vehicle", vehicle),
		attribute.String("command", command),
	))
}

func (x *Metrics) TransientError(ctx context.Context, vehicle, kind string) {
	x.transient.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vehicle", vehicle),
		attribute.String("kind", kind),
	))
}

func (x *Metrics) WaypointReached(ctx context.Context, vehicle string) {
	x.waypoints.Add(ctx, 1, metric.WithAttributes(attribute.String("vehicle", vehicle)))
}

func (x *Metrics) Progress(ctx context.Context, vehicle string, ticksSinceProgress int) {
	x.mu.Lock()
	x.progress[vehicle] = int64(ticksSinceProgress)
	x.mu.Unlock()
}

// Snapshot returns the last reported ticks-since-progress per vehicle.
func (x *Metrics) Snapshot() map[string]int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]int64, len(x.progress))
	for k, v := range x.progress {
		out[k] = v
	}
	return out
}
