package fleet

import "context"

// Metrics receives loop instrumentation. internal/metrics provides the
// OpenTelemetry implementation.
type Metrics interface {
	Tick(ctx context.Context)
	CommandIssued(ctx context.Context, vehicle, command string)
	TransientError(ctx context.Context, vehicle, kind string)
	WaypointReached(ctx context.Context, vehicle string)
	Progress(ctx context.Context, vehicle string, ticksSinceProgress int)
}

type nopMetrics struct{}

func (nopMetrics) Tick(context.Context)                          {}
func (nopMetrics) CommandIssued(context.Context, string, string)  {}
func (nopMetrics) TransientError(context.Context, string, string) {}
func (nopMetrics) WaypointReached(context.Context, string)        {}
func (nopMetrics) Progress(context.Context, string, int)          {}
