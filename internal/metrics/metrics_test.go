package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tiiuae/fleetcoordinator/internal/fleet"
)

var _ fleet.Metrics = (*Metrics)(nil)

func TestInstrumentsRecord(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Tick(ctx)
	m.CommandIssued(ctx, "UAV_1", "hover")
	m.TransientError(ctx, "UAV_1", "telemetry")
	m.WaypointReached(ctx, "UAV_1")
	m.Progress(ctx, "UAV_1", 4)
	m.Progress(ctx, "UAV_2", 1)
	m.Progress(ctx, "UAV_1", 0)

	assert.Equal(t, map[string]int64{"UAV_1": 0, "UAV_2": 1}, m.Snapshot())
}

func TestNewGlobal(t *testing.T) {
	m, err := NewGlobal()
	require.NoError(t, err)
	m.Tick(context.Background())
}
