package influxstore

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

type fakeWriter struct {
	points  []*influxdb2_write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *influxdb2_write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                              { f.flushed++ }

func TestPointsGoToWriter(t *testing.T) {
	w := &fakeWriter{}
	b := &Backend{cfg: Config{Bucket: "fleet"}, logger: log.Discard(), writer: w}
	at := time.Unix(1700000000, 0)

	require.NoError(t, b.StartRun(storage.Run{ID: "r1", Scenario: "demo", Vehicles: []string{"UAV_1"}, StartedAt: at}))
	require.NoError(t, b.RecordPose(storage.PoseSample{
		RunID: "r1", Vehicle: "UAV_1", At: at, Command: "move-to-position",
		Pose: types.Pose{X: 1, Y: 2, Z: -3, Yaw: 90}, WaypointIndex: 1,
	}))
	require.NoError(t, b.RecordEvent(storage.Event{RunID: "r1", Vehicle: "UAV_1", Type: types.MessageTypeVehicleCompleted, At: at}))
	require.NoError(t, b.EndRun("r1", at, types.FleetCompleted{RunID: "r1", Ticks: 12}))
	require.NoError(t, b.Close())

	require.Len(t, w.points, 4)
	assert.Equal(t, 1, w.flushed)

	pose := influxdb2_write.PointToLineProtocol(w.points[1], time.Nanosecond)
	assert.True(t, strings.HasPrefix(pose, "vehicle_pose,"), pose)
	assert.Contains(t, pose, "vehicle=UAV_1")
	assert.Contains(t, pose, "yaw=90")

	event := influxdb2_write.PointToLineProtocol(w.points[2], time.Nanosecond)
	assert.Contains(t, event, "type=vehicle-completed")
}

func TestUninitializedBackendFails(t *testing.T) {
	b := New(Config{}, log.Discard())
	assert.Error(t, b.RecordPose(storage.PoseSample{RunID: "r1", Vehicle: "UAV_1"}))
}

func TestUnreachableServerWritesBackup(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{URL: "http://127.0.0.1:1", Org: "fleet", Bucket: "fleet", BackupDir: dir}, log.Discard())
	require.NoError(t, b.Init())

	at := time.Unix(1700000000, 0)
	require.NoError(t, b.RecordPose(storage.PoseSample{RunID: "r1", Vehicle: "UAV_2", At: at, Pose: types.Pose{X: 4}}))
	require.NoError(t, b.Close())

	f, err := os.Open(filepath.Join(dir, BackupFileName))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), "vehicle_pose,")
	assert.Contains(t, string(data), "vehicle=UAV_2")
}

func TestUnreachableServerWithoutBackupFails(t *testing.T) {
	b := New(Config{URL: "http://127.0.0.1:1"}, log.Discard())
	assert.Error(t, b.Init())
}
