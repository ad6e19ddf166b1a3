package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/storage/gormstore"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

type memoryBackend struct {
	mu     sync.Mutex
	runs   []storage.Run
	ended  []types.FleetCompleted
	events []storage.Event
	poses  []storage.PoseSample
}

func (m *memoryBackend) Init() error  { return nil }
func (m *memoryBackend) Close() error { return nil }
func (m *memoryBackend) StartRun(run storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}
func (m *memoryBackend) EndRun(runID string, endedAt time.Time, summary types.FleetCompleted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, summary)
	return nil
}
func (m *memoryBackend) RecordEvent(e storage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}
func (m *memoryBackend) RecordPose(s storage.PoseSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poses = append(m.poses, s)
	return nil
}

func (m *memoryBackend) counts() (int, int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs), len(m.ended), len(m.events), len(m.poses)
}

func status(name string, idx int) types.Message {
	return types.CreateMessage(types.MessageTypeVehicleStatus, "coordinator", "*",
		types.VehicleStatus{Vehicle: name, WaypointIndex: idx})
}

func feed(t *testing.T, h types.MessageHandler, msgs ...types.Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	go h.Run(ctx, &wg, func(types.Message) {})
	for _, m := range msgs {
		h.Receive(m)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
}

func TestRecordsRunEventsAndSampledPoses(t *testing.T) {
	mem := &memoryBackend{}
	h := New("demo", 3, log.Discard(), mem)

	msgs := []types.Message{
		types.CreateMessage(types.MessageTypeRunStarted, "coordinator", "*", types.RunStarted{RunID: "r1", Vehicles: []string{"UAV_1"}}),
		types.CreateMessage(types.MessageTypeWaypointReached, "coordinator", "*", types.WaypointReached{Vehicle: "UAV_1", Index: 0}),
	}
	for i := 0; i < 7; i++ {
		msgs = append(msgs, status("UAV_1", i))
	}
	msgs = append(msgs,
		types.CreateMessage(types.MessageTypeStopRequested, "api", "*", types.StopRequested{Reason: "test"}),
		types.CreateMessage(types.MessageTypeFleetCompleted, "coordinator", "*", types.FleetCompleted{RunID: "r1", Ticks: 7}),
	)
	feed(t, h, msgs...)

	runs, ended, events, poses := mem.counts()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, ended)
	require.Equal(t, 1, events)
	assert.Equal(t, "UAV_1", mem.events[0].Vehicle)
	assert.Equal(t, "r1", mem.events[0].RunID)
	// statuses 0, 3 and 6
	require.Equal(t, 3, poses)
	assert.Equal(t, 3, mem.poses[1].WaypointIndex)
	assert.Equal(t, "demo", mem.runs[0].Scenario)
}

func TestRecordsToSQLite(t *testing.T) {
	db, err := gormstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	backend := gormstore.New(db)
	require.NoError(t, backend.Init())
	defer backend.Close()

	h := New("demo", 1, log.Discard(), backend)
	feed(t, h,
		types.CreateMessage(types.MessageTypeRunStarted, "coordinator", "*", types.RunStarted{RunID: "r2", Vehicles: []string{"UAV_1", "UAV_2"}}),
		status("UAV_1", 0),
		status("UAV_2", 0),
		types.CreateMessage(types.MessageTypeVehicleCompleted, "coordinator", "*", types.VehicleCompleted{Vehicle: "UAV_2"}),
		types.CreateMessage(types.MessageTypeFleetCompleted, "coordinator", "*", types.FleetCompleted{RunID: "r2", Ticks: 1}),
	)

	var poses int64
	require.NoError(t, db.Model(&gormstore.PoseRecord{}).Where("run_id = ?", "r2").Count(&poses).Error)
	assert.EqualValues(t, 2, poses)

	var run gormstore.RunRecord
	require.NoError(t, db.First(&run, "id = ?", "r2").Error)
	assert.Equal(t, 1, run.Ticks)
	assert.NotNil(t, run.EndedAt)
}
