// Package status keeps the latest snapshot of the fleet for readers outside
// the coordinating goroutine.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

type Fleet struct {
	RunID     string                `json:"run_id"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	Running   bool                  `json:"running"`
	Result    *types.FleetCompleted `json:"result,omitempty"`
	Vehicles  []types.VehicleStatus `json:"vehicles"`
}

// Board is a bus handler that caches the most recent VehicleStatus per
// vehicle and the run lifecycle.
type Board struct {
	mu        sync.RWMutex
	runID     string
	startedAt *time.Time
	result    *types.FleetCompleted
	order     []string
	vehicles  map[string]types.VehicleStatus
}

func NewBoard() *Board {
	return &Board{vehicles: make(map[string]types.VehicleStatus)}
}

func (b *Board) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	defer wg.Done()
	<-ctx.Done()
}

func (b *Board) Receive(message types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch payload := message.Message.(type) {
	case types.RunStarted:
		started := message.Timestamp
		b.runID = payload.RunID
		b.startedAt = &started
		b.result = nil
		b.order = append([]string(nil), payload.Vehicles...)
		b.vehicles = make(map[string]types.VehicleStatus, len(payload.Vehicles))
	case types.VehicleStatus:
		if _, ok := b.vehicles[payload.Vehicle]; !ok && !contains(b.order, payload.Vehicle) {
			b.order = append(b.order, payload.Vehicle)
		}
		b.vehicles[payload.Vehicle] = payload
	case types.FleetCompleted:
		result := payload
		b.result = &result
	}
}

func (b *Board) Snapshot() Fleet {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f := Fleet{
		RunID:     b.runID,
		StartedAt: b.startedAt,
		Running:   b.startedAt != nil && b.result == nil,
		Result:    b.result,
		Vehicles:  make([]types.VehicleStatus, 0, len(b.order)),
	}
	for _, name := range b.order {
		if s, ok := b.vehicles[name]; ok {
			f.Vehicles = append(f.Vehicles, s)
		}
	}
	return f
}

func (b *Board) Vehicle(name string) (types.VehicleStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.vehicles[name]
	return s, ok
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
