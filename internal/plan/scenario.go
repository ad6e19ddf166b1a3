package plan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const (
	FrameWorld = "world"
	FrameBody  = "body"
)

// Scenario describes the fleet and what every vehicle flies.
type Scenario struct {
	Name     string            `yaml:"name"`
	Frame    string            `yaml:"frame"`
	Vehicles []ScenarioVehicle `yaml:"vehicles"`
}

type ScenarioVehicle struct {
	Name       string        `yaml:"name"`
	Spawn      *types.Pose   `yaml:"spawn"`
	Waypoints  []types.Point `yaml:"waypoints"`
	TaskPoints []int         `yaml:"taskPoints"`
}

// LoadScenario reads a YAML or JSON scenario. Vehicles without a spawn pose
// get the default grid position for their slot. Body-frame waypoints are
// converted to world frame by adding the spawn position.
func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read scenario")
	}

	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "parse scenario %s", path)
	}

	switch s.Frame {
	case "", FrameWorld:
		s.Frame = FrameWorld
	case FrameBody:
	default:
		return nil, errors.Errorf("scenario %s: unknown frame '%s'", path, s.Frame)
	}

	grid := DefaultSpawn(len(s.Vehicles))
	for i := range s.Vehicles {
		v := &s.Vehicles[i]
		if v.Name == "" {
			v.Name = fmt.Sprintf("UAV_%d", i+1)
		}
		if v.Spawn == nil {
			spawn := grid[i]
			v.Spawn = &spawn
		}
		if s.Frame == FrameBody {
			origin := v.Spawn.Position()
			for j := range v.Waypoints {
				v.Waypoints[j] = v.Waypoints[j].Add(origin)
			}
		}
	}
	s.Frame = FrameWorld

	return &s, nil
}

// Plans maps vehicle names to world-frame plans.
func (s *Scenario) Plans() map[string]Plan {
	plans := make(map[string]Plan, len(s.Vehicles))
	for _, v := range s.Vehicles {
		plans[v.Name] = Plan{Waypoints: v.Waypoints, TaskPoints: v.TaskPoints}
	}
	return plans
}

// DefaultSpawn lays vehicles out five per row with 5 m spacing.
func DefaultSpawn(n int) []types.Pose {
	poses := make([]types.Pose, n)
	for u := 0; u < n; u++ {
		poses[u] = types.Pose{X: float64(5 * (u / 5)), Y: float64(5 * (u % 5))}
	}
	return poses
}

// LoadFlightPath reads flightpath-<name>.json from dir and falls back to the
// shared flightpath.json.
func LoadFlightPath(dir, name string) (Plan, error) {
	p, err := loadFlightPathFile(filepath.Join(dir, fmt.Sprintf("flightpath-%s.json", name)))
	if err != nil {
		return loadFlightPathFile(filepath.Join(dir, "flightpath.json"))
	}
	return p, nil
}

func loadFlightPathFile(filename string) (Plan, error) {
	text, err := os.ReadFile(filename)
	if err != nil {
		return Plan{}, err
	}

	var p Plan
	if err := yaml.Unmarshal(text, &p); err != nil {
		return Plan{}, errors.Wrapf(err, "parse flight path %s", filename)
	}
	return p, nil
}
