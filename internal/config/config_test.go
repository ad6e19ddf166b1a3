package config

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleetcoordinator/internal/fleet"
	"github.com/tiiuae/fleetcoordinator/internal/mission"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Fleet.TickInterval)
	assert.Equal(t, 600*time.Second, cfg.Fleet.LandTimeout)
	assert.Equal(t, "sim", cfg.Simulator.Type)

	mc, err := cfg.MissionConfig()
	require.NoError(t, err)
	assert.Equal(t, mission.DefaultConfig(), mc)

	fc := cfg.FleetConfig()
	assert.Equal(t, time.Duration(math.MaxInt64), fc.GoHomeTimeout)
	assert.Equal(t, 10*time.Second, fc.GoHomeSettle)
	assert.Equal(t, fleet.DefaultConfig().TakeoffSettle, fc.TakeoffSettle)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load("testdata/fleet.yaml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Fleet.Vehicles)
	assert.Equal(t, 50*time.Millisecond, cfg.Fleet.TickInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Type)

	mc, err := cfg.MissionConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, mc.TaskpointHoverTime)
	assert.Equal(t, mission.CompletionVisiting, mc.CompletionRule)
	assert.Equal(t, mission.MinDistErrTol, mc.EffectiveDistErrTol())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLEET_FLEET_VEHICLES", "7")
	t.Setenv("FLEET_MISSION_KPVEL", "0.8")

	cfg, err := Load("testdata/fleet.yaml")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Fleet.Vehicles)
	assert.Equal(t, 0.8, cfg.Mission.KpVel)
}

func TestInvalid(t *testing.T) {
	_, err := Load("testdata/bad.yaml")
	assert.True(t, errors.Is(err, mission.ErrInvalidConfig))

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Storage.Type = "mongo"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalid))
}
