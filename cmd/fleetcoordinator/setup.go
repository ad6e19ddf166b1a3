package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/config"
	"github.com/tiiuae/fleetcoordinator/internal/fleet"
	"github.com/tiiuae/fleetcoordinator/internal/geo"
	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/mqttport"
	"github.com/tiiuae/fleetcoordinator/internal/plan"
	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/sim"
	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/storage/gormstore"
	"github.com/tiiuae/fleetcoordinator/internal/storage/influxstore"
	"github.com/tiiuae/fleetcoordinator/internal/telemetry"
	"github.com/tiiuae/fleetcoordinator/internal/types"
	"github.com/tiiuae/fleetcoordinator/internal/vehicle"
)

type fleetSetup struct {
	scenario string
	vehicles []*vehicle.Vehicle
}

func (f fleetSetup) names() []string {
	names := make([]string, len(f.vehicles))
	for i, v := range f.vehicles {
		names[i] = v.Name()
	}
	return names
}

func (f fleetSetup) homes() map[string]types.Point {
	homes := make(map[string]types.Point, len(f.vehicles))
	for _, v := range f.vehicles {
		homes[v.Name()] = v.InitialPose().Position()
	}
	return homes
}

// loadFleet spawns the vehicles of the configured scenario, or the default
// grid with per-vehicle flight path files when no scenario is set.
func loadFleet(cfg *config.Config, logger log.Logger) (fleetSetup, error) {
	var (
		f     fleetSetup
		plans = make(map[string]plan.Plan)
	)

	if cfg.Scenario != "" {
		s, err := plan.LoadScenario(cfg.Scenario)
		if err != nil {
			return f, err
		}
		f.scenario = s.Name
		if f.scenario == "" {
			f.scenario = strings.TrimSuffix(filepath.Base(cfg.Scenario), filepath.Ext(cfg.Scenario))
		}
		for i, sv := range s.Vehicles {
			f.vehicles = append(f.vehicles, vehicle.New(i+1, sv.Name, *sv.Spawn))
		}
		plans = s.Plans()
	} else {
		f.scenario = "flightpath"
		for i, spawn := range plan.DefaultSpawn(cfg.Fleet.Vehicles) {
			name := fmt.Sprintf("UAV_%d", i+1)
			f.vehicles = append(f.vehicles, vehicle.New(i+1, name, spawn))
			p, err := plan.LoadFlightPath(cfg.FlightPathDir, name)
			if err != nil {
				logger.Warnf("No flight path for %s: %v", name, err)
				continue
			}
			plans[name] = p
		}
	}

	if len(f.vehicles) == 0 {
		return f, errors.New("no vehicles to fly")
	}

	for name, err := range fleet.AssignPlans(f.vehicles, plans) {
		logger.Errorf("Plan for %s rejected: %v", name, err)
	}
	for _, v := range f.vehicles {
		describePlan(logger, v)
	}
	return f, nil
}

func describePlan(logger log.Logger, v *vehicle.Vehicle) {
	path, err := geo.NewPath(v.Waypoints())
	if err != nil {
		logger.Warnf("Plan for %s: %v", v.Name(), err)
		return
	}
	if path.Empty() {
		logger.Infof("Plan for %s: no waypoints", v.Name())
		return
	}
	logger.WithField("vehicle", v.Name()).Infof("Plan %.1f m: %s", path.Length(), path.WKT())
}

type connection struct {
	port   port.Port
	client mqtt.Client
}

func (c *connection) close() {
	if c.client != nil {
		c.client.Disconnect(1000)
	}
}

// publisher returns the port's MQTT client, or a new one when vehicles run
// in the built-in simulator.
func (c *connection) publisher(cfg *config.Config, logger log.Logger) (telemetry.Publisher, error) {
	if c.client == nil {
		client, err := mqttport.NewClient(clientConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		c.client = client
	}
	return c.client, nil
}

func clientConfig(cfg *config.Config) mqttport.ClientConfig {
	return mqttport.ClientConfig{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		PrivateKeyFile: cfg.MQTT.JWT.PrivateKeyFile,
		Algorithm:      cfg.MQTT.JWT.Algorithm,
		Audience:       cfg.MQTT.JWT.Audience,
		TTL:            cfg.MQTT.JWT.TTL,
	}
}

func connectPort(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, names []string, logger log.Logger) (*connection, error) {
	switch cfg.Simulator.Type {
	case "mqtt":
		client, err := mqttport.NewClient(clientConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		p := mqttport.New(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, cfg.MQTT.StaleAfter, logger)
		if err := p.Start(); err != nil {
			client.Disconnect(1000)
			return nil, err
		}
		return &connection{port: p, client: client}, nil
	default:
		sc := sim.DefaultConfig()
		sc.TickHz = cfg.Simulator.TickHz
		sc.TakeoffAltitude = cfg.Simulator.TakeoffAltitude
		s := sim.New(sc, names...)
		go s.Run(ctx, wg)
		logger.Infof("Simulating %d vehicles at %.0f Hz", len(names), sc.TickHz)
		return &connection{port: s}, nil
	}
}

func newOrigin(cfg *config.Config) *geo.Origin {
	return geo.NewOrigin(cfg.Geo.OriginLat, cfg.Geo.OriginLon, cfg.Geo.OriginAlt)
}

func openBackends(cfg *config.Config, logger log.Logger) ([]storage.Backend, error) {
	var backends []storage.Backend

	switch cfg.Storage.Type {
	case "sqlite":
		db, err := gormstore.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		backends = append(backends, gormstore.New(db))
	case "postgres":
		pg := cfg.Storage.Postgres
		db, err := gormstore.OpenPostgres(gormstore.PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			Username: pg.Username,
			Password: pg.Password,
			Database: pg.Database,
			SSLMode:  pg.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, gormstore.New(db))
	}

	if cfg.Influx.Enabled {
		backends = append(backends, influxstore.New(influxstore.Config{
			URL:       fmt.Sprintf("%s://%s:%s", cfg.Influx.Protocol, cfg.Influx.Host, cfg.Influx.Port),
			Token:     cfg.Influx.Token,
			Org:       cfg.Influx.Org,
			Bucket:    cfg.Influx.Bucket,
			BackupDir: cfg.Influx.BackupDir,
		}, logger))
	}

	for i, b := range backends {
		if err := b.Init(); err != nil {
			for _, opened := range backends[:i] {
				opened.Close()
			}
			return nil, errors.WithMessage(err, "storage")
		}
	}
	return backends, nil
}

func isStop(err error) bool {
	return errors.Is(err, fleet.ErrStopped) || errors.Is(err, context.Canceled)
}

