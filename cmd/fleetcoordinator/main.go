package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tiiuae/fleetcoordinator/internal/api"
	"github.com/tiiuae/fleetcoordinator/internal/config"
	"github.com/tiiuae/fleetcoordinator/internal/fleet"
	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/metrics"
	"github.com/tiiuae/fleetcoordinator/internal/mission"
	"github.com/tiiuae/fleetcoordinator/internal/recorder"
	"github.com/tiiuae/fleetcoordinator/internal/status"
	"github.com/tiiuae/fleetcoordinator/internal/telemetry"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const (
	busSize      = 1000
	flushTimeout = 5 * time.Second
)

var (
	defaultFlagSet = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	configPath     = defaultFlagSet.String("config", "", "Configuration file (YAML)")
	scenarioPath   = defaultFlagSet.String("scenario", "", "Scenario file, overrides the configured scenario")
)

func main() {
	if err := defaultFlagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetcoordinator: %v\n", err)
		os.Exit(1)
	}
	if *scenarioPath != "" {
		cfg.Scenario = *scenarioPath
	}

	logOpts := log.Options{Level: cfg.LogLevel, Dir: cfg.LogsDir}
	if cfg.Graylog.Enabled {
		logOpts.GraylogAddr = cfg.Graylog.Address
	}
	logger, err := log.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetcoordinator: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	// attach sigint & sigterm listeners
	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)

	// quitFunc will be called when the run is over
	ctx, quitFunc := context.WithCancel(context.Background())
	defer quitFunc()

	// wait group will make sure all goroutines have time to clean up
	var wg sync.WaitGroup

	f, err := loadFleet(cfg, logger)
	if err != nil {
		return err
	}

	conn, err := connectPort(ctx, &wg, cfg, f.names(), logger)
	if err != nil {
		return err
	}
	defer conn.close()

	mc, err := cfg.MissionConfig()
	if err != nil {
		return err
	}
	machine, err := mission.New(mc, conn.port, logger)
	if err != nil {
		return err
	}
	instruments, err := metrics.NewGlobal()
	if err != nil {
		return err
	}

	coordinator := fleet.NewCoordinator(cfg.FleetConfig(), f.vehicles, conn.port, machine,
		fleet.WithLogger(logger),
		fleet.WithMetrics(instruments))

	board := status.NewBoard()
	handlers := []types.MessageHandler{
		types.NewLogger(logger),
		coordinator,
		board,
	}

	if cfg.API.Enabled {
		handlers = append(handlers, api.NewServer(cfg.API.Address, board, logger))
	}

	if cfg.Telemetry.Enabled {
		publisher, err := conn.publisher(cfg, logger)
		if err != nil {
			return err
		}
		origin := newOrigin(cfg)
		handlers = append(handlers, telemetry.New(publisher, cfg.Telemetry.Topic, cfg.Telemetry.Interval, origin, f.homes(), logger))
	}

	backends, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range backends {
			if err := b.Close(); err != nil {
				logger.Warnf("Closing storage: %v", err)
			}
		}
	}()
	if len(backends) > 0 {
		handlers = append(handlers, recorder.New(f.scenario, cfg.Storage.PoseEvery, logger, backends...))
	}

	bus := types.NewMessageBus(make(chan types.Message, busSize), logger, handlers...)
	go bus.Run(ctx, &wg)

	// A signal stops the mission; the vehicles still go home and land.
	select {
	case <-coordinator.Done():
	case <-terminationSignals:
		logger.Infof("Stopping run %s, returning vehicles home..", coordinator.RunID())
		coordinator.Stop()
		<-coordinator.Done()
	}

	result, runErr := coordinator.Result()
	logger.Infof("Run %s finished after %d ticks, %d vehicles completed", result.RunID, result.Ticks, len(result.Completed))

	// hand the final statuses and the run summary to the receivers
	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	if err := bus.Flush(flushCtx); err != nil {
		logger.Warnf("Message bus not flushed: %v", err)
	}
	flushCancel()

	// cancel the main context
	logger.Infof("Shutting down..")
	quitFunc()

	// wait until goroutines have done their cleanup
	logger.Infof("Waiting for routines to finish..")
	wg.Wait()
	logger.Infof("Signing off - BYE")

	if runErr != nil && !isStop(runErr) {
		return runErr
	}
	return nil
}
