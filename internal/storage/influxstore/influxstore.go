// Package influxstore writes run telemetry as InfluxDB points. When the
// server cannot be reached the points go to a gzipped line protocol file
// instead, so a run is never lost to an unavailable database.
package influxstore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const (
	BackupFileName = "fleet-influx-backup.lp.gz"

	measurementRun   = "fleet_run"
	measurementEvent = "fleet_event"
	measurementPose  = "vehicle_pose"
)

var _ storage.Backend = (*Backend)(nil)

type Config struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	BackupDir string
}

type pointWriter interface {
	WritePoint(point *influxdb2_write.Point)
	Flush()
}

type Backend struct {
	cfg    Config
	logger log.Logger

	client influxdb2.Client
	writer pointWriter

	backupFile *os.File
	backup     *gzip.Writer
}

func New(cfg Config, logger log.Logger) *Backend {
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) Init() error {
	b.client = influxdb2.NewClientWithOptions(
		b.cfg.URL,
		b.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	running, err := b.client.Ping(ctx)
	if err == nil && running {
		writeAPI := b.client.WriteAPI(b.cfg.Org, b.cfg.Bucket)
		go func(errorsCh <-chan error) {
			for writeErr := range errorsCh {
				b.logger.Errorf("InfluxDB write to %s failed: %v", b.cfg.Bucket, writeErr)
			}
		}(writeAPI.Errors())
		b.writer = writeAPI
		b.logger.Infof("InfluxDB client connected to %s", b.cfg.URL)
		return nil
	}

	if b.cfg.BackupDir == "" {
		b.client.Close()
		if err == nil {
			err = errors.New("server not ready")
		}
		return errors.Wrapf(err, "ping influxdb %s", b.cfg.URL)
	}

	path := filepath.Join(b.cfg.BackupDir, BackupFileName)
	b.logger.Warnf("InfluxDB unavailable at %s, writing points to %s", b.cfg.URL, path)
	file, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if ferr != nil {
		b.client.Close()
		return errors.Wrap(ferr, "create influx backup file")
	}
	b.backupFile = file
	b.backup = gzip.NewWriter(file)
	return nil
}

func (b *Backend) Close() error {
	if b.writer != nil {
		b.writer.Flush()
	}
	if b.client != nil {
		b.client.Close()
	}
	if b.backup != nil {
		if err := b.backup.Close(); err != nil {
			b.backupFile.Close()
			return errors.Wrap(err, "close influx backup")
		}
		return b.backupFile.Close()
	}
	return nil
}

func (b *Backend) write(point *influxdb2_write.Point) error {
	if b.writer != nil {
		b.writer.WritePoint(point)
		return nil
	}
	if b.backup == nil {
		return errors.New("influxdb backend not initialized")
	}
	line := strings.TrimSuffix(influxdb2_write.PointToLineProtocol(point, time.Nanosecond), "\n")
	if _, err := b.backup.Write([]byte(line + "\n")); err != nil {
		return errors.Wrap(err, "write influx backup")
	}
	return nil
}

func (b *Backend) StartRun(run storage.Run) error {
	p := influxdb2.NewPointWithMeasurement(measurementRun).
		AddTag("run", run.ID).
		AddTag("phase", "start").
		AddField("scenario", run.Scenario).
		AddField("vehicles", len(run.Vehicles)).
		SetTime(run.StartedAt)
	return b.write(p)
}

func (b *Backend) EndRun(runID string, endedAt time.Time, summary types.FleetCompleted) error {
	p := influxdb2.NewPointWithMeasurement(measurementRun).
		AddTag("run", runID).
		AddTag("phase", "end").
		AddField("ticks", summary.Ticks).
		AddField("stopped", summary.Stopped).
		AddField("error", summary.Error).
		SetTime(endedAt)
	return b.write(p)
}

func (b *Backend) RecordEvent(event storage.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", event.Type)
	}
	p := influxdb2.NewPointWithMeasurement(measurementEvent).
		AddTag("run", event.RunID).
		AddTag("type", event.Type).
		AddField("payload", string(payload)).
		SetTime(event.At)
	if event.Vehicle != "" {
		p.AddTag("vehicle", event.Vehicle)
	}
	return b.write(p)
}

func (b *Backend) RecordPose(s storage.PoseSample) error {
	p := influxdb2.NewPointWithMeasurement(measurementPose).
		AddTag("run", s.RunID).
		AddTag("vehicle", s.Vehicle).
		AddTag("command", s.Command).
		AddField("x", s.Pose.X).
		AddField("y", s.Pose.Y).
		AddField("z", s.Pose.Z).
		AddField("yaw", s.Pose.Yaw).
		AddField("waypoint_index", s.WaypointIndex).
		AddField("ticks_since_progress", s.TicksSinceProgress).
		AddField("collided", s.HasCollided).
		SetTime(s.At)
	return b.write(p)
}
