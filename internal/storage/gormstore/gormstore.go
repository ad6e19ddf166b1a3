// Package gormstore persists runs to SQLite or Postgres through GORM.
package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tiiuae/fleetcoordinator/internal/storage"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

var _ storage.Backend = (*Backend)(nil)

type PostgresConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// OpenSQLite opens a database file, or an in-memory database for ":memory:".
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite handle")
	}
	// One writer, and the same connection for every query on :memory:.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func OpenPostgres(cfg PostgresConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), gormConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "open postgres %s:%s/%s", cfg.Host, cfg.Port, cfg.Database)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres handle")
	}
	sqlDB.SetMaxOpenConns(10)
	return db, nil
}

type Backend struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Backend {
	return &Backend{db}
}

func (b *Backend) DB() *gorm.DB {
	return b.db
}

func (b *Backend) Init() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	if err := sqlDB.Ping(); err != nil {
		return errors.Wrap(err, "ping database")
	}
	if err := b.db.AutoMigrate(&RunRecord{}, &EventRecord{}, &PoseRecord{}); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) StartRun(run storage.Run) error {
	vehicles, err := json.Marshal(run.Vehicles)
	if err != nil {
		return errors.Wrap(err, "marshal vehicles")
	}
	rec := RunRecord{
		ID:        run.ID,
		Scenario:  run.Scenario,
		Vehicles:  datatypes.JSON(vehicles),
		StartedAt: run.StartedAt,
	}
	return errors.Wrapf(b.db.Create(&rec).Error, "insert run %s", run.ID)
}

func (b *Backend) EndRun(runID string, endedAt time.Time, summary types.FleetCompleted) error {
	res := b.db.Model(&RunRecord{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"ended_at": endedAt,
		"ticks":    summary.Ticks,
		"stopped":  summary.Stopped,
		"error":    summary.Error,
	})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "end run %s", runID)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("end run %s: no such run", runID)
	}
	return nil
}

func (b *Backend) RecordEvent(event storage.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", event.Type)
	}
	rec := EventRecord{
		RunID:   event.RunID,
		Vehicle: event.Vehicle,
		Type:    event.Type,
		At:      event.At,
		Payload: datatypes.JSON(payload),
	}
	return errors.Wrapf(b.db.Create(&rec).Error, "insert %s event", event.Type)
}

func (b *Backend) RecordPose(s storage.PoseSample) error {
	rec := PoseRecord{
		RunID:              s.RunID,
		Vehicle:            s.Vehicle,
		At:                 s.At,
		X:                  s.Pose.X,
		Y:                  s.Pose.Y,
		Z:                  s.Pose.Z,
		Roll:               s.Pose.Roll,
		Pitch:              s.Pose.Pitch,
		Yaw:                s.Pose.Yaw,
		Command:            s.Command,
		WaypointIndex:      s.WaypointIndex,
		TicksSinceProgress: s.TicksSinceProgress,
		HasCollided:        s.HasCollided,
	}
	return errors.Wrapf(b.db.Create(&rec).Error, "insert pose for %s", s.Vehicle)
}
