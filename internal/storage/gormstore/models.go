package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

type RunRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Scenario  string
	Vehicles  datatypes.JSON
	StartedAt time.Time
	EndedAt   *time.Time
	Ticks     int
	Stopped   bool
	Error     string
}

func (RunRecord) TableName() string { return "runs" }

type EventRecord struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	RunID   string `gorm:"index;size:64"`
	Vehicle string `gorm:"index;size:64"`
	Type    string `gorm:"size:64"`
	At      time.Time
	Payload datatypes.JSON
}

func (EventRecord) TableName() string { return "events" }

type PoseRecord struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	RunID              string `gorm:"index;size:64"`
	Vehicle            string `gorm:"index;size:64"`
	At                 time.Time
	X                  float64
	Y                  float64
	Z                  float64
	Roll               float64
	Pitch              float64
	Yaw                float64
	Command            string `gorm:"size:32"`
	WaypointIndex      int
	TicksSinceProgress int
	HasCollided        bool
}

func (PoseRecord) TableName() string { return "poses" }
