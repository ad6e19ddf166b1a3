// Package config loads the coordinator configuration from a YAML file,
// FLEET_* environment variables and built-in defaults.
package config

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tiiuae/fleetcoordinator/internal/fleet"
	"github.com/tiiuae/fleetcoordinator/internal/mission"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel      string `mapstructure:"logLevel"`
	LogsDir       string `mapstructure:"logsDir"`
	Scenario      string `mapstructure:"scenario"`
	FlightPathDir string `mapstructure:"flightPathDir"`

	Graylog   Graylog   `mapstructure:"graylog"`
	Mission   Mission   `mapstructure:"mission"`
	Fleet     Fleet     `mapstructure:"fleet"`
	Simulator Simulator `mapstructure:"simulator"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Geo       Geo       `mapstructure:"geo"`
	Storage   Storage   `mapstructure:"storage"`
	Influx    Influx    `mapstructure:"influx"`
	API       API       `mapstructure:"api"`
}

type Graylog struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type Mission struct {
	TaskpointHoverTime time.Duration `mapstructure:"taskpointHoverTime"`
	DistErrTol         float64       `mapstructure:"distErrTol"`
	AngleErrTol        float64       `mapstructure:"angleErrTol"`
	MaxVel             float64       `mapstructure:"maxVel"`
	MinVel             float64       `mapstructure:"minVel"`
	KpVel              float64       `mapstructure:"kpVel"`
	CompletionRule     string        `mapstructure:"completionRule"`
}

type Fleet struct {
	Vehicles      int           `mapstructure:"vehicles"`
	TickInterval  time.Duration `mapstructure:"tickInterval"`
	TakeoffSettle time.Duration `mapstructure:"takeoffSettle"`
	GoHomeSettle  time.Duration `mapstructure:"goHomeSettle"`
	RotateSettle  time.Duration `mapstructure:"rotateSettle"`
	LandSettle    time.Duration `mapstructure:"landSettle"`
	DisarmSettle  time.Duration `mapstructure:"disarmSettle"`
	LandTimeout   time.Duration `mapstructure:"landTimeout"`
	// Zero means no timeout.
	GoHomeTimeout time.Duration `mapstructure:"goHomeTimeout"`
}

type Simulator struct {
	Type            string  `mapstructure:"type"`
	TickHz          float64 `mapstructure:"tickHz"`
	TakeoffAltitude float64 `mapstructure:"takeoffAltitude"`
}

type MQTT struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"clientId"`
	Username    string        `mapstructure:"username"`
	TopicPrefix string        `mapstructure:"topicPrefix"`
	QoS         byte          `mapstructure:"qos"`
	StaleAfter  time.Duration `mapstructure:"staleAfter"`
	JWT         JWT           `mapstructure:"jwt"`
}

type JWT struct {
	PrivateKeyFile string        `mapstructure:"privateKeyFile"`
	Algorithm      string        `mapstructure:"algorithm"`
	Audience       string        `mapstructure:"audience"`
	TTL            time.Duration `mapstructure:"ttl"`
}

type Telemetry struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Topic    string        `mapstructure:"topic"`
}

type Geo struct {
	OriginLat float64 `mapstructure:"originLat"`
	OriginLon float64 `mapstructure:"originLon"`
	OriginAlt float64 `mapstructure:"originAlt"`
}

type Storage struct {
	Type       string   `mapstructure:"type"`
	SQLitePath string   `mapstructure:"sqlitePath"`
	PoseEvery  int      `mapstructure:"poseEvery"`
	Postgres   Postgres `mapstructure:"postgres"`
}

type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslMode"`
}

type Influx struct {
	Enabled   bool   `mapstructure:"enabled"`
	Protocol  string `mapstructure:"protocol"`
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	Token     string `mapstructure:"token"`
	Org       string `mapstructure:"org"`
	Bucket    string `mapstructure:"bucket"`
	BackupDir string `mapstructure:"backupDir"`
}

type API struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logsDir", "./logs")
	v.SetDefault("scenario", "")
	v.SetDefault("flightPathDir", ".")

	v.SetDefault("graylog.enabled", false)
	v.SetDefault("graylog.address", "localhost:12201")

	v.SetDefault("mission.taskpointHoverTime", "0s")
	v.SetDefault("mission.distErrTol", 2.0)
	v.SetDefault("mission.angleErrTol", 10.0)
	v.SetDefault("mission.maxVel", 5.0)
	v.SetDefault("mission.minVel", 0.1)
	v.SetDefault("mission.kpVel", 0.5)
	v.SetDefault("mission.completionRule", string(mission.CompletionFollowing))

	v.SetDefault("fleet.vehicles", 2)
	v.SetDefault("fleet.tickInterval", "100ms")
	v.SetDefault("fleet.takeoffSettle", "2s")
	v.SetDefault("fleet.goHomeSettle", "10s")
	v.SetDefault("fleet.rotateSettle", "2s")
	v.SetDefault("fleet.landSettle", "3s")
	v.SetDefault("fleet.disarmSettle", "0s")
	v.SetDefault("fleet.landTimeout", "600s")
	v.SetDefault("fleet.goHomeTimeout", "0s")

	v.SetDefault("simulator.type", "sim")
	v.SetDefault("simulator.tickHz", 50.0)
	v.SetDefault("simulator.takeoffAltitude", 3.0)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientId", "fleetcoordinator")
	v.SetDefault("mqtt.username", "unused")
	v.SetDefault("mqtt.topicPrefix", "airsim")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.staleAfter", "1s")
	v.SetDefault("mqtt.jwt.privateKeyFile", "")
	v.SetDefault("mqtt.jwt.algorithm", "RS256")
	v.SetDefault("mqtt.jwt.audience", "")
	v.SetDefault("mqtt.jwt.ttl", "24h")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.interval", "100ms")
	v.SetDefault("telemetry.topic", "fleet/telemetry")

	v.SetDefault("geo.originLat", 51.4545)
	v.SetDefault("geo.originLon", -2.5879)
	v.SetDefault("geo.originAlt", 0.0)

	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.sqlitePath", "fleet.db")
	v.SetDefault("storage.poseEvery", 10)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.username", "postgres")
	v.SetDefault("storage.postgres.password", "postgres")
	v.SetDefault("storage.postgres.database", "fleet")
	v.SetDefault("storage.postgres.sslMode", "disable")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.protocol", "http")
	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", "8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "fleet")
	v.SetDefault("influx.bucket", "fleet")
	v.SetDefault("influx.backupDir", "")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.address", ":8080")
}

// Load reads path when it is not empty. Every key can be overridden from the
// environment, e.g. FLEET_MISSION_DISTERRTOL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WithMessage(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.MissionConfig(); err != nil {
		return err
	}
	if c.Fleet.TickInterval <= 0 {
		return errors.Wrapf(ErrInvalid, "fleet.tickInterval must be positive, got %v", c.Fleet.TickInterval)
	}
	if c.Fleet.Vehicles < 0 {
		return errors.Wrapf(ErrInvalid, "fleet.vehicles must not be negative, got %d", c.Fleet.Vehicles)
	}
	switch c.Simulator.Type {
	case "sim", "mqtt":
	default:
		return errors.Wrapf(ErrInvalid, "unknown simulator.type '%s'", c.Simulator.Type)
	}
	switch c.Storage.Type {
	case "none", "sqlite", "postgres":
	default:
		return errors.Wrapf(ErrInvalid, "unknown storage.type '%s'", c.Storage.Type)
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		return errors.Wrapf(ErrInvalid, "telemetry.interval must be positive, got %v", c.Telemetry.Interval)
	}
	return nil
}

func (c *Config) MissionConfig() (mission.Config, error) {
	mc := mission.Config{
		TaskpointHoverTime: c.Mission.TaskpointHoverTime,
		DistErrTol:         c.Mission.DistErrTol,
		AngleErrTol:        c.Mission.AngleErrTol,
		MaxVel:             c.Mission.MaxVel,
		MinVel:             c.Mission.MinVel,
		KpVel:              c.Mission.KpVel,
		CompletionRule:     mission.CompletionRule(c.Mission.CompletionRule),
	}
	return mc, mc.Validate()
}

func (c *Config) FleetConfig() fleet.Config {
	goHome := c.Fleet.GoHomeTimeout
	if goHome <= 0 {
		goHome = time.Duration(math.MaxInt64)
	}
	return fleet.Config{
		TickInterval:  c.Fleet.TickInterval,
		TakeoffSettle: c.Fleet.TakeoffSettle,
		GoHomeSettle:  c.Fleet.GoHomeSettle,
		RotateSettle:  c.Fleet.RotateSettle,
		LandSettle:    c.Fleet.LandSettle,
		DisarmSettle:  c.Fleet.DisarmSettle,
		LandTimeout:   c.Fleet.LandTimeout,
		GoHomeTimeout: goHome,
	}
}
