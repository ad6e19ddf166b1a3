// Package telemetry publishes fleet status to MQTT ten times a second.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tiiuae/fleetcoordinator/internal/geo"
	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const (
	qos    = 1
	retain = false
)

type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Telemetry struct {
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
	Vehicle   string `json:"vehicle"`

	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	Heading          float64 `json:"heading"`
	AltitudeFromHome float64 `json:"altitude_from_home"`
	DistanceFromHome float64 `json:"distance_from_home"`

	Command            string `json:"command"`
	WaypointIndex      int    `json:"waypoint_index"`
	Waypoints          int    `json:"waypoints"`
	Completed          bool   `json:"completed"`
	HasCollided        bool   `json:"has_collided"`
	TicksSinceProgress int    `json:"ticks_since_progress"`
}

type entry struct {
	status types.VehicleStatus
	sent   bool
}

type telemetry struct {
	client   Publisher
	topic    string
	interval time.Duration
	origin   *geo.Origin
	homes    map[string]types.Point
	log      log.Logger

	mu     sync.Mutex
	latest map[string]*entry
	order  []string
	events chan types.Message
}

// New publishes per-vehicle telemetry to <topic>/<vehicle> and mission
// events to <topic>/events. homes holds each vehicle's world-frame spawn point.
func New(client Publisher, topic string, interval time.Duration, origin *geo.Origin, homes map[string]types.Point, logger log.Logger) types.MessageHandler {
	return &telemetry{
		client:   client,
		topic:    topic,
		interval: interval,
		origin:   origin,
		homes:    homes,
		log:      logger.WithField("component", "telemetry"),
		latest:   make(map[string]*entry),
		events:   make(chan types.Message, 100),
	}
}

func (t *telemetry) Receive(message types.Message) {
	switch message.MessageType {
	case types.MessageTypeVehicleStatus:
		status, ok := message.Message.(types.VehicleStatus)
		if !ok {
			return
		}
		t.mu.Lock()
		e, ok := t.latest[status.Vehicle]
		if !ok {
			e = &entry{}
			t.latest[status.Vehicle] = e
			t.order = append(t.order, status.Vehicle)
		}
		e.status = status
		e.sent = false
		t.mu.Unlock()
	case types.MessageTypeWaypointReached, types.MessageTypeVehicleCompleted,
		types.MessageTypeRunStarted, types.MessageTypeFleetCompleted:
		select {
		case t.events <- message:
		default:
			t.log.Warnf("Event queue full, dropping %s", message.MessageType)
		}
	}
}

func (t *telemetry) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	defer wg.Done()

	for {
		select {
		case <-time.After(t.interval):
			t.publishTelemetry()
		case msg := <-t.events:
			t.publishEvent(msg)
		case <-ctx.Done():
			return
		}
	}
}

// publishTelemetry sends only vehicles with a status newer than the last send.
func (t *telemetry) publishTelemetry() {
	t.mu.Lock()
	pending := make([]types.VehicleStatus, 0, len(t.order))
	for _, name := range t.order {
		e := t.latest[name]
		if e.sent {
			continue
		}
		e.sent = true
		pending = append(pending, e.status)
	}
	t.mu.Unlock()

	for _, s := range pending {
		b, _ := json.Marshal(t.build(s, time.Now()))
		t.client.Publish(fmt.Sprintf("%s/%s", t.topic, s.Vehicle), qos, retain, b)
	}
}

func (t *telemetry) build(s types.VehicleStatus, now time.Time) Telemetry {
	pos := s.Pose.Position()
	home := t.homes[s.Vehicle]
	here := t.origin.ToGlobal(pos)

	return Telemetry{
		Timestamp:          now.UnixNano() / 1000,
		MessageID:          uuid.NewString(),
		Vehicle:            s.Vehicle,
		Lat:                here.Lat,
		Lon:                here.Lon,
		Heading:            s.Pose.Yaw,
		AltitudeFromHome:   home.Z - pos.Z,
		DistanceFromHome:   geo.Distance(t.origin.ToGlobal(home), here),
		Command:            s.Command,
		WaypointIndex:      s.WaypointIndex,
		Waypoints:          s.Waypoints,
		Completed:          s.Completed,
		HasCollided:        s.HasCollided,
		TicksSinceProgress: s.TicksSinceProgress,
	}
}

func (t *telemetry) publishEvent(msg types.Message) {
	out, err := msg.ToJsonMessage()
	if err != nil {
		t.log.Errorf("Event %s: %v", msg.MessageType, err)
		return
	}
	b, _ := json.Marshal(out)
	t.client.Publish(t.topic+"/events", qos, retain, b)
}
