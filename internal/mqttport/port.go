// Package mqttport reaches an external simulator bridge over MQTT.
//
// Commands are published as JSON to <prefix>/<vehicle>/command. The bridge
// publishes body-frame poses to <prefix>/<vehicle>/pose and acknowledges
// finished commands on <prefix>/<vehicle>/ack.
package mqttport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/port"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

var (
	ErrNoTelemetry    = errors.New("no telemetry received")
	ErrStaleTelemetry = errors.New("telemetry is stale")
	ErrSuperseded     = errors.New("command superseded")
)

// Client is the part of mqtt.Client the port uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type Command struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	Target    *types.Point `json:"target,omitempty"`
	Yaw       float64      `json:"yaw"`
	Velocity  float64      `json:"velocity,omitempty"`
	Vx        float64      `json:"vx,omitempty"`
	Vy        float64      `json:"vy,omitempty"`
	Z         float64      `json:"z"`
	Duration  float64      `json:"duration,omitempty"`
	Timeout   float64      `json:"timeout,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type PoseUpdate struct {
	types.Pose
	Collided bool `json:"collided"`
}

type Ack struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type sample struct {
	pose     types.Pose
	collided bool
	at       time.Time
}

type pending struct {
	id     string
	handle *port.Handle
}

type Port struct {
	client     Client
	prefix     string
	qos        byte
	staleAfter time.Duration
	now        func() time.Time
	log        log.Logger

	mu      sync.Mutex
	samples map[string]sample
	pending map[string]pending
}

var _ port.Port = (*Port)(nil)

func New(client Client, prefix string, qos byte, staleAfter time.Duration, logger log.Logger) *Port {
	return &Port{
		client:     client,
		prefix:     strings.TrimSuffix(prefix, "/"),
		qos:        qos,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logger.WithField("component", "mqttport"),
		samples:    make(map[string]sample),
		pending:    make(map[string]pending),
	}
}

// Start subscribes to pose and ack topics for every vehicle.
func (p *Port) Start() error {
	subs := map[string]mqtt.MessageHandler{
		p.prefix + "/+/pose": p.handlePose,
		p.prefix + "/+/ack":  p.handleAck,
	}
	for topic, handler := range subs {
		tok := p.client.Subscribe(topic, p.qos, handler)
		tok.Wait()
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
		p.log.Infof("Subscribed to %s", topic)
	}
	return nil
}

func (p *Port) vehicleFromTopic(topic string) string {
	rest := strings.TrimPrefix(topic, p.prefix+"/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (p *Port) handlePose(_ mqtt.Client, msg mqtt.Message) {
	var update PoseUpdate
	if err := json.Unmarshal(msg.Payload(), &update); err != nil {
		p.log.Warnf("Bad pose on %s: %v", msg.Topic(), err)
		return
	}
	name := p.vehicleFromTopic(msg.Topic())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[name] = sample{update.Pose, update.Collided, p.now()}
}

func (p *Port) handleAck(_ mqtt.Client, msg mqtt.Message) {
	var ack Ack
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		p.log.Warnf("Bad ack on %s: %v", msg.Topic(), err)
		return
	}
	name := p.vehicleFromTopic(msg.Topic())

	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.pending[name]
	if !ok || cur.id != ack.ID {
		return
	}
	delete(p.pending, name)
	if ack.Error != "" {
		cur.handle.Complete(errors.New(ack.Error))
		return
	}
	cur.handle.Complete(nil)
}

// send publishes without waiting for the broker. A publish error already
// known at return time is reported; later ones arrive through the handle.
func (p *Port) send(vehicle string, cmd Command) (*port.Handle, error) {
	cmd.ID = uuid.NewString()
	cmd.Timestamp = p.now().UTC()
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", cmd.Command)
	}

	topic := fmt.Sprintf("%s/%s/command", p.prefix, vehicle)
	tok := p.client.Publish(topic, p.qos, false, b)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return nil, errors.Wrapf(err, "publish %s to %s", cmd.Command, vehicle)
		}
	default:
	}

	h := port.NewHandle()
	p.mu.Lock()
	if prev, ok := p.pending[vehicle]; ok {
		prev.handle.Complete(ErrSuperseded)
	}
	p.pending[vehicle] = pending{cmd.ID, h}
	p.mu.Unlock()

	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			h.Complete(errors.Wrapf(err, "publish %s to %s", cmd.Command, vehicle))
		}
	}()
	return h, nil
}

func (p *Port) Arm(ctx context.Context, vehicle string) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "arm"})
}

func (p *Port) Disarm(ctx context.Context, vehicle string) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "disarm"})
}

func (p *Port) TakeOff(ctx context.Context, vehicle string) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "takeoff"})
}

func (p *Port) Hover(ctx context.Context, vehicle string) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "hover"})
}

func (p *Port) Land(ctx context.Context, vehicle string, timeout time.Duration) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "land", Timeout: timeout.Seconds()})
}

func (p *Port) GoHome(ctx context.Context, vehicle string, timeout time.Duration) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "gohome", Timeout: timeout.Seconds()})
}

func (p *Port) RotateToYaw(ctx context.Context, vehicle string, yaw float64) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "rotate", Yaw: yaw})
}

func (p *Port) MoveToPosition(ctx context.Context, vehicle string, target types.Point, velocity float64) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "move", Target: &target, Velocity: velocity})
}

func (p *Port) MoveByVelocityZ(ctx context.Context, vehicle string, vx, vy, z float64, duration time.Duration) (*port.Handle, error) {
	return p.send(vehicle, Command{Command: "velocity", Vx: vx, Vy: vy, Z: z, Duration: duration.Seconds()})
}

func (p *Port) latest(vehicle string) (sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.samples[vehicle]
	if !ok {
		return sample{}, errors.Wrapf(ErrNoTelemetry, "%s", vehicle)
	}
	if p.staleAfter > 0 {
		if age := p.now().Sub(s.at); age > p.staleAfter {
			return sample{}, errors.Wrapf(ErrStaleTelemetry, "%s: last pose %v ago", vehicle, age)
		}
	}
	return s, nil
}

func (p *Port) GetPose(ctx context.Context, vehicle string) (types.Pose, error) {
	s, err := p.latest(vehicle)
	return s.pose, err
}

func (p *Port) GetCollisionState(ctx context.Context, vehicle string) (bool, error) {
	s, err := p.latest(vehicle)
	return s.collided, err
}
