package types

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tiiuae/fleetcoordinator/internal/log"
)

type logger struct {
	log log.Logger
}

func NewLogger(l log.Logger) MessageHandler {
	return &logger{l.WithField("component", "bus")}
}

func (l *logger) Receive(message Message) {
	b, _ := json.Marshal(message.Message)

	if message.MessageType == MessageTypeVehicleStatus {
		l.log.Debugf("Message: %s (%s -> %s): %s", message.MessageType, message.From, message.To, string(b))
		return
	}

	l.log.Infof("Message: %s (%s -> %s): %s", message.MessageType, message.From, message.To, string(b))
}

func (l *logger) Run(ctx context.Context, wg *sync.WaitGroup, post PostFn) {
}
