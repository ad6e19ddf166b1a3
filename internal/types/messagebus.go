package types

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiiuae/fleetcoordinator/internal/log"
)

type PostFn = func(msg Message)

type MessageHandler interface {
	Run(ctx context.Context, wg *sync.WaitGroup, post PostFn)
	Receive(message Message)
}

// MessageBus fans every posted message out to all receivers in post order.
type MessageBus struct {
	bus       chan Message
	receivers []MessageHandler
	log       log.Logger

	// pending counts messages accepted by post and not yet fanned out.
	pending atomic.Int64
}

func NewMessageBus(bus chan Message, logger log.Logger, receivers ...MessageHandler) *MessageBus {
	return &MessageBus{bus: bus, receivers: receivers, log: logger}
}

func (mb *MessageBus) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	busCapacity := cap(mb.bus)
	post := func(msg Message) {
		busLen := len(mb.bus)
		if busLen > busCapacity/2 {
			mb.log.Warnf("Bus capacity over 50%% [ %d / %d ]", busLen, busCapacity)
		}
		mb.pending.Add(1)
		// Posting after shutdown must not block the poster
		select {
		case mb.bus <- msg:
		case <-ctx.Done():
			mb.pending.Add(-1)
			mb.log.Debugf("Bus closed, dropping %s", msg.MessageType)
		}
	}

	for _, x := range mb.receivers {
		go x.Run(ctx, wg, post)
	}

	for {
		select {
		case <-ctx.Done():
			mb.drain()
			return
		case msg := <-mb.bus:
			mb.deliver(msg)
		}
	}
}

// Flush blocks until every message posted so far has reached the receivers,
// or ctx ends. Call it before cancelling the bus context so that the last
// messages of a run are not lost.
func (mb *MessageBus) Flush(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for mb.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// drain delivers what is still queued once the context has ended.
func (mb *MessageBus) drain() {
	for {
		select {
		case msg := <-mb.bus:
			mb.deliver(msg)
		default:
			return
		}
	}
}

func (mb *MessageBus) deliver(msg Message) {
	for _, x := range mb.receivers {
		x.Receive(msg)
	}
	mb.pending.Add(-1)
}
