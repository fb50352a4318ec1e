package worker

import (
	"errors"

	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// emitter sends outbound control channel events
type emitter interface {
	Emit(event string, data any) error
}

// forwarder relays engine events to the control channel
type forwarder struct {
	broker *events.Broker
	out    emitter
	sub    events.Subscriber
	done   chan struct{}
	logger zerolog.Logger
}

func newForwarder(broker *events.Broker, out emitter) *forwarder {
	return &forwarder{
		broker: broker,
		out:    out,
		done:   make(chan struct{}),
		logger: log.WithComponent("forwarder"),
	}
}

// Start subscribes to the broker and relays until Stop
func (f *forwarder) Start() {
	f.sub = f.broker.Subscribe(events.EventStatusChanged, events.EventJobAcquired)
	go f.run()
}

// Stop unsubscribes and waits for the relay to drain
func (f *forwarder) Stop() {
	f.broker.Unsubscribe(f.sub)
	<-f.done
}

func (f *forwarder) run() {
	defer close(f.done)
	for ev := range f.sub {
		f.relay(ev)
	}
}

func (f *forwarder) relay(ev *events.Event) {
	var err error
	switch ev.Type {
	case events.EventStatusChanged:
		err = f.out.Emit(channel.EventStatus, ev.Payload)
	case events.EventJobAcquired:
		err = f.out.Emit(channel.EventProcessingAcquired, map[string]string{"processing_id": ev.ProcessingID})
	default:
		return
	}

	// A status lost while disconnected is re-sent on reconnection.
	if errors.Is(err, channel.ErrNotConnected) {
		f.logger.Debug().Str("type", string(ev.Type)).Msg("Channel down, event not sent")
		return
	}
	if err != nil {
		f.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to emit event")
	}
}
