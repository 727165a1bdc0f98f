package metrics

import (
	"context"

	"tokfresh/internal/eventbus"
)

// Consume feeds bus events into sink until ctx is done.
func Consume(ctx context.Context, bus eventbus.Bus, sink Sink) {
	if bus == nil || sink == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			Record(sink, e)
		}
	}
}

// Record translates one event.
func Record(sink Sink, e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ProvisionStep:
		sink.ProvisionStep(d.Step, d.Failed)
	case eventbus.ProvisionDone:
		sink.ProvisionCompleted(d.Success, d.Took)
	case eventbus.KeepAliveRun:
		sink.KeepAliveRun(d.Success, d.Stage, d.Took)
	case eventbus.Webhook:
		sink.WebhookDelivery(d.Channel, d.Error == "")
	case eventbus.TokenExchange:
		sink.TokenExchange(d.Success)
	}
}
