package amqp

import (
	"encoding/json"
	"runtime/debug"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-message-service/infra/pubsub"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to the fan-out logic, handling panic recovery,
// kind filtering and locality expansion.
func Bind(h *FanoutHandler, wantKind string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Keep the consumer alive across handler bugs.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [KIND_FILTER]
		// On the in-process transport every handler sees every event; the
		// routing-key suffix decides ownership.
		rk := routingKey(msg)
		if !strings.HasSuffix(rk, "."+wantKind) {
			return nil // ACK: another handler's event.
		}

		// [DECODING]
		ev := new(event.MessageEvent)
		if err := json.Unmarshal(msg.Payload, ev); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection.
		}
		if ev.Envelope == nil {
			h.logger.Warn("ROUTING_FAILED: envelope_missing", "msg_id", msg.UUID)
			return nil
		}

		return h.fanout(msg, ev)
	}
}

// fanout expands one channel-scoped event into per-user deliveries for the
// members connected to this node.
func (h *FanoutHandler) fanout(msg *message.Message, ev *event.MessageEvent) error {
	channelID := ev.Envelope.Channel()

	ms, err := h.members.Resolve(msg.Context(), channelID)
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return nil // ACK: channel gone, nothing to deliver.
		}
		return err // NACK: transient lookup failure triggers retry.
	}

	for _, member := range ms.Members {
		// [LOCALITY_FILTER]
		// Only expand for users whose sessions live on this node.
		if !h.hub.IsConnected(member) {
			continue
		}
		if h.hub.Broadcast(ev.ForUser(member)) {
			h.metrics.FanoutEvents.WithLabelValues("delivered").Inc()
		} else {
			// Mailbox overflow; the resync path covers the gap.
			h.metrics.FanoutEvents.WithLabelValues("dropped").Inc()
		}
	}
	return nil
}

func routingKey(msg *message.Message) string {
	rk := msg.Metadata.Get("x-routing-key")
	if rk == "" {
		rk = msg.Metadata.Get(pubsub.MetaRoutingKey)
	}
	return rk
}
