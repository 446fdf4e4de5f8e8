package notify

import (
	"context"
	"encoding/json"
)

// RelayPattern matches every channel RedisSink publishes to.
const RelayPattern = "changes.*"

// Relay returns a handler for messages published by RedisSink on another
// instance. Each notification is delivered through nf on the channel it
// arrived on, so ordering and staleness rules still hold per entity.
func (nf *Notifier) Relay() func(ctx context.Context, channel string, payload []byte) {
	return func(ctx context.Context, channel string, payload []byte) {
		if _, ok := ParseChannel(channel); !ok {
			nf.metrics.IncNotificationDropped("unknown_channel")
			return
		}
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil || n.ID == "" {
			nf.metrics.IncNotificationDropped("malformed")
			nf.logger.WarnContext(ctx, "dropping malformed relayed notification", "channel", channel, "error", err)
			return
		}
		if err := nf.Deliver(ctx, n, []string{channel}); err != nil {
			nf.logger.WarnContext(ctx, "relayed notification delivery failed",
				"record_id", n.ID,
				"channel", channel,
				"error", err,
			)
		}
	}
}
