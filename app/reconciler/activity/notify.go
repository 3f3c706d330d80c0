package activity

import (
	"context"
	"encoding/json"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/utils"
	"go.uber.org/zap"
)

// EventPublisher is the slice of the Redis client used for progress events.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{})
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// RedisNotifier publishes events on curtailx:reconcile:<event> and mirrors them into the
// replay stream. Delivery is best-effort.
type RedisNotifier struct {
	Logger    *zap.Logger
	Publisher EventPublisher
}

func (n *RedisNotifier) Notify(ctx context.Context, event types.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.Logger.Warn("Failed to marshal reconcile event (non-fatal)",
			zap.String("event", event.Event),
			zap.Error(err))
		return
	}

	channel := utils.GetReconcileChannel(event.Event)
	n.Publisher.Publish(ctx, channel, payload)
	n.Publisher.XAdd(ctx, utils.ReconcileEventStream, map[string]interface{}{
		"event":   event.Event,
		"payload": string(payload),
	})

	n.Logger.Debug("Published reconcile event",
		zap.String("event", event.Event),
		zap.String("date", event.Date),
		zap.String("channel", channel))
}

// LogNotifier writes events to the logger; used when Redis is disabled.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, event types.Event) {
	n.Logger.Debug("Reconcile event",
		zap.String("event", event.Event),
		zap.String("run_id", event.RunID),
		zap.String("date", event.Date),
		zap.String("variant", event.Variant),
		zap.String("message", event.Message))
}
