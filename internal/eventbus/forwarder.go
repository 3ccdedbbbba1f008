package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/model"
)

// StreamForwarder copies bus events into a Redis stream per dashboard so
// that processes outside the engine can follow them. Delivery from the bus
// never blocks: when the buffer is full the event is dropped and counted.
type StreamForwarder struct {
	client redis.Cmdable
	prefix string
	maxLen int64
	logger *zap.Logger

	queue   chan model.Event
	dropped atomic.Int64
}

// NewStreamForwarder creates a forwarder writing to "<prefix>events:<dashboard>"
// streams capped at roughly maxLen entries.
func NewStreamForwarder(client redis.Cmdable, prefix string, maxLen int64, buffer int, logger *zap.Logger) *StreamForwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamForwarder{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
		logger: logger,
		queue:  make(chan model.Event, buffer),
	}
}

// Attach subscribes the forwarder to every event of bus.
func (f *StreamForwarder) Attach(bus *Bus) (detach func()) {
	return bus.Subscribe(nil, f.enqueue)
}

func (f *StreamForwarder) enqueue(ev model.Event) {
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (f *StreamForwarder) Dropped() int64 { return f.dropped.Load() }

// Run writes queued events until ctx is done.
func (f *StreamForwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.queue:
			if err := f.write(ctx, ev); err != nil {
				f.logger.Warn("forwarding event failed",
					zap.String("correlation_id", ev.CorrelationID),
					zap.String("event_type", ev.Type),
					zap.Error(err),
				)
			}
		}
	}
}

func (f *StreamForwarder) write(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: f.StreamKey(ev.Dashboard),
		Values: map[string]any{
			"type":           ev.Type,
			"correlation_id": ev.CorrelationID,
			"terminal":       ev.Terminal,
			"event":          data,
		},
	}
	if f.maxLen > 0 {
		args.MaxLen = f.maxLen
		args.Approx = true
	}
	if err := f.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", args.Stream, err)
	}
	return nil
}

// StreamKey returns the stream that receives events of dashboard.
func (f *StreamForwarder) StreamKey(dashboard model.ObjRef) string {
	return f.prefix + "events:" + dashboard.String()
}
