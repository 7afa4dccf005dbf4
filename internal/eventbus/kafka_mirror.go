package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// KafkaMirror is an optional, best-effort sink that writes the events passed
// to Mirror onto a Kafka topic. It lets an out-of-process SSE relay replica
// or an audit pipeline consume a scan's event stream without coupling the
// in-process scheduler core to Kafka (spec.md §9's "SSE externalized as a
// polling adapter" note — the mirror is one way to feed such an adapter
// across processes). Bus.Publish does not call it, and nothing in this
// module constructs one. Mirror failures are logged and never returned.
type KafkaMirror struct {
	writer  *kafka.Writer
	limiter *rate.Limiter
	logger  *slog.Logger
	scanID  string
}

// KafkaMirrorConfig configures the mirror sink.
type KafkaMirrorConfig struct {
	Brokers []string
	Topic   string
	ScanID  string
	// RateLimit caps mirrored messages per second; zero disables limiting.
	RateLimit rate.Limit
	Logger    *slog.Logger
}

// mirroredEvent is the wire shape written to Kafka: the event plus the
// scan it belongs to, since one topic may carry several scans' streams.
type mirroredEvent struct {
	ScanID string            `json:"scan_id"`
	Event  spiderevent.Event `json:"event"`
}

// NewKafkaMirror constructs a mirror writing to cfg.Topic via kafka-go's
// Writer, partitioned by a hash of the scan id message key.
func NewKafkaMirror(cfg KafkaMirrorConfig) *KafkaMirror {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1)
	}

	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
		},
		limiter: limiter,
		logger:  logger,
		scanID:  cfg.ScanID,
	}
}

// Mirror writes evt to the configured topic, best-effort. It never returns
// an error to the caller: a publish failure is logged and dropped, per the
// mirror's "never block or fail the primary publish" contract.
func (k *KafkaMirror) Mirror(ctx context.Context, evt spiderevent.Event) {
	if k.limiter != nil && !k.limiter.Allow() {
		k.logger.Debug("kafka mirror rate-limited, dropping event",
			slog.String("scan_id", k.scanID), slog.String("hash", evt.Hash))

		return
	}

	payload, err := json.Marshal(mirroredEvent{ScanID: k.scanID, Event: evt})
	if err != nil {
		k.logger.Warn("kafka mirror: failed to marshal event", slog.String("error", err.Error()))
		return
	}

	msg := kafka.Message{
		Key:   []byte(k.scanID),
		Value: payload,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("kafka mirror: write failed",
			slog.String("scan_id", k.scanID),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (k *KafkaMirror) Close() error {
	return k.writer.Close()
}
