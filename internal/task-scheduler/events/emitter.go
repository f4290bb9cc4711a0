package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

// Emitter publishes events. Implementations must not block the caller for
// longer than a short bounded write and must never return an error that
// callers would need to handle.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaEmitter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaEmitter publishes JSON events to Kafka.
type KafkaEmitter struct {
	Writer  MessageWriter
	Timeout time.Duration
}

func NewKafkaEmitter(w MessageWriter) *KafkaEmitter {
	return &KafkaEmitter{Writer: w, Timeout: 2 * time.Second}
}

func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		hlog.Errorf("KafkaEmitter: failed to marshal %s event: %v", ev.Kind, err)
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.Timeout)
	defer cancel()
	if err := k.Writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(ev.Key()), Value: payload}); err != nil {
		hlog.Warnf("KafkaEmitter: could not publish %s event %s: %v", ev.Kind, ev.Key(), err)
	}
}

// NopEmitter drops every event; used when no broker is configured.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
