package kafka

import (
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

// NewEventWriter returns an asynchronous writer for the task event topic.
// Async writes never block the caller; delivery failures reach the completion callback.
func NewEventWriter(brokers []string, topic string) *kafka.Writer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireOne),
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
	})
	w.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			hlog.Warnf("EventWriter: dropped %d event(s) for topic %s: %v", len(messages), topic, err)
		}
	}
	hlog.Infof("EventWriter: Kafka producer configured for topic: %s", topic)
	return w
}

// NewEventReader returns a consumer-group reader on the task event topic.
func NewEventReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, GroupID: groupID, Topic: topic,
		MinBytes: 1, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
}
