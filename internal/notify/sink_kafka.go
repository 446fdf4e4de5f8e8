package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink produces one record per channel to the topic prefix+channel.
// Records are keyed by entity ID so one entity's changes share a partition
// and keep their order.
type KafkaSink struct {
	client *kgo.Client
	prefix string
}

func NewKafkaSink(client *kgo.Client, topicPrefix string) *KafkaSink {
	return &KafkaSink{client: client, prefix: topicPrefix}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Topic maps a channel to its Kafka topic, "<prefix>.<channel>".
func (s *KafkaSink) Topic(channel string) string {
	if s.prefix == "" {
		return channel
	}
	return s.prefix + "." + channel
}

func (s *KafkaSink) Deliver(ctx context.Context, channel string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.Topic(channel),
		Key:   []byte(n.ID),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// EnsureTopics creates the topics for channels, ignoring ones that exist.
func (s *KafkaSink) EnsureTopics(ctx context.Context, partitions int32, replication int16, channels ...string) error {
	topics := make([]string, 0, len(channels))
	for _, ch := range channels {
		topics = append(topics, s.Topic(ch))
	}
	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	var errs []error
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Err))
		}
	}
	return errors.Join(errs...)
}
