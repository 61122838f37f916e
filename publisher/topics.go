package publisher

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Topic provisioning settings; retention values are broker-side milliseconds.
const (
	eventsPartitions = 10
	dlqPartitions    = 5

	eventsRetentionMs = "604800000"  // 7 days
	dlqRetentionMs    = "2592000000" // 30 days
)

// EnsureTopics provisions the bus topics the service writes to: the event
// topic partitioned for per-aggregate ordering and a dead-letter topic with
// longer retention. Only missing topics are created; existing ones keep
// their settings.
func EnsureTopics(ctx context.Context, brokers []string, eventsTopic, dlqTopic string, logger zerolog.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("topic provisioning requires at least one broker")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to resolve controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer controllerConn.Close()

	partitions, err := controllerConn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, part := range partitions {
		existing[part.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, tc := range []kafka.TopicConfig{eventsTopicConfig(eventsTopic), dlqTopicConfig(dlqTopic)} {
		if existing[tc.Topic] {
			logger.Debug().Str("topic", tc.Topic).Msg("Topic already exists")
			continue
		}
		missing = append(missing, tc)
	}
	if len(missing) == 0 {
		return nil
	}

	if err := controllerConn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, tc := range missing {
		logger.Info().
			Str("topic", tc.Topic).
			Int("partitions", tc.NumPartitions).
			Msg("Created topic")
	}
	return nil
}

func eventsTopicConfig(name string) kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     eventsPartitions,
		ReplicationFactor: 1,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: eventsRetentionMs},
			{ConfigName: "compression.type", ConfigValue: "gzip"},
		},
	}
}

func dlqTopicConfig(name string) kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     dlqPartitions,
		ReplicationFactor: 1,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: dlqRetentionMs},
		},
	}
}
