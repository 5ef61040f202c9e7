package kafka

import (
	"time"
)

// Config holds Kafka configuration
type Config struct {
	Brokers  []string
	ClientID string

	// Producer settings
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int // 0: no ack, 1: leader ack, -1: all replicas ack

	// Consumer settings
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// DefaultConfig returns a Config tuned for low-latency live fan-out
func DefaultConfig() *Config {
	return &Config{
		Brokers:  []string{"localhost:9092"},
		ClientID: "ordersync",

		BatchSize:    1,
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: 1,

		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  250 * time.Millisecond,
	}
}

// TopicPrefix is prepended to every change topic
const TopicPrefix = "ordersync"

// ChangeTopic returns the topic carrying changes of one table
func ChangeTopic(table string) string {
	return TopicPrefix + "." + table + ".changes"
}
