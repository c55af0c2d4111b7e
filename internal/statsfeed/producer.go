// Package statsfeed publishes the matchmaker's periodic Stats snapshots
// onto Kafka for external consumption: dashboards, capacity planning,
// nothing the fabric itself ever reads back.
package statsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smukkama/ccdispatch/internal/jobserver"
)

// ProducerConfig exposes the writer's batching knobs so a burst of
// stats snapshots (one every 300ms at the fastest) doesn't open a new
// TCP round trip per message.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 200 * time.Millisecond
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Producer implements jobserver.StatsPublisher against Kafka.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg ProducerConfig) *Producer {
	cfg = cfg.withDefaults()
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Async:        true,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

type wireStats struct {
	Time             time.Time `json:"time"`
	QueuedJobs       int       `json:"queued_jobs"`
	ConnectedWorkers int       `json:"connected_workers"`
	AvailableWorkers int       `json:"available_workers"`
	DistinctKeys     int       `json:"distinct_keys"`
}

// Publish implements jobserver.StatsPublisher. Best-effort: a marshal or
// publish failure is discarded, neither logged nor propagated back into
// matchmaking.
func (p *Producer) Publish(s jobserver.Stats) {
	payload, err := json.Marshal(wireStats{
		Time:             s.Time,
		QueuedJobs:       s.QueuedJobs,
		ConnectedWorkers: s.ConnectedWorkers,
		AvailableWorkers: s.AvailableWorkers,
		DistinctKeys:     s.DistinctKeys,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("statsfeed: close producer: %w", err)
	}
	return nil
}
