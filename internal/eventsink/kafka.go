// Package eventsink mirrors every emitted helper-process event onto a
// Kafka topic for external consumers, the producer-side counterpart of
// the teacher's consumer-side kgo.Client wiring (TLS/SASL options,
// client ID, seed brokers).
package eventsink

import (
	"context"
	"fmt"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/metrics"
	"github.com/routebeacon/bgpd/internal/process"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer publishes process.Event occurrences to a Kafka topic,
// JSON-encoded with the same envelope a subscribed helper process
// would receive on stdin.
type Producer struct {
	client *kgo.Client
	topic  string
	enc    *process.JSONEncoder
	logger *zap.Logger
}

// New builds a Producer from cfg. Returns (nil, nil) when the event
// sink is disabled, so callers can treat a nil Producer as "no sink
// configured" without a separate enabled check.
func New(cfg config.EventSinkConfig, logger *zap.Logger) (*Producer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("eventsink: brokers required when enabled")
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("eventsink: building TLS config: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("eventsink: building kafka client: %w", err)
	}

	return &Producer{client: client, topic: cfg.Topic, enc: process.NewJSONEncoder(), logger: logger}, nil
}

// Publish encodes ev and produces it asynchronously; failures are
// logged, never returned, and only successful publishes are counted in
// EventSinkPublishedTotal, so a sink hiccup never blocks the
// reactor tick that called it (mirrors process.Helper.Emit/Flush's
// enqueue-then-best-effort-write split).
func (p *Producer) Publish(ev *process.Event) {
	if p == nil {
		return
	}
	line := p.enc.Encode(ev)
	record := &kgo.Record{Topic: p.topic, Value: []byte(line)}
	p.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("eventsink: publish failed", zap.Error(err))
			return
		}
		metrics.EventSinkPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	})
}

// Close flushes and releases the underlying Kafka client.
func (p *Producer) Close() {
	if p == nil {
		return
	}
	p.client.Close()
}
