// Package redpanda publishes control-plane audit events to a Redpanda or
// Kafka topic. Publishing is fire and forget: broker trouble is logged, never
// surfaced to the session or execution path that emitted the event.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

// closeFlushTimeout bounds the final flush on shutdown.
const closeFlushTimeout = 5 * time.Second

// Publisher produces audit events to a single topic. It implements
// domain.AuditPublisher.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers and ensures the audit topic exists.
// Topic creation failure is tolerated: managed clusters often pre-create
// topics and deny the CreateTopics API to producers.
func NewPublisher(ctx context.Context, brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: no seed brokers")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("audit topic ensure failed, continuing",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("audit publisher connected",
		slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// Publish serializes the event and hands it to the async producer. The
// caller's cancellation is detached so a finished request cannot drop its own
// audit trail; failures surface in the produce callback as warnings.
func (p *Publisher) Publish(ctx domain.Context, ev domain.AuditEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("audit event marshal failed",
			slog.String("kind", ev.Kind), slog.Any("error", err))
		return
	}
	rec := auditRecord(p.topic, ev, b)
	p.client.Produce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("audit event produce failed",
				slog.String("kind", ev.Kind),
				slog.String("topic", p.topic),
				slog.Any("error", err))
		}
	})
}

// auditRecord keys the record by session, falling back to account, so one
// subject's events stay in partition order.
func auditRecord(topic string, ev domain.AuditEvent, value []byte) *kgo.Record {
	key := ev.SessionID
	if key == "" {
		key = ev.AccountID
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("audit publisher flush failed", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}

// NopPublisher drops every event. It stands in when no brokers are
// configured.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(domain.Context, domain.AuditEvent) {}
