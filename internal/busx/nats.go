package busx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus publishes and consumes Envelopes over a JetStream stream,
// extending bus semantics to out-of-process agents. It follows a
// connect → get-stream → create-or-update-durable-consumer → fetch-loop
// shape, built directly on nats.go/jetstream rather than a private
// connection wrapper — see DESIGN.md.
type NATSBus struct {
	cfg        Config
	log        *slog.Logger
	nc         *nats.Conn
	js         jetstream.JetStream
	streamName string
	stream     jetstream.Stream

	dlMu        chan struct{}
	deadLetters []*Envelope
}

// NATSBusOptions configures the JetStream-backed bus.
type NATSBusOptions struct {
	URL        string
	StreamName string
	Subjects   []string
}

// DialNATSBus connects to NATS and ensures the backing stream exists.
func DialNATSBus(ctx context.Context, opts NATSBusOptions, cfg Config, log *slog.Logger) (*NATSBus, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(opts.URL, nats.Name("agentkernel"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.StreamName,
		Subjects: opts.Subjects,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create or update stream %s: %w", opts.StreamName, err)
	}

	return &NATSBus{
		cfg:        cfg,
		log:        log,
		nc:         nc,
		js:         js,
		streamName: opts.StreamName,
		stream:     stream,
		dlMu:       make(chan struct{}, 1),
	}, nil
}

// Publish marshals the Envelope and publishes it to "<topic>" with the
// partition key carried in the envelope itself (JetStream subjects encode
// the topic; the partition key is used for in-process ordering lanes only
// because JetStream already totally orders a single subject).
func (b *NATSBus) Publish(ctx context.Context, topic, partitionKey, actor string, payload any) error {
	env, err := NewEnvelope(topic, partitionKey, actor, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates (or reuses) a durable JetStream consumer filtered to
// pattern and dispatches each delivered message to handler, retrying with
// the bus's backoff policy (NAK with an exponentially growing delay) until
// RetryMaxAttempts deliveries, after which the message is acked and recorded
// as a dead letter.
func (b *NATSBus) Subscribe(pattern string, mode DeliveryMode, handler Handler) (Subscription, error) {
	ctx := context.Background()
	consumerName := "agentkernel-" + sanitizeConsumerName(pattern)

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.cfg.RetryMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go b.consumeLoop(subCtx, consumer, mode, handler)

	return &natsSubscription{cancel: cancel}, nil
}

type natsSubscription struct{ cancel context.CancelFunc }

func (s *natsSubscription) Unsubscribe() { s.cancel() }

func (b *NATSBus) consumeLoop(ctx context.Context, consumer jetstream.Consumer, mode DeliveryMode, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, mode, handler)
		}
	}
}

func (b *NATSBus) handleMessage(ctx context.Context, msg jetstream.Msg, mode DeliveryMode, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.log.Warn("failed to parse envelope", "error", err)
		_ = msg.Nak()
		return
	}

	err := handler(ctx, &env)
	if err == nil {
		_ = msg.Ack()
		return
	}

	if mode == BestEffort {
		_ = msg.Ack()
		return
	}

	meta, _ := msg.Metadata()
	if meta != nil && int(meta.NumDelivered) >= b.cfg.RetryMaxAttempts {
		b.log.Error("message exhausted delivery attempts, dead-lettering",
			"topic", env.Topic, "correlation_id", env.CorrelationID)
		b.deadLetters = append(b.deadLetters, &env)
		_ = msg.Ack()
		return
	}

	delay := b.cfg.RetryBaseDelay
	if meta != nil {
		for i := uint64(1); i < meta.NumDelivered; i++ {
			delay = time.Duration(float64(delay) * b.cfg.RetryFactor)
		}
	}
	_ = msg.NakWithDelay(delay)
}

// DeadLetters returns envelopes that exhausted their retry budget.
func (b *NATSBus) DeadLetters() []*Envelope {
	return append([]*Envelope(nil), b.deadLetters...)
}

// Close closes the underlying connection without draining it.
func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

func sanitizeConsumerName(pattern string) string {
	out := make([]rune, 0, len(pattern))
	for _, r := range pattern {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
