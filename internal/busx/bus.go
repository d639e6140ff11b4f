package busx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DeliveryMode controls subscriber durability semantics.
type DeliveryMode int

const (
	// BestEffort delivers to a live subscriber only; no replay, no
	// dead-lettering on handler failure.
	BestEffort DeliveryMode = iota
	// AtLeastOnce guarantees delivery to a durable subscriber, retried with
	// exponential backoff and eventually dead-lettered. Handlers MUST be
	// idempotent, keyed by (topic, correlation_id).
	AtLeastOnce
)

// Handler processes one delivered envelope. Returning an error causes a
// retry (AtLeastOnce) or is dropped (BestEffort).
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the kernel's event bus contract. Publish returns once
// the event is durable in the local journal; Subscribe registers a handler
// for a topic pattern ("task.*", "discovery.recorded", …).
type Bus interface {
	Publish(ctx context.Context, topic, partitionKey, actor string, payload any) error
	Subscribe(pattern string, mode DeliveryMode, handler Handler) (Subscription, error)
	// DeadLetters returns envelopes that exhausted their retry budget.
	DeadLetters() []*Envelope
	Close() error
}

// Subscription is a live registration; Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe()
}

// Config tunes backpressure and retry behavior.
type Config struct {
	SlowConsumerTimeout time.Duration
	QueueDepth          int
	RetryBaseDelay      time.Duration
	RetryFactor         float64
	RetryMaxAttempts    int
}

// DefaultConfig returns the kernel's default bus tuning.
func DefaultConfig() Config {
	return Config{
		SlowConsumerTimeout: 30 * time.Second,
		QueueDepth:          256,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryFactor:         2,
		RetryMaxAttempts:    8,
	}
}

// partitionLane gives the events of one partition key strictly increasing
// timestamps. Its lock covers only the timestamp assignment; each
// subscriber receives events in the order Publish enqueues them.
type partitionLane struct {
	mu   sync.Mutex
	last time.Time
}

// InProcessBus is the default in-memory Bus implementation: it gives every
// subsystem in the kernel (registry, scheduler, ticket engine, …) the same
// ordering and retry guarantees a JetStream-backed deployment would, without
// requiring a live NATS server. NATSBus (nats.go) wraps the same Config and
// extends delivery to external agent processes over real subjects.
type InProcessBus struct {
	cfg Config
	log *slog.Logger

	mu          sync.RWMutex
	subs        []*subscriber
	lanes       map[string]*partitionLane
	closed      bool
	deadLetters []*Envelope
	dlMu        sync.Mutex
}

type subscriber struct {
	id      int
	pattern string
	mode    DeliveryMode
	handler Handler
	queue   chan *Envelope
	bus     *InProcessBus
	done    chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewInProcessBus builds a bus with the given config and logger.
func NewInProcessBus(cfg Config, log *slog.Logger) *InProcessBus {
	if log == nil {
		log = slog.Default()
	}
	b := &InProcessBus{
		cfg:   cfg,
		log:   log,
		lanes: make(map[string]*partitionLane),
	}
	return b
}

func (b *InProcessBus) lane(key string) *partitionLane {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lanes[key]
	if !ok {
		l = &partitionLane{}
		b.lanes[key] = l
	}
	return l
}

// Publish durably journals the event (in-process: synchronously fans out
// to matching subscribers) and returns once accepted.
func (b *InProcessBus) Publish(ctx context.Context, topic, partitionKey, actor string, payload any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.RUnlock()

	lane := b.lane(partitionKey)
	lane.mu.Lock()
	now := time.Now().UTC()
	if !now.After(lane.last) {
		now = lane.last.Add(time.Nanosecond)
	}
	lane.last = now
	lane.mu.Unlock()

	env, err := NewEnvelope(topic, partitionKey, actor, payload, now)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	matched := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		if topicMatches(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	// Deterministic fan-out order for test reproducibility.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, s := range matched {
		s.deliver(ctx, env)
	}
	return nil
}

func (s *subscriber) deliver(ctx context.Context, env *Envelope) {
	select {
	case s.queue <- env:
	case <-time.After(s.bus.cfg.SlowConsumerTimeout):
		s.bus.log.Warn("slow consumer disconnected", "pattern", s.pattern, "topic", env.Topic)
		s.Unsubscribe()
	}
}

// Subscribe registers handler for topics matching pattern ("*" wildcards one
// dot-segment, ">" wildcards the remainder — standard NATS subject syntax).
func (b *InProcessBus) Subscribe(pattern string, mode DeliveryMode, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	s := &subscriber{
		id:      len(b.subs),
		pattern: pattern,
		mode:    mode,
		handler: handler,
		queue:   make(chan *Envelope, b.cfg.QueueDepth),
		bus:     b,
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.run()
	return s, nil
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case env, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(env)
		}
	}
}

func (s *subscriber) process(env *Envelope) {
	if s.mode == BestEffort {
		if err := s.handler(context.Background(), env); err != nil {
			s.bus.log.Debug("best-effort handler error dropped", "topic", env.Topic, "error", err)
		}
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.bus.cfg.RetryBaseDelay
	bo.Multiplier = s.bus.cfg.RetryFactor
	bo.MaxElapsedTime = 0
	attempts := 0

	op := func() error {
		attempts++
		err := s.handler(context.Background(), env)
		if err != nil && attempts >= s.bus.cfg.RetryMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		s.bus.log.Error("delivery exhausted retry budget, dead-lettering",
			"topic", env.Topic, "correlation_id", env.CorrelationID, "error", err)
		s.bus.dlMu.Lock()
		s.bus.deadLetters = append(s.bus.deadLetters, env)
		s.bus.dlMu.Unlock()
	}
}

// Unsubscribe stops delivery to this subscriber.
func (s *subscriber) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
}

// DeadLetters returns envelopes that exhausted their retry budget.
func (b *InProcessBus) DeadLetters() []*Envelope {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return append([]*Envelope(nil), b.deadLetters...)
}

// Close stops all subscribers and marks the bus closed.
func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	return nil
}

// topicMatches implements NATS-style subject matching: "*" matches exactly
// one dot-delimited token, ">" matches one or more trailing tokens.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	tTokens := strings.Split(topic, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return i < len(tTokens)
		}
		if i >= len(tTokens) {
			return false
		}
		if pt == "*" {
			continue
		}
		if pt != tTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(tTokens)
}
