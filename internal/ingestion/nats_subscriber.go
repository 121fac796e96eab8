package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeArena/internal/workpool"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream     = "ARENA_COMMANDS"
	SubjectTrade      = "arena.cmd.trade."
	SubjectQueueJoin  = "arena.cmd.queue.join."
	SubjectQueueLeave = "arena.cmd.queue.leave."
)

// Message is the part of a JetStream message the subscriber settles.
// jetstream.Msg satisfies it.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// SubjectConfig binds a durable consumer to a command subject.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
}

// DefaultSubjects returns one consumer per command type so a backlog of one
// kind does not hold up the others.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectTrade + ">", ConsumerName: "arena-trades"},
		{Subject: SubjectQueueJoin + ">", ConsumerName: "arena-queue-join"},
		{Subject: SubjectQueueLeave + ">", ConsumerName: "arena-queue-leave"},
	}
}

type SubscriberConfig struct {
	AckWait    time.Duration
	MaxDeliver int
	// RetryDelay is the redelivery delay for Retry decisions and for
	// messages refused by a full pool.
	RetryDelay time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{AckWait: 30 * time.Second, MaxDeliver: 20, RetryDelay: 250 * time.Millisecond}
}

// NATSSubscriber consumes command subjects from JetStream and runs every
// message on the trade pool. Consumers are durable and shared, so the
// fleet load-balances commands and a Retry lets another instance take it.
type NATSSubscriber struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	pool       *workpool.Pool
	cfg        SubscriberConfig
	consumers  []jetstream.ConsumeContext
	logger     zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, dispatcher *Dispatcher, pool *workpool.Pool, cfg SubscriberConfig, logger zerolog.Logger) *NATSSubscriber {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultSubscriberConfig().RetryDelay
	}
	return &NATSSubscriber{js: js, dispatcher: dispatcher, pool: pool, cfg: cfg, logger: logger}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ns.cfg.AckWait,
			MaxDeliver:    ns.cfg.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.Handle(msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Handle queues msg on the pool. A full or stopped pool pushes the message
// back to the broker with a delay.
func (ns *NATSSubscriber) Handle(msg Message) {
	err := ns.pool.Submit(func(ctx context.Context) {
		ns.settle(msg, ns.dispatcher.Dispatch(ctx, msg.Subject(), msg.Data()))
	})
	if err == nil {
		return
	}
	if !errors.Is(err, workpool.ErrQueueFull) {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("command refused")
	}
	if err := msg.NakWithDelay(ns.cfg.RetryDelay); err != nil {
		ns.logger.Warn().Err(err).Msg("nak failed")
	}
}

func (ns *NATSSubscriber) settle(msg Message, dec Decision) {
	var err error
	switch dec {
	case Ack:
		err = msg.Ack()
	case Retry:
		err = msg.NakWithDelay(ns.cfg.RetryDelay)
	case Drop:
		err = msg.Term()
	}
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Str("decision", dec.String()).Msg("settle failed")
	}
}

// EnsureCommandStream creates the command stream if it doesn't exist.
// Commands are work items, so the stream uses work-queue retention.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{"arena.cmd.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("command subscribers stopped")
}
