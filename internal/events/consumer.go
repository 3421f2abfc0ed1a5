// Package events consumes B2B credit order events from Kafka and feeds them
// into the credit queue.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/metrics"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/queue"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler applies an event in-process when queueing is disabled.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.CreditOrderEvent) (*queue.Result, error)
}

// CreditOrderConsumer reads credit order events and enqueues one
// credit/credit_order job per valid event. Offsets are committed only once
// the event has been handed off, so a crash replays it.
type CreditOrderConsumer struct {
	reader    MessageReader
	enqueuer  queue.Enqueuer
	handler   EventHandler
	validate  *validator.Validate
	logger    *zap.Logger
	retryWait time.Duration
}

// NewKafkaReader builds a consumer-group reader for the credit topic.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// NewCreditOrderConsumer wires a consumer. enqueuer may be nil, in which
// case events go straight to handler.
func NewCreditOrderConsumer(reader MessageReader, enqueuer queue.Enqueuer, handler EventHandler, logger *zap.Logger) *CreditOrderConsumer {
	return &CreditOrderConsumer{
		reader:    reader,
		enqueuer:  enqueuer,
		handler:   handler,
		validate:  validator.New(),
		logger:    logger.Named("credit-events"),
		retryWait: 2 * time.Second,
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *CreditOrderConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process hands one message off. It returns false only when ctx ended
// before the hand-off succeeded.
func (c *CreditOrderConsumer) process(ctx context.Context, msg kafka.Message) bool {
	log := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	ev, err := c.decode(msg.Value)
	if err != nil {
		metrics.CreditEvents.WithLabelValues("malformed").Inc()
		log.Warn("skipping malformed credit order event", zap.Error(err))
		return true
	}
	log = log.With(zap.String("order_id", ev.OrderID), zap.String("event", ev.Event))

	for {
		err := c.dispatch(ctx, ev)
		if err == nil {
			metrics.CreditEvents.WithLabelValues("accepted").Inc()
			log.Debug("credit order event accepted")
			return true
		}
		if queue.IsPermanent(err) {
			metrics.CreditEvents.WithLabelValues("rejected").Inc()
			log.Warn("credit order event rejected", zap.Error(err))
			return true
		}
		log.Error("credit order hand-off failed, retrying", zap.Error(err))
		if !c.sleep(ctx) {
			return false
		}
	}
}

func (c *CreditOrderConsumer) decode(value []byte) (models.CreditOrderEvent, error) {
	var ev models.CreditOrderEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, err
	}
	if err := c.validate.Struct(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func (c *CreditOrderConsumer) dispatch(ctx context.Context, ev models.CreditOrderEvent) error {
	if c.enqueuer != nil {
		return c.enqueuer.Enqueue(ctx, queue.CreditOrder{CreditOrderEvent: ev})
	}
	_, err := c.handler.HandleEvent(ctx, ev)
	return err
}

func (c *CreditOrderConsumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryWait):
		return true
	}
}
