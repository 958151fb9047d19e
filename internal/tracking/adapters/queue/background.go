// Package queue implements the background watch over RabbitMQ: the
// positioning daemon batches samples while the process is backgrounded and
// delivers them, after the deferred window, to a queue named by a fixed
// task identifier.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geotrackd/internal/common/log"
	"geotrackd/internal/common/rabbitmq"
	"geotrackd/internal/tracking/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TaskID is the fixed identifier the background watch is registered under.
// It names both the delivery queue and the consumer tag.
const TaskID = "geotrackd.background.watch"

const (
	registerKey   = "tracking.background.register"
	unregisterKey = "tracking.background.unregister"
	deliverKey    = "tracking.background.deliver"
)

type rmqChanneler interface {
	Channel() (*amqp.Channel, error)
}

// BackgroundWatch is the AMQP-backed BackgroundRegistrar.
type BackgroundWatch struct {
	rmq    rmqChanneler
	logger *slog.Logger

	mu  sync.Mutex
	ch  *amqp.Channel // open while registered
	reg bool
}

func NewBackgroundWatch(rmq rmqChanneler, logger *slog.Logger) *BackgroundWatch {
	return &BackgroundWatch{rmq: rmq, logger: logger}
}

// registration is the control message the daemon acts on.
type registration struct {
	TaskID           string  `json:"task_id"`
	Accuracy         string  `json:"accuracy"`
	IntervalMS       int64   `json:"interval_ms"`
	DisplacementM    float64 `json:"displacement_m"`
	DeferredWindowMS int64   `json:"deferred_window_ms"`
	Notification     struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Color string `json:"color"`
	} `json:"notification"`
}

type deferredBatch struct {
	TaskID  string       `json:"task_id"`
	Samples []wireSample `json:"samples"`
}

type wireSample struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	CapturedAtMS int64    `json:"captured_at_ms"`
}

// IsRegistered asks the broker whether the task queue exists. Local state
// short-circuits the check while this process holds the registration.
func (b *BackgroundWatch) IsRegistered(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.reg {
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	ch, err := b.rmq.Channel()
	if err != nil {
		return false, fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclarePassive(TaskID, true, false, false, false, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("passive declare %s: %w", TaskID, err)
	}
	return true, nil
}

// Register declares the task queue, announces the registration to the
// daemon, and starts consuming deferred batches. Samples inside a batch are
// delivered in emission order.
func (b *BackgroundWatch) Register(ctx context.Context, cfg domain.BackgroundConfig, deliver func(domain.PositionSample)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reg {
		return nil
	}

	ch, err := b.rmq.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	if _, err := ch.QueueDeclare(TaskID, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", TaskID, err)
	}
	if err := ch.QueueBind(TaskID, deliverKey, rabbitmq.TopicExchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind queue %s: %w", TaskID, err)
	}

	reg := registration{
		TaskID:           TaskID,
		Accuracy:         string(cfg.Accuracy),
		IntervalMS:       cfg.MinInterval.Milliseconds(),
		DisplacementM:    cfg.MinDisplacement,
		DeferredWindowMS: cfg.DeferredWindow.Milliseconds(),
	}
	reg.Notification.Title = cfg.Notification.Title
	reg.Notification.Body = cfg.Notification.Body
	reg.Notification.Color = cfg.Notification.Color

	if err := b.publishControl(ctx, ch, registerKey, reg); err != nil {
		_ = ch.Close()
		return err
	}

	msgs, err := ch.Consume(TaskID, TaskID, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", TaskID, err)
	}

	b.ch = ch
	b.reg = true

	go b.consumeLoop(msgs, deliver)
	return nil
}

// Unregister announces the deregistration, cancels the consumer, and drops
// the task queue so a later IsRegistered sees a clean broker.
func (b *BackgroundWatch) Unregister(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg {
		return nil
	}

	ch := b.ch
	b.ch = nil
	b.reg = false

	var firstErr error
	if err := b.publishControl(ctx, ch, unregisterKey, map[string]string{"task_id": TaskID}); err != nil {
		firstErr = err
	}
	if err := ch.Cancel(TaskID, false); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("cancel consumer: %w", err)
	}
	if _, err := ch.QueueDelete(TaskID, false, false, false); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("delete queue %s: %w", TaskID, err)
	}
	_ = ch.Close()

	return firstErr
}

func (b *BackgroundWatch) publishControl(ctx context.Context, ch *amqp.Channel, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ch.PublishWithContext(pubCtx, rabbitmq.TopicExchange, key, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (b *BackgroundWatch) consumeLoop(msgs <-chan amqp.Delivery, deliver func(domain.PositionSample)) {
	ctx := context.Background()
	for msg := range msgs {
		var batch deferredBatch
		if err := json.Unmarshal(msg.Body, &batch); err != nil {
			log.Error(ctx, b.logger, "background_batch_unmarshal_fail", "Failed to parse deferred batch", err)
			_ = msg.Nack(false, false)
			continue
		}

		for _, w := range batch.Samples {
			s := domain.PositionSample{
				Latitude:   w.Latitude,
				Longitude:  w.Longitude,
				CapturedAt: time.UnixMilli(w.CapturedAtMS).UTC(),
			}
			if w.Accuracy != nil {
				s.Accuracy = *w.Accuracy
				s.HasAccuracy = true
			}
			deliver(s)
		}

		if err := msg.Ack(false); err != nil {
			log.Warn(ctx, b.logger, "background_ack_fail", "Failed to ack deferred batch", err)
		}
	}
}
