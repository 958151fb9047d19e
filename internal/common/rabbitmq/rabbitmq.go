package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geotrackd/internal/common/config"
	"geotrackd/internal/common/log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopicExchange carries the tracking control and delivery traffic.
const TopicExchange = "tracking_topic"

// MQ is a RabbitMQ connector with a background watcher that redials when the
// broker drops the connection.
type MQ struct {
	url    string
	logger *slog.Logger
	logCtx context.Context

	mu   sync.RWMutex
	conn *amqp.Connection

	closed chan struct{}
	once   sync.Once
}

func NewMQ(cfg config.RMQ, logger *slog.Logger) *MQ {
	return &MQ{
		url:    fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Connect dials once and starts the reconnect watcher. Further redial
// attempts happen in the watcher, not here.
func (mq *MQ) Connect(ctx context.Context) error {
	mq.logCtx = context.WithoutCancel(ctx)

	if err := mq.dial(); err != nil {
		return err
	}

	go mq.watch()
	return nil
}

// DeclareTopology declares the topic exchange used for watch control and
// deferred delivery. Queues are declared by their consumers.
func (mq *MQ) DeclareTopology() error {
	ch, err := mq.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(TopicExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", TopicExchange, err)
	}
	return nil
}

// Channel opens a fresh channel on the current connection.
func (mq *MQ) Channel() (*amqp.Channel, error) {
	mq.mu.RLock()
	conn := mq.conn
	mq.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq: connection is not open")
	}
	return conn.Channel()
}

// Close stops the watcher and closes the connection.
func (mq *MQ) Close() {
	mq.once.Do(func() { close(mq.closed) })

	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.conn != nil {
		_ = mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *MQ) dial() error {
	conn, err := amqp.DialConfig(mq.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.mu.Unlock()
	return nil
}

// watch redials with backoff whenever the broker closes the connection.
func (mq *MQ) watch() {
	for {
		mq.mu.RLock()
		conn := mq.conn
		mq.mu.RUnlock()
		if conn == nil {
			return
		}

		errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-mq.closed:
			return
		case amqpErr := <-errCh:
			if amqpErr != nil {
				log.Warn(mq.logCtx, mq.logger, "rmq_connection_lost", "RabbitMQ connection closed, redialing", amqpErr)
			}
		}

		backoff := time.Second
		for {
			select {
			case <-mq.closed:
				return
			case <-time.After(backoff):
			}

			if err := mq.dial(); err == nil {
				log.Info(mq.logCtx, mq.logger, "rmq_reconnected", "RabbitMQ connection re-established")
				break
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}
