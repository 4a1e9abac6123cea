package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/chat-relay/internal/queue"
)

var ErrClosed = errors.New("rabbitmq: channel is closed")

type Publisher struct {
	url   string
	queue string

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPublisher(url, queueName string) (*Publisher, error) {
	p := &Publisher{url: url, queue: queueName, closed: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, ch, err := open(p.url, p.queue)
	if err != nil {
		return err
	}
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	go p.watch(ch)
	return nil
}

// open dials, opens a channel and declares the topology shared with Receiver.
func open(url, queueName string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rabbit dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "rabbit channel")
	}
	if err := declare(ch, queueName); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func declare(ch *amqp.Channel, queueName string) error {
	dlqQ := queueName + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return errors.Wrapf(err, "declare %s", dlqQ)
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	); err != nil {
		return errors.Wrapf(err, "declare %s", queueName)
	}
	return nil
}

// watch reconnects after the broker drops the channel.
func (p *Publisher) watch(ch *amqp.Channel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-p.closed:
		return
	case err, ok := <-notify:
		if !ok {
			return
		}
		log.Warn().Str("component", "rabbitmq").Err(err).Msg("publisher channel closed, reconnecting")
	}
	p.reconnect()
}

// reconnect dials until it succeeds or the publisher is closed. The lock is
// only held to swap the channel, so Publish fails fast with ErrClosed in
// the meantime.
func (p *Publisher) reconnect() {
	p.mu.Lock()
	p.ch, p.conn = nil, nil
	p.mu.Unlock()

	for {
		if err := p.connect(); err == nil {
			log.Info().Str("component", "rabbitmq").Msg("publisher reconnected")
			return
		}
		select {
		case <-p.closed:
			return
		case <-time.After(retryDelay):
		}
	}
}

func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.ch != nil {
			_ = p.ch.Close()
		}
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}

func (p *Publisher) Publish(ctx context.Context, item queue.WorkItem) error {
	body, err := item.Encode()
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ch == nil || p.ch.IsClosed() {
		return ErrClosed
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    item.SessionID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	return errors.Wrapf(err, "publish session %s", item.SessionID)
}
