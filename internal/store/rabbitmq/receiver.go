package rabbitmq

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/chat-relay/internal/queue"
)

const retryDelay = 2 * time.Second

// Receiver consumes the main queue with a prefetch equal to the worker
// concurrency, and reopens the consumer when the broker drops it.
type Receiver struct {
	url      string
	queue    string
	prefetch int

	out  chan queue.Delivery
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewReceiver(url, queueName string, prefetch int) (*Receiver, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	r := &Receiver{
		url:      url,
		queue:    queueName,
		prefetch: prefetch,
		out:      make(chan queue.Delivery),
		stop:     make(chan struct{}),
	}
	conn, ch, msgs, err := r.consume()
	if err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.run(conn, ch, msgs)
	return r, nil
}

func (r *Receiver) consume() (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, ch, err := open(r.url, r.queue)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, nil, errors.Wrap(err, "qos")
	}
	msgs, err := ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, errors.Wrap(err, "consume")
	}
	return conn, ch, msgs, nil
}

func (r *Receiver) run(conn *amqp.Connection, ch *amqp.Channel, msgs <-chan amqp.Delivery) {
	defer r.wg.Done()
	defer close(r.out)
	for {
		if !r.forward(msgs) {
			_ = conn.Close()
			return
		}
		_ = ch.Close()
		_ = conn.Close()

		log.Warn().Str("component", "rabbitmq").Str("queue", r.queue).Msg("delivery channel closed, reconnecting")
		for {
			var err error
			conn, ch, msgs, err = r.consume()
			if err == nil {
				log.Info().Str("component", "rabbitmq").Msg("consumer restarted")
				break
			}
			select {
			case <-r.stop:
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

// forward returns false when the receiver is stopping.
func (r *Receiver) forward(msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-r.stop:
			return false
		case d, ok := <-msgs:
			if !ok {
				return true
			}
			select {
			case r.out <- delivery{d: d}:
			case <-r.stop:
				_ = d.Nack(false, true)
				return false
			}
		}
	}
}

func (r *Receiver) Deliveries() <-chan queue.Delivery {
	return r.out
}

func (r *Receiver) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
	return nil
}

type delivery struct {
	d amqp.Delivery
}

func (d delivery) Body() []byte { return d.d.Body }

func (d delivery) Ack() error { return d.d.Ack(false) }

// Nack dead-letters the message to the DLQ.
func (d delivery) Nack() error { return d.d.Nack(false, false) }
