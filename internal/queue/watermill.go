package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Watermill adapts a watermill publisher/subscriber pair to Queue. The
// subscription starts in the constructor so nothing published afterwards is
// missed.
type Watermill struct {
	pub   message.Publisher
	sub   message.Subscriber
	topic string

	deliveries chan Delivery
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewMemory returns an in-process queue backed by watermill's gochannel pubsub.
func NewMemory(topic string, logger watermill.LoggerAdapter) (*Watermill, error) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return newWatermill(ps, ps, topic)
}

// NewRedisStream returns a queue backed by a Redis stream consumed through a
// consumer group, so each item goes to exactly one consumer of the group.
func NewRedisStream(client redis.UniversalClient, topic, group, consumer string, logger watermill.LoggerAdapter) (*Watermill, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("redisstream publisher: %w", err)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redisstream subscriber: %w", err)
	}
	return newWatermill(pub, sub, topic)
}

func newWatermill(pub message.Publisher, sub message.Subscriber, topic string) (*Watermill, error) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	w := &Watermill{
		pub:        pub,
		sub:        sub,
		topic:      topic,
		deliveries: make(chan Delivery),
		cancel:     cancel,
	}
	w.wg.Add(1)
	go w.forward(ctx, msgs)
	return w, nil
}

func (w *Watermill) forward(ctx context.Context, msgs <-chan *message.Message) {
	defer w.wg.Done()
	defer close(w.deliveries)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case w.deliveries <- watermillDelivery{m: m}:
			case <-ctx.Done():
				m.Nack()
				return
			}
		}
	}
}

func (w *Watermill) Publish(ctx context.Context, item WorkItem) error {
	body, err := item.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("session_id", item.SessionID)
	return w.pub.Publish(w.topic, msg)
}

func (w *Watermill) Deliveries() <-chan Delivery {
	return w.deliveries
}

func (w *Watermill) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		if e := w.sub.Close(); e != nil {
			log.Warn().Err(e).Str("component", "queue").Msg("close subscriber")
		}
		// gochannel is both publisher and subscriber
		if any(w.pub) == any(w.sub) {
			return
		}
		err = w.pub.Close()
	})
	return err
}

type watermillDelivery struct {
	m *message.Message
}

func (d watermillDelivery) Body() []byte { return d.m.Payload }

func (d watermillDelivery) Ack() error {
	d.m.Ack()
	return nil
}

// Nack drops the message. A watermill Nack would redeliver it, and these
// backends have no dead-letter queue.
func (d watermillDelivery) Nack() error {
	log.Warn().Str("component", "queue").Str("message_uuid", d.m.UUID).Msg("dropping rejected message")
	d.m.Ack()
	return nil
}
