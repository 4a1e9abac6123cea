//go:build integration

package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/suPer8Hu/chat-relay/internal/queue"
)

func TestPublishReceiveRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcrabbit.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	pub, err := NewPublisher(url, "chat_test")
	require.NoError(t, err)
	defer pub.Close()

	recv, err := NewReceiver(url, "chat_test", 2)
	require.NoError(t, err)
	defer recv.Close()

	item := queue.WorkItem{
		SessionID: "42",
		ModelRef:  "gpt-x",
		Messages:  []queue.Message{{Role: "user", Content: "hi"}},
	}
	require.NoError(t, pub.Publish(ctx, item))

	select {
	case d := <-recv.Deliveries():
		got, err := queue.DecodeWorkItem(d.Body())
		require.NoError(t, err)
		assert.Equal(t, item, got)
		require.NoError(t, d.Ack())
	case <-ctx.Done():
		t.Fatal("no delivery received")
	}
}

func TestNackGoesToDeadLetterQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcrabbit.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	pub, err := NewPublisher(url, "chat_dlq_test")
	require.NoError(t, err)
	defer pub.Close()
	recv, err := NewReceiver(url, "chat_dlq_test", 1)
	require.NoError(t, err)
	defer recv.Close()

	require.NoError(t, pub.Publish(ctx, queue.WorkItem{SessionID: "7"}))
	d := <-recv.Deliveries()
	require.NoError(t, d.Nack())

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool {
		msg, ok, err := ch.Get("chat_dlq_test.dlq", true)
		if err != nil || !ok {
			return false
		}
		got, err := queue.DecodeWorkItem(msg.Body)
		return err == nil && got.SessionID == "7"
	}, 30*time.Second, 200*time.Millisecond)
}
