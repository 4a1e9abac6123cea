// Package queue defines the work item handed from the request dispatcher to
// the stream workers, and the publish/receive capabilities every queue backend
// provides.
package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/bytedance/sonic"
)

// Message is one role-tagged prompt turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WorkItem is the single message type carried by the queue.
type WorkItem struct {
	SessionID    string    `json:"sessionId"`
	ModelRef     string    `json:"modelRef"`
	CharacterRef string    `json:"characterRef"`
	Messages     []Message `json:"messages"`
}

var ErrBadWorkItem = errors.New("queue: malformed work item")

func (w WorkItem) Encode() ([]byte, error) {
	return sonic.Marshal(w)
}

func DecodeWorkItem(b []byte) (WorkItem, error) {
	var w WorkItem
	if err := sonic.Unmarshal(b, &w); err != nil {
		return WorkItem{}, errors.Join(ErrBadWorkItem, err)
	}
	if strings.TrimSpace(w.SessionID) == "" {
		return WorkItem{}, ErrBadWorkItem
	}
	return w, nil
}

// Delivery is one received work item awaiting acknowledgement.
type Delivery interface {
	Body() []byte
	Ack() error
	// Nack rejects the delivery without requeue.
	Nack() error
}

type Publisher interface {
	Publish(ctx context.Context, item WorkItem) error
	Close() error
}

type Receiver interface {
	// Deliveries is closed when the receiver is closed.
	Deliveries() <-chan Delivery
	Close() error
}

// Queue is a backend that can both publish and receive.
type Queue interface {
	Publisher
	Deliveries() <-chan Delivery
}
