package worker

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/chat-relay/internal/queue"
)

// Claimer marks a session as taken so a redelivered item is skipped.
type Claimer interface {
	ClaimSession(ctx context.Context, sessionID string) (bool, error)
}

// Pool runs at most size workers at once. The receive loop waits for a free
// slot before it takes the next delivery.
type Pool struct {
	recv    queue.Receiver
	claimer Claimer
	worker  *Worker
	size    int
}

func NewPool(recv queue.Receiver, claimer Claimer, w *Worker, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{recv: recv, claimer: claimer, worker: w, size: size}
}

// Run consumes until ctx is done or the receiver closes, then waits for
// in-flight sessions to finish.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	slots := make(chan struct{}, p.size)

	log.Info().Str("component", "pool").Int("concurrency", p.size).Msg("worker pool started")
	defer log.Info().Str("component", "pool").Msg("worker pool stopped")

	deliveries := p.recv.Deliveries()
	for {
		// a slot is taken before receiving so no delivery waits unprocessed
		select {
		case <-ctx.Done():
			return g.Wait()
		case slots <- struct{}{}:
		}

		select {
		case <-ctx.Done():
			return g.Wait()
		case d, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				defer func() { <-slots }()
				p.handle(ctx, d)
				return nil
			})
		}
	}
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	item, err := queue.DecodeWorkItem(d.Body())
	if err != nil {
		log.Error().Str("component", "pool").Err(err).Msg("bad work item, dead-lettering")
		if err := d.Nack(); err != nil {
			log.Warn().Str("component", "pool").Err(err).Msg("nack")
		}
		return
	}
	sid := item.SessionID

	claimed, err := p.claimer.ClaimSession(ctx, sid)
	switch {
	case err != nil:
		// keystore unavailable: process anyway, finalize is still conditional
		log.Warn().Str("component", "pool").Str("session_id", sid).Err(err).Msg("claim failed")
	case !claimed:
		log.Info().Str("component", "pool").Str("session_id", sid).Msg("duplicate delivery, skipping")
		_ = d.Ack()
		return
	}

	if err := d.Ack(); err != nil {
		log.Warn().Str("component", "pool").Str("session_id", sid).Err(err).Msg("ack")
	}

	// in-flight sessions outlive shutdown of the receive loop
	_ = p.worker.Process(context.WithoutCancel(ctx), item)
}
