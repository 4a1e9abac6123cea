package worker

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/queue"
)

const (
	DoneSentinel  = "[DONE]"
	ErrorSentinel = "[ERROR]: "

	finalizeTimeout = 10 * time.Second
)

type Upstream interface {
	StreamCompletion(ctx context.Context, req ai.CompletionRequest) (io.ReadCloser, error)
}

// Pusher delivers frames to the session's subscriber by id.
type Pusher interface {
	PushMessage(sessionID, text string) bool
	Finalize(sessionID string)
}

type Sink interface {
	FinalizeSession(ctx context.Context, sessionID string, out chat.Outcome) error
}

// Worker drives one upstream stream per work item. It makes a single
// attempt; failures end the session in the failed state.
type Worker struct {
	upstream Upstream
	pusher   Pusher
	sink     Sink
	timeout  time.Duration
}

func New(upstream Upstream, pusher Pusher, sink Sink, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Worker{upstream: upstream, pusher: pusher, sink: sink, timeout: timeout}
}

// Process streams the completion for item, pushes each delta and the
// terminal sentinel, then persists the transcript and closes the
// subscription. The returned error only reports persistence failures.
func (w *Worker) Process(ctx context.Context, item queue.WorkItem) error {
	sid := item.SessionID
	start := time.Now()

	var acc strings.Builder
	err := w.stream(ctx, item, &acc)

	out := chat.Outcome{Output: acc.String()}
	if err != nil {
		out.Error = err.Error()
		w.pusher.PushMessage(sid, ErrorSentinel+err.Error())
		log.Warn().Str("component", "worker").Str("session_id", sid).Err(err).Int("chars", acc.Len()).Msg("stream failed")
	} else {
		w.pusher.PushMessage(sid, DoneSentinel)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	ferr := w.sink.FinalizeSession(fctx, sid, out)
	w.pusher.Finalize(sid)

	if ferr != nil {
		log.Error().Str("component", "worker").Str("session_id", sid).Err(ferr).Msg("persist transcript")
		return ferr
	}
	log.Info().Str("component", "worker").Str("session_id", sid).
		Str("status", string(out.Status())).
		Dur("cost", time.Since(start)).
		Msg("session finished")
	return nil
}

func (w *Worker) stream(ctx context.Context, item queue.WorkItem, acc *strings.Builder) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := w.upstream.StreamCompletion(ctx, ai.CompletionRequest{
		Model:     item.ModelRef,
		Character: item.CharacterRef,
		Messages:  toAIMessages(item.Messages),
	})
	if err != nil {
		return err
	}
	defer body.Close()

	for delta, err := range ai.ParseStream(body) {
		if err != nil {
			return err
		}
		acc.WriteString(delta)
		if !w.pusher.PushMessage(item.SessionID, delta) {
			log.Debug().Str("component", "worker").Str("session_id", item.SessionID).Msg("no subscriber for delta")
		}
	}
	return nil
}

func toAIMessages(in []queue.Message) []ai.Message {
	out := make([]ai.Message, len(in))
	for i, m := range in {
		out[i] = ai.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
