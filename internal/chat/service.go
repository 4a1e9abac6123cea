package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/suPer8Hu/chat-relay/internal/queue"
)

const limitKeyPrefix = "chatlimit:"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRateLimited     = errors.New("too many requests, wait before starting another chat")
	ErrInvalidRequest  = errors.New("invalid chat request")
	ErrEnqueue         = errors.New("could not enqueue chat request")
)

type IdentityResolver interface {
	Resolve(credential string) (string, error)
}

type Limiter interface {
	TryConsume(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Slots pre-registers a session with the push registry.
type Slots interface {
	Reserve(sessionID string)
	Finalize(sessionID string)
}

type Request struct {
	ModelRef     Ref       `json:"modelRef"`
	CharacterRef Ref       `json:"characterRef"`
	Messages     []Message `json:"messages"`
}

func (r Request) validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant":
		default:
			return fmt.Errorf("%w: messages[%d] has role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

type Handle struct {
	SessionID string `json:"sessionId"`
}

type Service struct {
	repo     *Repo
	identity IdentityResolver
	limiter  Limiter
	slots    Slots
	pub      queue.Publisher
	window   time.Duration
	locks    *keyLock
}

func NewService(repo *Repo, identity IdentityResolver, limiter Limiter, slots Slots, pub queue.Publisher, window time.Duration) *Service {
	return &Service{
		repo:     repo,
		identity: identity,
		limiter:  limiter,
		slots:    slots,
		pub:      pub,
		window:   window,
		locks:    newKeyLock(),
	}
}

// Submit creates a pending session and hands it to the workers. It returns as
// soon as the work item is enqueued.
func (s *Service) Submit(ctx context.Context, credential string, req Request) (Handle, error) {
	userID, err := s.identity.Resolve(credential)
	if err != nil || userID == "" {
		return Handle{}, ErrUnauthenticated
	}
	if err := req.validate(); err != nil {
		return Handle{}, err
	}

	sess, err := s.createSession(ctx, userID, req)
	if err != nil {
		return Handle{}, err
	}
	sid := strconv.FormatUint(sess.ID, 10)

	// the slot must exist before any worker can see the item
	s.slots.Reserve(sid)

	item := queue.WorkItem{
		SessionID:    sid,
		ModelRef:     sess.ModelRef,
		CharacterRef: sess.CharacterRef,
		Messages:     toQueueMessages(req.Messages),
	}
	if err := s.pub.Publish(ctx, item); err != nil {
		log.Error().Str("component", "dispatcher").Str("session_id", sid).Err(err).Msg("enqueue failed")
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := s.repo.FinalizeSession(fctx, sid, Outcome{Error: "enqueue failed"}); ferr != nil {
			log.Error().Str("component", "dispatcher").Str("session_id", sid).Err(ferr).Msg("finalize after enqueue failure")
		}
		s.slots.Finalize(sid)
		return Handle{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	log.Info().Str("component", "dispatcher").Str("session_id", sid).Str("user_id", userID).Msg("chat enqueued")
	return Handle{SessionID: sid}, nil
}

// createSession runs the rate check and the insert under the caller's lock.
func (s *Service) createSession(ctx context.Context, userID string, req Request) (*Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	ok, err := s.limiter.TryConsume(ctx, limitKeyPrefix+userID, s.window)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRateLimited
	}

	sess := newSession(userID, req)
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func newSession(userID string, req Request) *Session {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	return &Session{
		UserID:        userID,
		ModelRef:      req.ModelRef.String(),
		CharacterRef:  req.CharacterRef.String(),
		InputMessages: datatypes.NewJSONSlice(msgs),
		Status:        StatusPending,
	}
}

func toQueueMessages(in []Message) []queue.Message {
	out := make([]queue.Message, len(in))
	for i, m := range in {
		out[i] = queue.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
