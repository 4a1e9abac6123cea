// Package broker routes stream deltas to whichever client connection is
// subscribed to a session, over SSE or websocket.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn is one client push connection. Send writes one discrete frame.
type Conn interface {
	Send(text string) error
	Close() error
}

type Config struct {
	IdleTimeout time.Duration
	// SendBuffer bounds both the per-subscription send queue and the frames
	// held for a slot no client has attached to yet.
	SendBuffer int
}

// Hub is the session registry. A session id maps to an entry that is
// either a reserved slot without a client or a live Subscription.
type Hub struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	// subscriptions for ids that were never reserved
	loose  map[*entry]struct{}
	closed bool

	writers sync.WaitGroup
}

type entry struct {
	id        string
	sub       *Subscription
	pending   []string
	dropped   int
	finalized bool
	gone      bool
	deadline  time.Time
	timer     *time.Timer
}

// Subscription is one attached client connection.
type Subscription struct {
	ID        string
	SessionID string

	hub     *Hub
	entry   *entry
	conn    Conn
	out     chan string
	closing bool
	done    chan struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		cfg:     cfg,
		entries: make(map[string]*entry),
		loose:   make(map[*entry]struct{}),
	}
}

// Reserve creates the slot for sessionID. Frames pushed before a client
// attaches are held and flushed on Attach.
func (h *Hub) Reserve(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.entries[sessionID]; ok {
		return
	}
	h.entries[sessionID] = h.newEntryLocked(sessionID)
}

// Attach registers conn for sessionID, replacing any earlier connection.
// Attaching to an id that was never reserved keeps conn open until the idle
// timeout without routing anything to it.
func (h *Hub) Attach(sessionID string, conn Conn) *Subscription {
	s := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		hub:       h,
		conn:      conn,
		out:       make(chan string, h.cfg.SendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closing = true
		close(s.done)
		_ = conn.Close()
		return s
	}
	switch e, ok := h.entries[sessionID]; {
	case !ok:
		e = h.newEntryLocked(sessionID)
		h.loose[e] = struct{}{}
		e.sub, s.entry = s, e
		log.Debug().Str("component", "broker").Str("session_id", sessionID).Msg("attach to unknown session")
	default:
		if prev := e.sub; prev != nil {
			prev.closeLocked()
			log.Info().Str("component", "broker").Str("session_id", sessionID).Str("replaced", prev.ID).Msg("subscription replaced")
		}
		e.sub, s.entry = s, e
		for _, text := range e.pending {
			s.out <- text
		}
		e.pending = nil
		e.touch(h.cfg.IdleTimeout)
		if e.finalized {
			h.dropLocked(e)
		}
	}
	h.writers.Add(1)
	h.mu.Unlock()

	go s.writeLoop()
	return s
}

// PushMessage queues text for the session's client without blocking. It
// reports false when the session is unknown or the frame could not be
// queued; a subscription whose send queue is full is dropped. A slot without
// a client keeps its first SendBuffer-1 frames plus the most recent one.
func (h *Hub) PushMessage(sessionID, text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[sessionID]
	if !ok {
		return false
	}
	e.touch(h.cfg.IdleTimeout)

	if e.sub == nil {
		if e.finalized {
			return false
		}
		if len(e.pending) < h.cfg.SendBuffer {
			e.pending = append(e.pending, text)
			return true
		}
		// full: the newest frame replaces the tail so the closing sentinel
		// is never lost
		if e.dropped == 0 {
			log.Warn().Str("component", "broker").Str("session_id", sessionID).Msg("pending frames full, dropping middle frames")
		}
		e.dropped++
		e.pending[len(e.pending)-1] = text
		return true
	}

	select {
	case e.sub.out <- text:
		return true
	default:
		log.Warn().Str("component", "broker").Str("session_id", sessionID).Msg("send buffer full, dropping subscription")
		h.dropLocked(e)
		return false
	}
}

// Finalize closes the session's subscription once queued frames are written.
// A slot without a client keeps its frames until one attaches or the idle
// timeout passes. Finalize is idempotent.
func (h *Hub) Finalize(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[sessionID]
	if !ok {
		return
	}
	if e.sub != nil {
		h.dropLocked(e)
		return
	}
	e.finalized = true
	e.touch(h.cfg.IdleTimeout)
}

// Detach removes s after its client went away. It is a no-op when s was
// already replaced or closed.
func (h *Hub) Detach(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := s.entry; e != nil && !e.gone && e.sub == s {
		h.dropLocked(e)
		return
	}
	s.closeLocked()
}

// Close drops every slot and subscription and waits for writers to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, e := range h.entries {
		h.dropLocked(e)
	}
	for e := range h.loose {
		h.dropLocked(e)
	}
	h.mu.Unlock()
	h.writers.Wait()
}

// Len reports the number of registered session ids.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *Hub) newEntryLocked(id string) *entry {
	e := &entry{id: id}
	e.deadline = time.Now().Add(h.cfg.IdleTimeout)
	e.timer = time.AfterFunc(h.cfg.IdleTimeout, func() { h.expire(e) })
	return e
}

func (e *entry) touch(idle time.Duration) {
	e.deadline = time.Now().Add(idle)
}

// expire runs on the entry timer and re-arms it while the entry is active.
func (h *Hub) expire(e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.gone {
		return
	}
	if d := time.Until(e.deadline); d > 0 {
		e.timer.Reset(d)
		return
	}
	log.Info().Str("component", "broker").Str("session_id", e.id).Msg("session idle, closing")
	h.dropLocked(e)
}

func (h *Hub) dropLocked(e *entry) {
	if e.gone {
		return
	}
	e.gone = true
	e.timer.Stop()
	if cur, ok := h.entries[e.id]; ok && cur == e {
		delete(h.entries, e.id)
	}
	delete(h.loose, e)
	if e.sub != nil {
		e.sub.closeLocked()
		e.sub = nil
	}
	e.pending = nil
}

// closeLocked ends the writer after it drains queued frames.
func (s *Subscription) closeLocked() {
	if s.closing {
		return
	}
	s.closing = true
	close(s.out)
}

func (s *Subscription) writeLoop() {
	defer s.hub.writers.Done()
	defer close(s.done)

	for text := range s.out {
		if err := s.conn.Send(text); err != nil {
			log.Warn().Err(err).Str("component", "broker").Str("session_id", s.SessionID).Msg("push failed, dropping subscription")
			s.hub.Detach(s)
			break
		}
	}
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Str("component", "broker").Str("session_id", s.SessionID).Msg("close connection")
	}
}

// Done is closed once the connection has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
