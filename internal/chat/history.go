package chat

import (
	"context"
	"strconv"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type HistoryTurn struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History flattens the user's most recent sessions, oldest first. Each session
// contributes its last user turn and, once finished, the assistant output.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]HistoryTurn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sessions, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	turns := make([]HistoryTurn, 0, len(sessions)*2)
	// newest first from the repo
	for i := len(sessions) - 1; i >= 0; i-- {
		sess := sessions[i]
		id := strconv.FormatUint(sess.ID, 10)
		if m, ok := lastUserTurn(sess.InputMessages); ok {
			turns = append(turns, HistoryTurn{ID: id, Role: "user", Content: m.Content})
		}
		if sess.Output != nil {
			turns = append(turns, HistoryTurn{ID: id, Role: "assistant", Content: *sess.Output})
		}
	}
	return turns, nil
}

func lastUserTurn(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Session returns the session when it belongs to userID.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}
