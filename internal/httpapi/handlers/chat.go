package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/chat-relay/internal/broker"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

// RequestChat accepts a chat request and returns the session id to stream.
func (h *Handler) RequestChat(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "invalid json")
		return
	}

	handle, err := h.ChatSvc.Submit(c.Request.Context(), c.GetHeader("Authorization"), req)
	switch {
	case err == nil:
		common.OK(c, handle)
	case errors.Is(err, chat.ErrUnauthenticated):
		unauthorized(c)
	case errors.Is(err, chat.ErrRateLimited):
		common.Fail(c, http.StatusForbidden, common.CodeForbidden, chat.ErrRateLimited.Error())
	case errors.Is(err, chat.ErrInvalidRequest):
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, err.Error())
	case errors.Is(err, chat.ErrEnqueue):
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "enqueue failed")
	default:
		log.Error().Str("component", "http").Str("request_id", c.GetString(middleware.RequestIDKey)).Err(err).Msg("submit chat")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

// Stream serves the session's deltas as server-sent events.
func (h *Handler) Stream(c *gin.Context) {
	sid := c.Param("sessionId")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	if err := broker.ServeSSE(h.Hub, c.Writer, c.Request, sid, h.WriteTimeout); err != nil {
		log.Warn().Str("component", "http").Str("session_id", sid).Err(err).Msg("sse stream")
		if !c.Writer.Written() {
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "streaming unsupported")
		}
	}
}

// Socket serves the session's deltas over a websocket.
func (h *Handler) Socket(c *gin.Context) {
	sid := c.Param("sessionId")
	// Upgrade has already answered the client on error
	if err := broker.ServeWS(h.Hub, h.Upgrader, c.Writer, c.Request, sid, h.WriteTimeout); err != nil {
		log.Debug().Str("component", "http").Str("session_id", sid).Err(err).Msg("ws upgrade")
	}
}

func (h *Handler) History(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	turns, err := h.ChatSvc.History(c.Request.Context(), uid, limit)
	if err != nil {
		log.Error().Str("component", "http").Str("user_id", uid).Err(err).Msg("list history")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to list history")
		return
	}
	common.OK(c, turns)
}

func (h *Handler) GetSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}

	sess, err := h.ChatSvc.Session(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, common.CodeNotFound, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	common.OK(c, gin.H{
		"id":         strconv.FormatUint(sess.ID, 10),
		"status":     sess.Status,
		"output":     sess.Output,
		"error":      sess.Error,
		"createdAt":  sess.CreatedAt,
		"finishedAt": sess.FinishedAt,
	})
}
