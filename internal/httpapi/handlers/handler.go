package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chat-relay/internal/broker"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

type Handler struct {
	ChatSvc      *chat.Service
	Hub          *broker.Hub
	Upgrader     *websocket.Upgrader
	WriteTimeout time.Duration
}

func NewHandler(svc *chat.Service, hub *broker.Hub, upgrader *websocket.Upgrader, writeTimeout time.Duration) *Handler {
	return &Handler{ChatSvc: svc, Hub: hub, Upgrader: upgrader, WriteTimeout: writeTimeout}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func unauthorized(c *gin.Context) {
	common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
}
