package broker

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsReadLimit = 64 * 1024

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(text string) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// NewUpgrader accepts same-host requests and the listed origins. A "*" entry
// accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// ServeWS upgrades the request to a websocket and attaches it to sessionID.
// Inbound frames are read for liveness and discarded.
func ServeWS(h *Hub, up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, sessionID string, writeTimeout time.Duration) error {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(wsReadLimit)

	sub := h.Attach(sessionID, &wsConn{ws: ws, writeTimeout: writeTimeout})
	log.Debug().Str("component", "broker").Str("session_id", sessionID).Str("transport", "ws").Msg("client attached")

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("component", "broker").Str("session_id", sessionID).Msg("ws read ended")
			}
			break
		}
	}
	h.Detach(sub)
	<-sub.Done()
	return nil
}
