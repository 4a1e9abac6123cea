package broker

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	sse "github.com/tmaxmax/go-sse"
)

const connectEvent = "CONNECT"

type sseConn struct {
	sess         *sse.Session
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func (c *sseConn) Send(text string) error {
	if c.writeTimeout > 0 {
		// not every ResponseWriter supports deadlines
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	msg := &sse.Message{}
	msg.AppendData(text)
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

// Close is a no-op; the stream ends when ServeSSE returns.
func (c *sseConn) Close() error { return nil }

// ServeSSE upgrades the request to an event stream, sends the CONNECT event
// and attaches it to sessionID. It returns once the subscription has ended
// or the client went away.
func ServeSSE(h *Hub, w http.ResponseWriter, r *http.Request, sessionID string, writeTimeout time.Duration) error {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return err
	}
	conn := &sseConn{sess: sess, rc: http.NewResponseController(w), writeTimeout: writeTimeout}

	hello := &sse.Message{Type: sse.Type(connectEvent)}
	hello.AppendData("Stream established for " + sessionID)
	if err := sess.Send(hello); err != nil {
		return err
	}
	if err := sess.Flush(); err != nil {
		return err
	}

	sub := h.Attach(sessionID, conn)
	log.Debug().Str("component", "broker").Str("session_id", sessionID).Str("transport", "sse").Msg("client attached")

	select {
	case <-sub.Done():
	case <-r.Context().Done():
		h.Detach(sub)
		<-sub.Done()
	}
	return nil
}
