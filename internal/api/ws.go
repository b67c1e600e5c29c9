package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/internal/bridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	// The agent connects from the arena page's origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentSocket upgrades the browser agent connection and pumps its
// frames into the response channel registry.
func (s *Server) handleAgentSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("agent websocket upgrade failed: %v", err)
		return
	}

	log.Info("browser agent connected")
	s.channel.Attach(conn)

	defer func() {
		s.channel.Detach(conn)
		_ = conn.Close()
		log.Warn("browser agent disconnected")
		if !s.store.Get().EnableAutoRetry {
			s.registry.DrainAll("browser agent disconnected before the response completed")
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("agent websocket read failed: %v", err)
			}
			return
		}

		msg := gjson.ParseBytes(data)
		requestID := msg.Get("request_id").String()
		if requestID == "" {
			log.Debugf("ignoring agent frame without request_id: %s", truncate(string(data), 120))
			continue
		}

		frame, ok := bridge.ParseFrame(msg.Get("data"))
		if !ok {
			log.Warnf("unparseable agent frame for request %s", shortID(requestID))
			continue
		}
		s.registry.Push(requestID, frame)
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
