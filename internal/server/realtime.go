package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cowrite-labs/cowrite/backend/internal/collab"
)

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are handled by the CORS layer; the websocket handshake
	// accepts any origin and relies on credential resolution instead.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRealtime upgrades the connection and hands it to the connection
// manager, which authenticates the supplied credentials before exposing any
// room state.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	credentials := connectionCredentials(c)

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.connections.Serve(c.Request.Context(), &websocketConn{conn: conn}, credentials)
}

// connectionCredentials extracts the session token from the Authorization
// header or, for browser websocket clients that cannot set headers, the
// access_token query parameter.
func connectionCredentials(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// websocketConn adapts a gorilla websocket connection to the collaboration
// channel interface. Reads happen on the dispatch loop and writes on the
// session's write loop, matching gorilla's one-reader one-writer contract.
type websocketConn struct {
	conn *websocket.Conn
}

func (w *websocketConn) ReadEnvelope() (collab.Envelope, error) {
	var envelope collab.Envelope
	err := w.conn.ReadJSON(&envelope)
	return envelope, err
}

func (w *websocketConn) WriteEnvelope(envelope collab.Envelope) error {
	return w.conn.WriteJSON(envelope)
}

func (w *websocketConn) Close() error {
	return w.conn.Close()
}
