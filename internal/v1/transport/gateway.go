// Package transport bridges WebSocket connections to rooms. The
// matchmaking HTTP surface hands out seat reservations; clients then
// connect here to consume them.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/matchmaker"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/arenalab/arena/internal/v1/ratelimit"
	"github.com/arenalab/arena/internal/v1/room"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway upgrades client connections and attaches them to their
// reserved room. Only rooms hosted by this process are reachable; the
// seat reservation carries the public address of the right one.
type Gateway struct {
	mm             *matchmaker.Matchmaker
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewGateway(mm *matchmaker.Matchmaker, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Gateway {
	g := &Gateway{
		mm:             mm,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin admits requests with no Origin header (non-browser
// clients) and browser requests from the configured origins.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// identifyWait bounds how long a connection may sit unidentified before
// it is dropped.
const identifyWait = 10 * time.Second

// ServeWs handles GET /ws/:roomId. The client identifies itself with a
// sessionId query (consuming a seat reservation), a reconnectionToken
// query, or, when neither is present, a RECONNECT frame sent first on
// the fresh socket.
func (g *Gateway) ServeWs(c *gin.Context) {
	if g.rateLimiter != nil && !g.rateLimiter.CheckWebSocket(c) {
		return
	}

	roomID := c.Param("roomId")
	sessionID := c.Query("sessionId")
	reconnToken := c.Query("reconnectionToken")

	r, ok := g.mm.LocalRoom(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found on this process"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	t := newConn(ws, sessionID)
	go t.writePump()

	if sessionID == "" && reconnToken == "" {
		reconnToken, err = readReconnectFrame(ws)
		if err != nil {
			logging.Info(logging.WithRoom(c.Request.Context(), roomID), "Connection sent no identifying frame", zap.Error(err))
			if frame, encErr := protocol.EncodeError(protocol.ErrInvalidPayload, "reconnect frame required"); encErr == nil {
				_ = t.Send(frame)
			}
			_ = t.Close(protocol.CloseWithError, "reconnect frame required")
			return
		}
	}

	var client *room.Client
	if reconnToken != "" {
		client, err = r.Reconnect(t, reconnToken)
	} else {
		client, err = r.Join(c.Request.Context(), t, sessionID)
	}
	if err != nil {
		logging.Info(logging.WithRoom(c.Request.Context(), roomID), "Connection rejected",
			zap.String("session_id", sessionID), zap.Error(err))
		if frame, encErr := protocol.EncodeError(protocol.ErrMatchmakeExpired, err.Error()); encErr == nil {
			_ = t.Send(frame)
		}
		_ = t.Close(protocol.CloseWithError, "join failed")
		return
	}

	metrics.WebSocketConnections.Inc()
	g.readPump(r, client, ws, t)
}

// readReconnectFrame blocks for the identifying RECONNECT frame on a
// connection that arrived without query credentials.
func readReconnectFrame(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(identifyWait))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return "", err
		}
		if msg.Code != protocol.Reconnect {
			return "", fmt.Errorf("transport: expected RECONNECT frame, got code %d", msg.Code)
		}
		return msg.ReconnectionToken, nil
	}
}

// readPump feeds incoming frames to the room until the socket closes,
// then runs the leave path with the observed close code.
func (g *Gateway) readPump(r *room.Room, client *room.Client, ws wsConnection, t *conn) {
	defer metrics.WebSocketConnections.Dec()

	closeCode := protocol.CloseWithError
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				protocol.CloseConsented,
			) {
				closeCode = protocol.CloseConsented
			}
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		r.HandleFrame(client, data)
	}

	r.Leave(client, closeCode)
	_ = t.Close(closeCode, "")
}
