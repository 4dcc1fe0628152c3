// Package httpapi is the HTTP surface of the matchmaker. Clients post
// matchmaking requests here, receive a seat reservation, then open a
// WebSocket to the reserved room.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arenalab/arena/internal/v1/auth"
	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/matchmaker"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the matchmaking endpoints.
type Handler struct {
	mm        *matchmaker.Matchmaker
	validator auth.TokenValidator
}

func NewHandler(mm *matchmaker.Matchmaker, validator auth.TokenValidator) *Handler {
	return &Handler{mm: mm, validator: validator}
}

// Register mounts the matchmaking routes on the given group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/:method/:roomName", h.Matchmake)
	g.GET("/rooms", h.ListRooms)
}

// Matchmake handles POST /matchmake/:method/:roomName. The body is a
// JSON object of join options; for joinById the roomName segment is the
// room ID. A bearer token, when present, is validated and its claims
// become the client's auth payload.
func (h *Handler) Matchmake(c *gin.Context) {
	ctx := c.Request.Context()
	method := c.Param("method")
	roomName := c.Param("roomName")

	options := map[string]any{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&options); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    protocol.ErrInvalidPayload,
				"message": "request body must be a JSON object",
			})
			return
		}
	}

	var authPayload any
	if token := bearerToken(c); token != "" && h.validator != nil {
		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			writeError(c, matchmaker.AuthError(err))
			return
		}
		authPayload = claims
	}

	var (
		res *matchmaker.SeatReservation
		err error
	)
	switch method {
	case "joinOrCreate":
		res, err = h.mm.JoinOrCreate(ctx, roomName, options, authPayload)
	case "join":
		res, err = h.mm.Join(ctx, roomName, options, authPayload)
	case "create":
		res, err = h.mm.Create(ctx, roomName, options, authPayload)
	case "joinById":
		res, err = h.mm.JoinByID(ctx, roomName, options, authPayload)
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"code":    protocol.ErrMatchmakeUnhandled,
			"message": "unknown matchmaking method " + method,
		})
		return
	}

	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListRooms handles GET /matchmake/rooms. Only publicly listed rooms
// are returned; an optional name query filters by room type.
func (h *Handler) ListRooms(c *gin.Context) {
	no := false
	rooms, err := h.mm.Query(c.Request.Context(), driver.Query{
		Name:     c.Query("name"),
		Private:  &no,
		Unlisted: &no,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func writeError(c *gin.Context, err error) {
	var merr *matchmaker.Error
	if errors.As(err, &merr) {
		status := http.StatusBadRequest
		if merr.Code == protocol.ErrAuthFailed {
			status = http.StatusUnauthorized
		}
		c.JSON(status, merr)
		return
	}
	if errors.Is(err, matchmaker.ErrShuttingDown) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    protocol.ErrMatchmakeUnhandled,
			"message": "server is shutting down",
		})
		return
	}

	logging.Error(c.Request.Context(), "Matchmaking request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    protocol.ErrMatchmakeUnhandled,
		"message": "internal server error",
	})
}
