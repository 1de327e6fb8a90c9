package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// Error codes returned in proto.Error bodies.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeInternal   = "internal"
)

// HistoryHandlers serves persisted room history.
type HistoryHandlers struct {
	history core.HistoryStore
	log     *zerolog.Logger
}

// NewHistoryHandlers creates a new history handlers instance.
func NewHistoryHandlers(history core.HistoryStore, logger *zerolog.Logger) *HistoryHandlers {
	return &HistoryHandlers{
		history: history,
		log:     logger,
	}
}

// ListMessages returns a room's history oldest first.
// GET /api/rooms/:roomId/messages
func (h *HistoryHandlers) ListMessages(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Code: ErrCodeBadRequest, Msg: "invalid room id"})
		return
	}

	msgs, err := h.history.Query(c.Request.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("failed to query history")
		c.JSON(http.StatusInternalServerError, proto.Error{Code: ErrCodeInternal, Msg: "internal server error"})
		return
	}

	h.log.Debug().Int64("room_id", roomID).Int("message_count", len(msgs)).Msg("history listed")
	c.JSON(http.StatusOK, historyFromPersisted(msgs))
}
