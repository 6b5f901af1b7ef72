package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/call"
	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/media"
	"github.com/dermalink/consult-agent/internal/notify"
	"github.com/dermalink/consult-agent/internal/proto"
	"github.com/dermalink/consult-agent/internal/store"
)

// Handlers provides HTTP handlers for the local control API.
type Handlers struct {
	ch         *channel.Channel
	dispatcher *notify.Dispatcher
	negotiator *call.Negotiator
	store      store.Store
	log        *zerolog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(ch *channel.Channel, dispatcher *notify.Dispatcher, negotiator *call.Negotiator, st store.Store, logger *zerolog.Logger) *Handlers {
	return &Handlers{
		ch:         ch,
		dispatcher: dispatcher,
		negotiator: negotiator,
		store:      st,
		log:        logger,
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports agent liveness and channel state.
type HealthResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

// NotificationsResponse wraps the ledger snapshot.
type NotificationsResponse struct {
	Items       []notify.Notification `json:"items"`
	UnreadCount int                   `json:"unreadCount"`
	SyncError   string                `json:"syncError,omitempty"`
}

// StartCallRequest represents the call start request body.
type StartCallRequest struct {
	TargetID string `json:"targetId" binding:"required"`
	ChatID   string `json:"chatId" binding:"required"`
	Kind     string `json:"kind" binding:"required,oneof=voice video"`
}

// Health handles liveness checks.
// GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Channel: h.ch.State().String(),
	})
}

// ListNotifications returns the current ledger snapshot.
// GET /api/notifications
func (h *Handlers) ListNotifications(c *gin.Context) {
	resp := NotificationsResponse{
		Items:       h.dispatcher.Items(),
		UnreadCount: h.dispatcher.UnreadCount(),
	}
	if err := h.dispatcher.Err(); err != nil {
		resp.SyncError = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// MarkNotificationRead flips one notification read.
// POST /api/notifications/:id/read
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.dispatcher.MarkRead(c.Request.Context(), id); err != nil {
		// The optimistic flip already happened; report the sync failure
		// so the UI can show a toast.
		h.log.Warn().Err(err).Str("id", id).Msg("mark read sync failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend sync failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAllNotificationsRead flips every notification read.
// POST /api/notifications/read-all
func (h *Handlers) MarkAllNotificationsRead(c *gin.Context) {
	if err := h.dispatcher.MarkAllRead(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("mark all read sync failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend sync failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// CallStatus reports the active session, or idle.
// GET /api/call
func (h *Handlers) CallStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.negotiator.Status())
}

// StartCall begins an outbound call.
// POST /api/call
func (h *Handlers) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid start call request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	err := h.negotiator.Start(c.Request.Context(), req.TargetID, req.ChatID, proto.CallKind(req.Kind))
	if err != nil {
		var acq *media.AcquisitionError
		if errors.As(err, &acq) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "camera or microphone unavailable, allow device access"})
			return
		}
		h.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("start call failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to start call"})
		return
	}
	c.JSON(http.StatusAccepted, h.negotiator.Status())
}

// AcceptCall answers the pending inbound offer reported by CallStatus.
// POST /api/call/accept
func (h *Handlers) AcceptCall(c *gin.Context) {
	if err := h.negotiator.AcceptPending(c.Request.Context()); err != nil {
		if errors.Is(err, call.ErrNoPendingOffer) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no pending offer"})
			return
		}
		var acq *media.AcquisitionError
		if errors.As(err, &acq) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "camera or microphone unavailable, allow device access"})
			return
		}
		h.log.Error().Err(err).Msg("accept call failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to accept call"})
		return
	}
	c.JSON(http.StatusAccepted, h.negotiator.Status())
}

// EndCall hangs up the active session.
// DELETE /api/call
func (h *Handlers) EndCall(c *gin.Context) {
	if err := h.negotiator.End(c.Request.Context()); err != nil {
		if errors.Is(err, call.ErrNoActiveCall) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no active call"})
			return
		}
		h.log.Warn().Err(err).Msg("end call")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to end call"})
		return
	}
	c.Status(http.StatusNoContent)
}

// CallHistory lists recent call records.
// GET /api/history
func (h *Handlers) CallHistory(c *gin.Context) {
	records, err := h.store.ListCalls(c.Request.Context(), 50)
	if err != nil {
		h.log.Error().Err(err).Msg("list call history")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}
