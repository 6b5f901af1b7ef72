package api

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/call"
	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/config"
	"github.com/dermalink/consult-agent/internal/notify"
	"github.com/dermalink/consult-agent/internal/store"
)

// NewServer builds the loopback control API served to the desktop UI.
// It binds to a local address only, so no auth layer sits in front.
func NewServer(cfg *config.Config, ch *channel.Channel, dispatcher *notify.Dispatcher, negotiator *call.Negotiator, st store.Store, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	h := NewHandlers(ch, dispatcher, negotiator, st, logger)

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/notifications", h.ListNotifications)
		api.POST("/notifications/:id/read", h.MarkNotificationRead)
		api.POST("/notifications/read-all", h.MarkAllNotificationsRead)

		api.GET("/call", h.CallStatus)
		api.POST("/call", h.StartCall)
		api.POST("/call/accept", h.AcceptCall)
		api.DELETE("/call", h.EndCall)

		api.GET("/history", h.CallHistory)
	}

	return &stdhttp.Server{
		Addr:              cfg.LocalAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
