// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courierhub/internal/http/handlers"
	"courierhub/internal/http/middleware"
	"courierhub/internal/infra"
	"courierhub/internal/modules/chat"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/dispatch"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/modules/ratelimit"
)

type RouterDeps struct {
	Verifier infra.TokenVerifier
	Orders   *order.Service
	Arbiter  *dispatch.Arbiter
	Engine   *dispatch.Engine
	Couriers *courier.Service
	Chats    *chat.Service
	Hub      *notify.Hub
	Inbox    handlers.InboxReader
	Devices  notify.DeviceRegistry
	// Limiter guards chat send and offer accept. Nil disables limiting.
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limit := func(route string) gin.HandlerFunc {
		if d.Limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimit(d.Limiter, route, logger)
	}

	api := r.Group("/api", middleware.Auth(d.Verifier))

	orderHandler := handlers.NewOrderHandler(d.Orders, d.Arbiter, d.Engine)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders", orderHandler.List)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/events", orderHandler.Events)
	api.POST("/orders/:id/status", orderHandler.Advance)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/accept", limit("accept"), orderHandler.Accept)
	api.POST("/orders/:id/reject", orderHandler.Reject)

	courierHandler := handlers.NewCourierHandler(d.Couriers, d.Engine)
	locationHandler := handlers.NewLocationHandler(d.Couriers)
	api.GET("/couriers/me", courierHandler.Me)
	api.GET("/couriers/me/offers", courierHandler.Offers)
	api.PUT("/couriers/me/status", courierHandler.SetStatus)
	api.PUT("/couriers/me/location", locationHandler.Update)

	chatHandler := handlers.NewChatHandler(d.Chats)
	api.POST("/chats", chatHandler.Create)
	api.GET("/chats", chatHandler.List)
	api.GET("/chats/:id", chatHandler.Get)
	api.GET("/chats/:id/messages", chatHandler.Messages)
	api.POST("/chats/:id/messages", limit("chat_send"), chatHandler.Send)
	api.POST("/chats/:id/read", chatHandler.MarkRead)
	api.GET("/chats/:id/unread", chatHandler.Unread)
	api.POST("/chats/:id/close", chatHandler.Close)

	notificationHandler := handlers.NewNotificationHandler(d.Hub, d.Inbox, d.Devices)
	api.GET("/notifications", notificationHandler.Inbox)
	api.POST("/devices", notificationHandler.RegisterDevice)
	api.GET("/subscribe", notificationHandler.Subscribe)

	return r
}
