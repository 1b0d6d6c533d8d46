// README: Notification handlers: inbox, push device registration and the live event stream.
package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"courierhub/internal/modules/notify"
	"courierhub/internal/types"
)

const (
	defaultInboxLimit = 50
	heartbeatInterval = 25 * time.Second
)

type InboxReader interface {
	List(ctx context.Context, recipient types.ID, limit int) ([]notify.Envelope, error)
}

type NotificationHandler struct {
	hub       *notify.Hub
	inbox     InboxReader
	devices   notify.DeviceRegistry
	heartbeat time.Duration
}

func NewNotificationHandler(hub *notify.Hub, inbox InboxReader, devices notify.DeviceRegistry) *NotificationHandler {
	return &NotificationHandler{hub: hub, inbox: inbox, devices: devices, heartbeat: heartbeatInterval}
}

func (h *NotificationHandler) Inbox(c *gin.Context) {
	if h.inbox == nil {
		writeError(c, http.StatusServiceUnavailable, "inbox unavailable")
		return
	}
	uid, _ := caller(c)
	envs, err := h.inbox.List(c.Request.Context(), uid, queryLimit(c, defaultInboxLimit))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if envs == nil {
		envs = []notify.Envelope{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"notifications": envs})
}

type deviceReq struct {
	Token string `json:"token" binding:"required"`
}

func (h *NotificationHandler) RegisterDevice(c *gin.Context) {
	if h.devices == nil {
		writeError(c, http.StatusServiceUnavailable, "push notifications unavailable")
		return
	}
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid, _ := caller(c)
	if err := h.devices.Register(c.Request.Context(), uid, strings.TrimSpace(req.Token)); err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvent is what subscribers receive: a pointer to refetch, not the state itself.
type streamEvent struct {
	ID        string           `json:"id"`
	EventType notify.EventType `json:"event_type"`
	OrderID   types.ID         `json:"order_id,omitempty"`
	ChatID    types.ID         `json:"chat_id,omitempty"`
	Summary   string           `json:"summary"`
}

// Subscribe streams the caller's envelopes as server-sent events until the client leaves.
// Nothing is replayed; reconnecting clients refetch state.
func (h *NotificationHandler) Subscribe(c *gin.Context) {
	uid, _ := caller(c)
	sub := h.hub.Subscribe(uid)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case env, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(env.EventType), streamEvent{
				ID:        env.ID,
				EventType: env.EventType,
				OrderID:   env.OrderID,
				ChatID:    env.ChatID,
				Summary:   env.Summary,
			})
			return true
		case <-ticker.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
