// README: Chat handlers; every route acts as the authenticated participant.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courierhub/internal/modules/chat"
	"courierhub/internal/types"
)

type ChatHandler struct {
	chats *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{chats: svc}
}

type createChatReq struct {
	Kind         string             `json:"kind" binding:"required"`
	OrderID      string             `json:"order_id"`
	Participants []chat.Participant `json:"participants"`
}

// Create opens a chat. The caller is always a participant.
func (h *ChatHandler) Create(c *gin.Context) {
	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid, role := caller(c)
	participants := append([]chat.Participant{{UserID: uid, Role: string(role)}}, req.Participants...)

	ch, err := h.chats.CreateChat(c.Request.Context(), chat.CreateCommand{
		Kind:         chat.Kind(req.Kind),
		Participants: participants,
		OrderID:      types.ID(req.OrderID),
	})
	if err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, ch)
}

func (h *ChatHandler) List(c *gin.Context) {
	uid, _ := caller(c)
	chats, err := h.chats.ForUser(c.Request.Context(), uid)
	if err != nil {
		writeChatError(c, err)
		return
	}
	if chats == nil {
		chats = []*chat.Chat{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"chats": chats})
}

func (h *ChatHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	ch, err := h.chats.Get(c.Request.Context(), id, uid)
	if err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ch)
}

func (h *ChatHandler) Messages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	msgs, err := h.chats.Messages(c.Request.Context(), id, uid, queryLimit(c, 0))
	if err != nil {
		writeChatError(c, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"messages": msgs})
}

type sendReq struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

func (h *ChatHandler) Send(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid, role := caller(c)
	m, err := h.chats.SendMessage(c.Request.Context(), chat.SendCommand{
		ChatID:     id,
		SenderID:   uid,
		SenderRole: string(role),
		Content:    req.Content,
		Kind:       chat.MessageKind(req.Kind),
	})
	if err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, m)
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	n, err := h.chats.MarkRead(c.Request.Context(), id, uid)
	if err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"marked": n})
}

func (h *ChatHandler) Unread(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	n, err := h.chats.UnreadCount(c.Request.Context(), id, uid)
	if err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"unread": n})
}

func (h *ChatHandler) Close(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	if err := h.chats.Close(c.Request.Context(), id, uid); err != nil {
		writeChatError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": chat.StatusClosed})
}
