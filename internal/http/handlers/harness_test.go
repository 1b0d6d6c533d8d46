package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"courierhub/internal/http/handlers"
	httpmiddleware "courierhub/internal/http/middleware"
	"courierhub/internal/infra"
	"courierhub/internal/modules/chat"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/dispatch"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/modules/payment"
	"courierhub/internal/types"
)

const (
	testRestaurant = "rest_1"
	testCustomer   = "cust_1"
)

// identityVerifier reads tokens of the form "uid:role".
type identityVerifier struct{}

func (identityVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.VerifiedToken, error) {
	uid, role, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("bad token")
	}
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.VerifiedToken{UID: uid, Claims: claims}, nil
}

type fixedRestaurants struct{}

func (fixedRestaurants) Location(context.Context, types.ID) (types.Point, error) {
	return types.Point{Lat: 25.033, Lng: 121.565}, nil
}

type fakeInbox struct {
	envs []notify.Envelope
}

func (f *fakeInbox) List(_ context.Context, recipient types.ID, _ int) ([]notify.Envelope, error) {
	var out []notify.Envelope
	for _, e := range f.envs {
		if e.RecipientID == recipient {
			out = append(out, e)
		}
	}
	return out, nil
}

type memDevices struct {
	tokens map[types.ID][]string
}

func (m *memDevices) Register(_ context.Context, recipient types.ID, token string) error {
	m.tokens[recipient] = append(m.tokens[recipient], token)
	return nil
}

func (m *memDevices) Tokens(_ context.Context, recipient types.ID) ([]string, error) {
	return m.tokens[recipient], nil
}

func (m *memDevices) Remove(context.Context, types.ID, string) error { return nil }

type testEnv struct {
	router   *gin.Engine
	orders   *order.Service
	couriers *courier.Service
	chats    *chat.Service
	engine   *dispatch.Engine
	book     *dispatch.MemoryOfferBook
	hub      *notify.Hub
	inbox    *fakeInbox
	devices  *memDevices
}

// buildTestEnv wires a Gin engine with the auth middleware and every handler over in-memory stores.
func buildTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := notify.NewHub(8, nil)
	orders := order.NewService(order.Deps{
		Store:       order.NewMemoryStore(),
		Payments:    payment.NewRouter(nil),
		Restaurants: fixedRestaurants{},
	})
	couriers := courier.NewService(courier.NewMemoryStore(), 100, nil)
	book := dispatch.NewMemoryOfferBook()
	engine := dispatch.NewEngine(dispatch.EngineDeps{Orders: orders, Pool: couriers, Book: book, Publisher: hub})
	t.Cleanup(engine.Stop)
	arbiter := dispatch.NewArbiter(dispatch.ArbiterDeps{Orders: orders, Book: book, Publisher: hub, Couriers: couriers, Engine: engine})
	chats := chat.NewService(chat.NewMemoryStore(), hub, nil)

	env := &testEnv{
		orders: orders, couriers: couriers, chats: chats, engine: engine, book: book, hub: hub,
		inbox:   &fakeInbox{},
		devices: &memDevices{tokens: map[types.ID][]string{}},
	}

	r := gin.New()
	api := r.Group("/api", httpmiddleware.Auth(identityVerifier{}))

	oh := handlers.NewOrderHandler(orders, arbiter, engine)
	api.POST("/orders", oh.Create)
	api.GET("/orders", oh.List)
	api.GET("/orders/:id", oh.Get)
	api.GET("/orders/:id/events", oh.Events)
	api.POST("/orders/:id/status", oh.Advance)
	api.POST("/orders/:id/cancel", oh.Cancel)
	api.POST("/orders/:id/accept", oh.Accept)
	api.POST("/orders/:id/reject", oh.Reject)

	ch := handlers.NewCourierHandler(couriers, engine)
	lh := handlers.NewLocationHandler(couriers)
	api.GET("/couriers/me", ch.Me)
	api.GET("/couriers/me/offers", ch.Offers)
	api.PUT("/couriers/me/status", ch.SetStatus)
	api.PUT("/couriers/me/location", lh.Update)

	cth := handlers.NewChatHandler(chats)
	api.POST("/chats", cth.Create)
	api.GET("/chats", cth.List)
	api.GET("/chats/:id", cth.Get)
	api.GET("/chats/:id/messages", cth.Messages)
	api.POST("/chats/:id/messages", cth.Send)
	api.POST("/chats/:id/read", cth.MarkRead)
	api.GET("/chats/:id/unread", cth.Unread)
	api.POST("/chats/:id/close", cth.Close)

	nh := handlers.NewNotificationHandler(hub, env.inbox, env.devices)
	api.GET("/notifications", nh.Inbox)
	api.POST("/devices", nh.RegisterDevice)
	api.GET("/subscribe", nh.Subscribe)

	env.router = r
	return env
}

func bearer(uid, role string) string {
	return "Bearer " + uid + ":" + role
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}
