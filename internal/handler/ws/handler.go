package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
	"github.com/mvallesp/arrowcoach/backend/internal/service/turn"
	"github.com/mvallesp/arrowcoach/backend/pkg/utils"
)

const tokenLimitReply = "You've used up your token allowance for this period. Upgrade your plan to keep training with your coach."

// Handler carries turns over a websocket for clients that prefer a socket to
// SSE. The event vocabulary mirrors the SSE stream; in addition the client
// can send an advisory cancel for the in-flight turn.
type Handler struct {
	coordinator *turn.Coordinator
	chatSvc     *chatservice.Service
	profiles    quota.ProfileReader
	images      quota.ImageSink
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// New creates the websocket handler.
func New(coordinator *turn.Coordinator, chatSvc *chatservice.Service, profiles quota.ProfileReader, images quota.ImageSink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		coordinator: coordinator,
		chatSvc:     chatSvc,
		profiles:    profiles,
		images:      images,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Image     string `json:"image,omitempty"`
}

type outboundMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userKey := utils.UserKey(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &connection{conn: conn}

	var (
		mu     sync.Mutex
		active *turn.Flag
	)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		switch inbound.Type {
		case "chat":
			if inbound.SessionID == "" || inbound.Message == "" {
				c.send("error", map[string]string{"error": "sessionId and message are required"})
				continue
			}

			mu.Lock()
			if active != nil {
				mu.Unlock()
				c.send("error", map[string]string{"error": chatservice.ErrTurnInFlight.Error()})
				continue
			}
			cancel := &turn.Flag{}
			active = cancel
			mu.Unlock()

			go func(in inboundMessage, cancel *turn.Flag) {
				h.runTurn(r.Context(), c, userKey, in, cancel)
				mu.Lock()
				active = nil
				mu.Unlock()
			}(inbound, cancel)

		case "cancel":
			mu.Lock()
			if active != nil {
				active.Set()
			}
			mu.Unlock()

		default:
			c.send("error", map[string]string{"error": "unknown message type"})
		}
	}
}

func (h *Handler) runTurn(ctx context.Context, c *connection, userKey string, in inboundMessage, cancel *turn.Flag) {
	if h.profiles.Profile(userKey).TokensExhausted() {
		if msg, err := h.chatSvc.AppendNotice(ctx, userKey, in.SessionID, tokenLimitReply); err == nil {
			c.send("message", msg)
		}
		c.send("end", map[string]bool{"finished": true})
		return
	}

	sink := &wsSink{c: c}
	disp := turn.Dispatcher{
		RenderChart:  func(spec []byte) { c.directive("render_chart", json.RawMessage(spec)) },
		SaveScore:    func(record []byte) { c.directive("save_score", json.RawMessage(record)) },
		ExercisePlan: func(plan []byte) { c.directive("exercise_data", json.RawMessage(plan)) },
		Navigate:     func(target string) { c.directive("navigate", target) },
		Theme:        func(mode string) { c.directive("theme", mode) },
		Logout:       func() { c.directive("logout", nil) },
		Notify:       func(text string) { c.directive("notify", text) },
		OrderProduct: func(order []byte) { c.directive("order_product", json.RawMessage(order)) },
		GenerateImage: func(prompt string) {
			if h.profiles.Profile(userKey).ImagesExhausted() {
				return
			}
			if _, err := h.chatSvc.AppendImageRequest(ctx, userKey, in.SessionID, prompt); err != nil {
				h.logger.Warn("failed to record image request", zap.Error(err))
				return
			}
			h.images.ReportImage(userKey)
			c.directive("generate_image", prompt)
		},
	}

	req := turn.Request{UserKey: userKey, SessionID: in.SessionID, Text: in.Message, Image: in.Image}
	if err := h.coordinator.Run(ctx, req, cancel, sink, disp); err != nil {
		h.logger.Warn("websocket turn failed",
			zap.String("session", in.SessionID), zap.Error(err))
	} else {
		c.send("usage", h.profiles.Profile(userKey))
	}
	c.send("end", map[string]bool{"finished": true})
}

// connection serializes writes; the turn goroutine and the read loop both
// send.
type connection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connection) send(event string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(outboundMessage{Event: event, Data: data})
}

func (c *connection) directive(kind string, payload interface{}) {
	c.send("directive", map[string]interface{}{"kind": kind, "payload": payload})
}

type wsSink struct {
	c *connection
}

func (s *wsSink) OnStart(placeholder chat.Message) { s.c.send("start", placeholder) }

func (s *wsSink) OnDelta(text string) { s.c.send("delta", map[string]string{"content": text}) }

func (s *wsSink) OnSources(added []chat.Source) { s.c.send("sources", added) }

func (s *wsSink) OnComplete(msg chat.Message) { s.c.send("message", msg) }

func (s *wsSink) OnError(msg chat.Message) { s.c.send("error", msg) }
