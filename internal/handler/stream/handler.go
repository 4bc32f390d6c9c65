package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
	"github.com/mvallesp/arrowcoach/backend/internal/service/turn"
	"github.com/mvallesp/arrowcoach/backend/pkg/utils"
)

const (
	tokenLimitReply = "You've used up your token allowance for this period. Upgrade your plan to keep training with your coach."
	imageLimitReply = "You've reached your image limit for this period. Upgrade your plan to generate more illustrations."
)

// Handler drives turns over Server-Sent Events. Quota enforcement lives
// here, before the coordinator is ever invoked.
type Handler struct {
	coordinator *turn.Coordinator
	chatSvc     *chatservice.Service
	profiles    quota.ProfileReader
	images      quota.ImageSink
	logger      *zap.Logger
}

// New creates the stream handler.
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
	}
}

// RegisterRoutes mounts the turn-driving routes. Edit and regenerate answer
// with the SSE stream of the turn they trigger.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
	r.Post("/sessions/{sessionID}/messages/{messageID}/edit", h.handleEdit)
	r.Post("/sessions/{sessionID}/regenerate", h.handleRegenerate)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userMessage := r.URL.Query().Get("message")
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}
	h.runTurn(w, r, chi.URLParam(r, "sessionID"), userMessage, r.URL.Query().Get("image"))
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	userKey := utils.UserKey(r)
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.chatSvc.PrepareEdit(r.Context(), userKey, sessionID, chi.URLParam(r, "messageID")); err != nil {
		respondServiceError(w, err)
		return
	}
	h.runTurn(w, r, sessionID, payload.Content, "")
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	userKey := utils.UserKey(r)
	sessionID := chi.URLParam(r, "sessionID")

	msg, err := h.chatSvc.PrepareRegenerate(r.Context(), userKey, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	// A synthesized image request re-triggers image generation, not a text
	// turn.
	if msg.IsImageRequest() {
		h.regenerateImage(w, r, userKey, sessionID, msg.Content[len(chat.ImageRequestPrefix):])
		return
	}
	h.runTurn(w, r, sessionID, msg.Content, msg.Image)
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request, sessionID, text, image string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	userKey := utils.UserKey(r)
	utils.SetupSSEHeaders(w)
	sink := &sseSink{w: w, flusher: flusher}

	// Quota is checked before the coordinator is invoked; the limit reply is
	// synthesized here as a normal model message.
	if h.profiles.Profile(userKey).TokensExhausted() {
		h.sendNotice(r, sink, userKey, sessionID, tokenLimitReply)
		sink.end()
		return
	}

	req := turn.Request{UserKey: userKey, SessionID: sessionID, Text: text, Image: image}
	if err := h.coordinator.Run(r.Context(), req, nil, sink, h.dispatcher(r, sink, userKey, sessionID)); err != nil {
		h.logger.Warn("streamed turn failed",
			zap.String("session", sessionID), zap.Error(err))
		if errors.Is(err, chatservice.ErrSessionNotFound) || errors.Is(err, chatservice.ErrTurnInFlight) {
			sink.errorText(err.Error())
		}
		sink.end()
		return
	}

	sink.usage(h.profiles.Profile(userKey))
	sink.end()
}

// dispatcher forwards every directive to the frontend as an SSE event; the
// image directive additionally burns image quota and records the synthetic
// request message.
func (h *Handler) dispatcher(r *http.Request, sink *sseSink, userKey, sessionID string) turn.Dispatcher {
	return turn.Dispatcher{
		RenderChart:  func(spec []byte) { sink.directive("render_chart", json.RawMessage(spec)) },
		SaveScore:    func(record []byte) { sink.directive("save_score", json.RawMessage(record)) },
		ExercisePlan: func(plan []byte) { sink.directive("exercise_data", json.RawMessage(plan)) },
		Navigate:     func(target string) { sink.directive("navigate", target) },
		Theme:        func(mode string) { sink.directive("theme", mode) },
		Logout:       func() { sink.directive("logout", nil) },
		Notify:       func(text string) { sink.directive("notify", text) },
		OrderProduct: func(order []byte) { sink.directive("order_product", json.RawMessage(order)) },
		GenerateImage: func(prompt string) {
			h.generateImage(r, sink, userKey, sessionID, prompt)
		},
	}
}

func (h *Handler) generateImage(r *http.Request, sink *sseSink, userKey, sessionID, prompt string) {
	if h.profiles.Profile(userKey).ImagesExhausted() {
		h.sendNotice(r, sink, userKey, sessionID, imageLimitReply)
		return
	}
	if _, err := h.chatSvc.AppendImageRequest(r.Context(), userKey, sessionID, prompt); err != nil {
		h.logger.Warn("failed to record image request", zap.Error(err))
		return
	}
	h.images.ReportImage(userKey)
	sink.directive("generate_image", prompt)
}

func (h *Handler) regenerateImage(w http.ResponseWriter, r *http.Request, userKey, sessionID, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	sink := &sseSink{w: w, flusher: flusher}
	h.generateImage(r, sink, userKey, sessionID, prompt)
	sink.end()
}

func (h *Handler) sendNotice(r *http.Request, sink *sseSink, userKey, sessionID, text string) {
	msg, err := h.chatSvc.AppendNotice(r.Context(), userKey, sessionID, text)
	if err != nil {
		h.logger.Warn("failed to append notice", zap.Error(err))
		sink.errorText(text)
		return
	}
	sink.OnComplete(msg)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatservice.ErrSessionNotFound), errors.Is(err, chatservice.ErrMessageNotFound),
		errors.Is(err, chatservice.ErrNoUserTurn):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatservice.ErrTurnInFlight):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

// sseSink translates turn events into the SSE vocabulary the frontend
// consumes: start, delta, sources, message, directive, usage, error, end.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) OnStart(placeholder chat.Message) {
	utils.SendSSEEvent(s.w, s.flusher, "start", placeholder)
}

func (s *sseSink) OnDelta(text string) {
	utils.SendSSEEvent(s.w, s.flusher, "delta", map[string]string{"content": text})
}

func (s *sseSink) OnSources(added []chat.Source) {
	utils.SendSSEEvent(s.w, s.flusher, "sources", added)
}

func (s *sseSink) OnComplete(msg chat.Message) {
	utils.SendSSEEvent(s.w, s.flusher, "message", msg)
}

func (s *sseSink) OnError(msg chat.Message) {
	utils.SendSSEEvent(s.w, s.flusher, "error", msg)
}

func (s *sseSink) directive(kind string, payload interface{}) {
	utils.SendSSEEvent(s.w, s.flusher, "directive", map[string]interface{}{
		"kind":    kind,
		"payload": payload,
	})
}

func (s *sseSink) usage(state quota.State) {
	utils.SendSSEEvent(s.w, s.flusher, "usage", state)
}

func (s *sseSink) errorText(text string) {
	utils.SendSSEEvent(s.w, s.flusher, "error", map[string]string{"error": text})
}

func (s *sseSink) end() {
	utils.SendSSEEvent(s.w, s.flusher, "end", map[string]bool{"finished": true})
}
