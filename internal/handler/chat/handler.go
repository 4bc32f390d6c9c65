package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
	"github.com/mvallesp/arrowcoach/backend/pkg/utils"
)

// Handler serves the session CRUD surface.
type Handler struct {
	chatSvc  *chatservice.Service
	profiles quota.ProfileReader
}

// New creates the session handler.
func New(chatSvc *chatservice.Service, profiles quota.ProfileReader) *Handler {
	return &Handler{chatSvc: chatSvc, profiles: profiles}
}

// RegisterRoutes mounts the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Post("/sessions/{sessionID}/pin", h.handlePinSession)
	r.Post("/sessions/{sessionID}/title", h.handleRenameSession)
	r.Post("/sessions/{sessionID}/clear", h.handleClearSession)
	r.Post("/sessions/{sessionID}/messages/{messageID}/feedback", h.handleFeedback)
	r.Get("/profile", h.handleProfile)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chatSvc.Sessions(r.Context(), utils.UserKey(r))
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string           `json:"title"`
		Type  chat.SessionType `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), utils.UserKey(r), payload.Title, payload.Type)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), utils.UserKey(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), utils.UserKey(r), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) handlePinSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chatSvc.SetPinned(r.Context(), utils.UserKey(r), chi.URLParam(r, "sessionID"), payload.Pinned); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"pinned": payload.Pinned})
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chatSvc.RenameSession(r.Context(), utils.UserKey(r), chi.URLParam(r, "sessionID"), payload.Title); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"title": payload.Title})
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ClearMessages(r.Context(), utils.UserKey(r), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind chat.Feedback `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.chatSvc.Feedback(r.Context(), utils.UserKey(r),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"), payload.Kind)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]chat.Feedback{"feedback": result})
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.profiles.Profile(utils.UserKey(r)))
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatservice.ErrSessionNotFound), errors.Is(err, chatservice.ErrMessageNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatservice.ErrTurnInFlight):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	}
}
