package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	chatHandler "github.com/mvallesp/arrowcoach/backend/internal/handler/chat"
	streamHandler "github.com/mvallesp/arrowcoach/backend/internal/handler/stream"
	wsHandler "github.com/mvallesp/arrowcoach/backend/internal/handler/ws"
	middlewarePkg "github.com/mvallesp/arrowcoach/backend/internal/middleware"
	chatService "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
	"github.com/mvallesp/arrowcoach/backend/internal/service/turn"
	"github.com/mvallesp/arrowcoach/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. The coordinator may be nil
// when model credentials are missing; session CRUD still works then.
func NewRouter(chatSvc *chatService.Service, coordinator *turn.Coordinator, profiles *quota.MemoryProfileStore, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessions := chatHandler.New(chatSvc, profiles)

	r.Route("/api", func(api chi.Router) {
		sessions.RegisterRoutes(api)

		if coordinator != nil {
			streamHandler.New(coordinator, chatSvc, profiles, profiles, logger).RegisterRoutes(api)
			wsHandler.New(coordinator, chatSvc, profiles, profiles, logger).RegisterRoutes(api)
		} else {
			api.Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
			})
		}
	})

	return r
}
