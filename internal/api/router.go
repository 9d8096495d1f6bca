package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/q3-portal-be/internal/api/handlers"
	"github.com/isdelr/q3-portal-be/internal/auth"
	"github.com/isdelr/q3-portal-be/internal/metrics"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/isdelr/q3-portal-be/internal/websocket"
)

// RouterConfig carries the settings the HTTP layer needs.
type RouterConfig struct {
	AdminToken  string
	CORSOrigins []string
	UploadDir   string
}

// NewRouter creates and configures a new Chi router.
func NewRouter(
	cfg RouterConfig,
	hub *websocket.Hub,
	statusService services.StatusServiceProvider,
	backupService services.BackupServiceProvider,
	eventService services.EventServiceProvider,
) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderAdminToken},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	statusHandler := handlers.NewStatusHandler(statusService, cfg.AdminToken)
	backupHandler := handlers.NewBackupHandler(backupService, cfg.UploadDir)
	eventHandler := handlers.NewEventHandler(eventService)
	wsHandler := handlers.NewWebSocketHandler(hub, statusService)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/server/status", statusHandler.GetStatus)
		r.Post("/server/refresh", statusHandler.Refresh)
		r.Get("/admin/status", statusHandler.AdminStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.AdminTokenMiddleware(cfg.AdminToken))

			r.Get("/ws", wsHandler.Serve)
			r.Post("/rcon", statusHandler.Rcon)
			r.Get("/events", eventHandler.GetRecent)

			r.Route("/backups", func(r chi.Router) {
				r.Get("/", backupHandler.List)
				r.Get("/status", backupHandler.Status)
				r.Put("/settings", backupHandler.UpdateSettings)
				r.Post("/start", backupHandler.Start)
				r.Post("/stop", backupHandler.Stop)
				r.Post("/run", backupHandler.Run)
				r.Post("/restore", backupHandler.Restore)
				r.Get("/download/{scope}/{filename}", backupHandler.Download)
				r.Post("/upload", backupHandler.Upload)
			})
		})
	})

	return r
}
