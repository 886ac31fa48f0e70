package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/geekgifts/tracker/internal/metrics"
	"github.com/geekgifts/tracker/internal/middleware"
	"github.com/geekgifts/tracker/internal/ws"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// RouterConfig wires the router to its collaborators.
type RouterConfig struct {
	Service        RequestService
	Hub            *ws.Hub
	Requests       ws.RequestChecker
	Logger         logrus.FieldLogger
	AllowedOrigins []string
	MaxUploadBytes int64
}

// NewRouter builds the HTTP handler for the whole service.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.TechnicianHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.OptionalTechnician)
	r.Use(middleware.RequestLog(logger))

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.Handle("/metrics", metrics.Handler())
	if cfg.Hub != nil {
		r.Handle("/ws", &ws.Handler{
			Hub:            cfg.Hub,
			Requests:       cfg.Requests,
			AllowedOrigins: cfg.AllowedOrigins,
		})
	}

	requests := &RequestHandler{
		Service:        cfg.Service,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	r.Route("/api/requests", func(r chi.Router) {
		r.Get("/", requests.List)
		r.Post("/", requests.Create)
		r.Get("/export.csv", requests.Export)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", requests.Get)
			r.Patch("/", requests.Update)
			r.Put("/", requests.Update)
			r.Delete("/", requests.Delete)
			r.Get("/comments", requests.ListComments)
			r.Post("/comments", requests.AddComment)
			r.Get("/attachment", requests.GetAttachment)
			r.Put("/attachment", requests.PutAttachment)
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":     "Geek Gifts",
		"tagline":  "Computer donation request tracker",
		"health":   "/health",
		"requests": "/api/requests",
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
