package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/core"
	"github.com/revere-nvr/engine/internal/logging"
	"github.com/revere-nvr/engine/internal/ringfile"
	"github.com/revere-nvr/engine/internal/storagefile"
	"github.com/revere-nvr/engine/internal/streamkeeper"
)

// StorageOpener opens a camera's primary media Storage File for reading.
type StorageOpener func(cam camera.Camera) (*storagefile.StorageFile, error)

// MetadataOpener opens a camera's metadata Storage File (the .rvm sidecar)
// for reading.
type MetadataOpener func(cam camera.Camera) (*storagefile.StorageFile, error)

// RingOpener opens a camera's motion Ring File for reading.
type RingOpener func(cam camera.Camera) (*ringfile.RingFile, error)

// Deps bundles every collaborator the Query Layer reads from. Nothing here
// is mutated by this package: every handler is read-only, aside from the
// Stream Keeper command passthroughs (stop/playback mount) which the
// Keeper itself serializes.
type Deps struct {
	Cameras      *camera.Store
	Keeper       *streamkeeper.Keeper
	OpenStorage  StorageOpener
	OpenMetadata MetadataOpener
	OpenRing     RingOpener
	EventBus     *core.EventBus
	Logs         *logging.RingBuffer
}

// Server wires the Query Layer's chi router.
type Server struct {
	deps Deps
	log  *slog.Logger
	hub  *eventHub
}

// NewServer constructs the HTTP Query Layer.
func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		log:  slog.Default().With("component", "api"),
		hub:  newEventHub(deps.EventBus, deps.Logs),
	}
}

// Router returns the fully mounted chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/cameras", s.handleCameras)
	r.Get("/contents", s.handleContents)
	r.Get("/key_frame", s.handleKeyFrame)
	r.Get("/jpg", s.handleJPG)
	r.Get("/video", s.handleVideo)
	r.Get("/export", s.handleExport)
	r.Get("/motions", s.handleMotions)
	r.Get("/motion_events", s.handleMotionEvents)
	r.Get("/analytics", s.handleAnalytics)

	r.Get("/ws/events", s.hub.handleWebSocket)
	r.Get("/logs/recent", s.handleLogsRecent)
	r.Get("/ws/logs", s.handleLogsStream)

	r.Post("/cameras/{id}/stop", s.handleStopCamera)
	r.Get("/cameras/{id}/recording", s.handleIsRecording)
	r.Post("/cameras/{id}/playback_mount", s.handleCreatePlaybackMount)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]string{"status": "ok"})
}
