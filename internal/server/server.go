package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inkwell-cms/apiserver/config"
	"github.com/inkwell-cms/apiserver/internal/db"
	"github.com/inkwell-cms/apiserver/internal/handlers"
	"github.com/inkwell-cms/apiserver/internal/mq"
	"github.com/inkwell-cms/apiserver/internal/services"
	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/inkwell-cms/apiserver/internal/store"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	deps       *Deps
	log        zerolog.Logger
}

// Deps holds the wired media components shared by the server and the CLI.
type Deps struct {
	DB          *sql.DB
	Storage     *storage.Storage
	Broker      *mq.MQ
	Compensator *services.Compensator
	Media       *services.MediaService
	Reconciler  *services.Reconciler
}

// Close releases the broker, storage and database connections. It is safe
// on a partially built Deps.
func (d *Deps) Close() {
	if d.Broker != nil {
		_ = d.Broker.Close()
	}
	if d.Storage != nil {
		_ = d.Storage.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// Wire opens every backing service named by cfg and builds the media
// components on top of them.
func Wire(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Deps, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	objects, err := storage.Open(ctx, cfg)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		(&Deps{DB: dbConn, Storage: objects}).Close()
		return nil, fmt.Errorf("open mq: %w", err)
	}

	// A nil *mq.MQ must not become a non-nil interface.
	var publisher services.EventPublisher
	if broker != nil {
		publisher = broker
	}

	repo := store.NewMediaRepository(dbConn)
	compensator := services.NewCompensator(objects, publisher, log, cfg.Storage.OpTimeout)

	timeouts := make(map[types.ResourceKind]time.Duration, len(types.ResourceKinds))
	for _, kind := range types.ResourceKinds {
		timeouts[kind] = cfg.Storage.UploadTimeout(string(kind))
	}
	media := services.NewMediaService(repo, objects, compensator, services.MediaOptions{
		UploadTimeouts:       timeouts,
		DefaultUploadTimeout: cfg.Storage.OpTimeout,
	}, log)

	reconciler := services.NewReconciler(repo, objects, compensator, services.ReconcileOptions{
		PageSize:    cfg.Storage.ListPageSize,
		ListTimeout: cfg.Storage.ListTimeout,
	}, log)

	return &Deps{
		DB:          dbConn,
		Storage:     objects,
		Broker:      broker,
		Compensator: compensator,
		Media:       media,
		Reconciler:  reconciler,
	}, nil
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	deps, err := Wire(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	authMiddleware := handlers.RequireAuth(cfg.JWTSecret)
	requestTimeout := requestTimeout(cfg.Storage)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		handlers.RequestLogger(log),
		middleware.Timeout(requestTimeout),
	)
	router.Get("/healthz", handlers.Healthz(deps.DB))
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/media", func(r chi.Router) {
		handlers.MediaRouter(r, deps.Media, cfg.Storage.MaxUploadSize, authMiddleware)
	})
	router.Route("/admin", func(r chi.Router) {
		handlers.AdminRouter(r, deps.Reconciler, authMiddleware)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		deps:       deps,
		log:        log,
	}, nil
}

// requestTimeout covers the slowest configured upload, since video bodies
// stream through the request.
func requestTimeout(cfg config.StorageConfig) time.Duration {
	timeout := 60 * time.Second
	for _, kind := range types.ResourceKinds {
		if d := cfg.UploadTimeout(string(kind)); d > timeout {
			timeout = d
		}
	}
	return timeout
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.deps.Close()
	return err
}
