// Package server exposes the knowledge service over HTTP: project CRUD,
// document ingestion, queries, and health.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/config"
	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/health"
	"github.com/thebtf/ragserve/internal/indexer"
	"github.com/thebtf/ragserve/internal/kb"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/project"
	"github.com/thebtf/ragserve/internal/search"
	"github.com/thebtf/ragserve/internal/vector"
	"github.com/thebtf/ragserve/internal/vector/pgvector"
	"github.com/thebtf/ragserve/internal/vector/sqlitevec"
)

const (
	// DefaultHTTPTimeout bounds request handling.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxBodyBytes limits request body size; ingestion payloads can be large
	// but not unbounded.
	MaxBodyBytes = 32 << 20

	// DefaultProjectName is the project that serves the configured knowledge
	// directories.
	DefaultProjectName = "default"
)

// Service owns the HTTP server and the per-project facades.
type Service struct {
	version string
	cfg     *config.Config

	mgr     *project.Manager
	monitor *health.Monitor

	kbMu sync.RWMutex
	kbs  map[string]*kb.KnowledgeBase

	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the project manager, health monitor, and routes.
func NewService(version string, cfg *config.Config) (*Service, error) {
	embedder, err := embedding.NewService(cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	dims := embedder.Dimensions()
	_ = embedder.Close()

	mgr, err := project.NewManager(project.Config{
		DBPath:                cfg.ProjectsDB,
		CacheCapacity:         cfg.MaxCacheSize,
		DefaultEmbeddingModel: cfg.EmbeddingModel,
		OpenStore:             storeOpener(cfg, dims),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:   version,
		cfg:       cfg,
		mgr:       mgr,
		monitor:   health.NewMonitor(),
		kbs:       make(map[string]*kb.KnowledgeBase),
		router:    chi.NewRouter(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc, nil
}

// storeOpener selects the vector backend from configuration.
func storeOpener(cfg *config.Config, dims int) project.StoreOpener {
	return func() (vector.Store, error) {
		switch cfg.Backend {
		case config.BackendPostgres:
			return pgvector.NewStore(pgvector.Config{DSN: cfg.BackendDSN, Dimensions: dims})
		case config.BackendSQLite:
			return sqlitevec.NewStore(sqlitevec.Config{Path: cfg.BackendPath})
		default:
			return nil, kberr.New(kberr.ConfigError, "unknown backend %q", cfg.Backend)
		}
	}
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(maxBodySize(MaxBodyBytes))
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/stats", s.handleAllStats)

	s.router.Route("/api/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)
		r.Post("/import", s.handleImportProject)

		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Put("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)

			r.Get("/health", s.handleProjectHealth)
			r.Get("/stats", s.handleProjectStats)
			r.Post("/documents", s.handleIngest)
			r.Post("/query", s.handleQuery)
			r.Post("/cache/clear", s.handleClearCache)
			r.Post("/reindex", s.handleReindex)
			r.Post("/export", s.handleExportProject)
		})
	})
}

// defaultMode resolves the query mode from configuration: the master switch
// off forces keyword-only.
func (s *Service) defaultMode() search.Mode {
	if !s.cfg.UseVectorSearch {
		return search.ModeKeyword
	}
	if s.cfg.VectorSearchMode != "" {
		return search.Mode(s.cfg.VectorSearchMode)
	}
	return search.ModeHybrid
}

// kbFor returns the cached facade for projectID, opening it on first use.
func (s *Service) kbFor(ctx context.Context, projectID string) (*kb.KnowledgeBase, error) {
	s.kbMu.RLock()
	instance, ok := s.kbs[projectID]
	s.kbMu.RUnlock()
	if ok {
		return instance, nil
	}

	s.kbMu.Lock()
	defer s.kbMu.Unlock()
	if instance, ok := s.kbs[projectID]; ok {
		return instance, nil
	}

	instance, err := kb.Open(ctx, s.mgr, s.monitor, kb.Config{
		ProjectID: projectID,
		Chunking:  s.cfg.Chunking,
	})
	if err != nil {
		return nil, err
	}
	s.kbs[projectID] = instance
	return instance, nil
}

// dropKB evicts a cached facade, e.g. after project deletion or an
// embedding model change.
func (s *Service) dropKB(projectID string) {
	s.kbMu.Lock()
	delete(s.kbs, projectID)
	s.kbMu.Unlock()
}

// Start begins serving and launches background loops. The default project
// is created and indexed when knowledge directories are configured.
func (s *Service) Start() error {
	if len(s.cfg.KnowledgeDirs) > 0 {
		if err := s.openDefaultProject(); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.wg.Add(1)
	go s.heartbeat()

	log.Info().
		Str("addr", s.cfg.ListenAddr).
		Str("backend", s.cfg.Backend).
		Str("mode", string(s.defaultMode())).
		Msg("Knowledge service started")
	return nil
}

// openDefaultProject ensures the default project exists, indexes the
// configured directories, and watches them for changes.
func (s *Service) openDefaultProject() error {
	ctx := s.ctx

	proj, err := s.mgr.GetByName(ctx, DefaultProjectName)
	if kberr.HasKind(err, kberr.NotFound) {
		proj, err = s.mgr.Create(ctx, DefaultProjectName,
			"indexed from knowledge directories", s.cfg.EmbeddingModel, nil)
	}
	if err != nil {
		return err
	}

	instance, err := kb.Open(ctx, s.mgr, s.monitor, kb.Config{
		ProjectID:     proj.ProjectID,
		Chunking:      s.cfg.Chunking,
		KnowledgeDirs: s.cfg.KnowledgeDirs,
		CachePath:     s.cfg.CacheFile,
		MaxWorkers:    s.cfg.MaxWorkers,
	})
	if err != nil {
		return err
	}

	s.kbMu.Lock()
	s.kbs[proj.ProjectID] = instance
	s.kbMu.Unlock()

	watcher, err := indexer.NewWatcher(instance.Indexer())
	if err != nil {
		log.Warn().Err(err).Msg("File watcher unavailable, directory changes require manual reindex")
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := watcher.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Error().Err(err).Msg("File watcher stopped")
		}
	}()
	return nil
}

// heartbeat periodically probes the backend and feeds availability into the
// health monitor.
func (s *Service) heartbeat() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.probeBackend()
		}
	}
}

func (s *Service) probeBackend() {
	store, err := s.mgr.Store()
	if err != nil {
		log.Error().Err(err).Msg("Backend unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	h := store.Health(ctx)
	healthy := h.Status == vector.StatusHealthy
	if !healthy {
		log.Warn().Interface("details", h.Details).Msg("Backend unhealthy")
	}

	projects, err := s.mgr.List(ctx)
	if err != nil {
		return
	}
	for _, proj := range projects {
		s.monitor.SetBackendHealthy(proj.ProjectID, healthy)
	}
}

// Shutdown drains the HTTP server and closes the project manager.
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down knowledge service")
	s.cancel()

	var firstErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	s.wg.Wait()

	if err := s.mgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Router exposes the handler tree for tests.
func (s *Service) Router() http.Handler { return s.router }
