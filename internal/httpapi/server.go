package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"compass/internal/aggregator"
	"compass/internal/config"
	"compass/internal/hil"
	"compass/internal/progress"
	"compass/internal/search"
	"compass/internal/skills"
	"compass/internal/store"
	"compass/pkg/logging"
)

// toolStore resolves the tenant scope of classification targets.
type toolStore interface {
	GetTool(ctx context.Context, id int64) (*store.Tool, error)
}

// Deps collects the services the HTTP layer exposes.
type Deps struct {
	Exposure   *aggregator.Exposure
	Servers    *aggregator.Service
	Router     *aggregator.Router
	Search     *search.Engine
	Skills     *skills.Catalog
	Classifier *skills.Classifier
	Tools      toolStore
	HIL        *hil.Orchestrator
	Progress   *progress.Service
	Verifier   Verifier
	Health     func(ctx context.Context) map[string]string
}

// Server is the HTTP frontend.
type Server struct {
	http *http.Server
	deps Deps
}

// New builds the router and the underlying http.Server.
func New(cfg config.ServerConfig, authCfg config.AuthConfig, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Organization-Id", "Mcp-Session-Id"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         300,
	}))

	s := &Server{deps: deps}

	r.Get("/health", s.handleHealth)

	auth := authMiddleware(deps.Verifier, authCfg.Disabled)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Handle("/mcp", mcpserver.NewStreamableHTTPServer(deps.Exposure.MCPServer()))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)

		r.Post("/search", s.handleSearch)

		r.Route("/skills", func(r chi.Router) {
			r.Get("/", s.handleListSkills)
			r.Post("/", s.handleCreateSkill)
			r.Get("/{id}", s.handleGetSkill)
			r.Put("/{id}", s.handleUpdateSkill)
			r.Delete("/{id}", s.handleDisableSkill)
		})

		r.Post("/tools/{id}/classify", s.handleClassifyTool)

		r.Route("/aggregator/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Post("/", s.handleRegisterServer)
			r.Get("/{id}", s.handleGetServer)
			r.Post("/{id}/connect", s.handleConnectServer)
			r.Post("/{id}/disconnect", s.handleDisconnectServer)
			r.Post("/{id}/refresh", s.handleRefreshServer)
			r.Delete("/{id}", s.handleRemoveServer)
		})

		r.Route("/hil", func(r chi.Router) {
			r.Get("/", s.handleListHIL)
			r.Get("/{id}", s.handleGetHIL)
			r.Post("/{id}/decision", s.handleDecideHIL)
		})

		r.Route("/progress", func(r chi.Router) {
			r.Get("/{id}", s.handleGetOperation)
			r.Get("/{id}/stream", s.handleStreamOperation)
		})
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP", "Listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// handleHealth reports component liveness without requiring credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.deps.Health != nil {
		components = s.deps.Health(r.Context())
	}
	status := "ok"
	code := http.StatusOK
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}
