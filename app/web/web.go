// Package web implements the http api for training jobs
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/invopop/jsonschema"

	"github.com/umputun/trainq/app/service"
	"github.com/umputun/trainq/app/store"
)

// JobService defines job operations used by the server
type JobService interface {
	Submit(req service.CreateRequest) (store.Record, error)
	Status(jobID string) (store.Record, error)
	List() ([]store.Record, error)
	Schema() *jsonschema.Schema
}

// Config holds server configuration
type Config struct {
	Service      JobService
	Version      string
	StateFile    string  // reported by health check
	DiskPath     string  // volume reported in health stats, usually the output dir
	AuthUser     string  // basic auth user, default "trainq"
	PasswordHash string  // bcrypt hash for basic auth (empty to disable)
	SubmitRate   float64 // max submissions per second per client, 0 disables limit
}

// Server represents the web server
type Server struct {
	Config
	submitLimiter *limiter.Limiter
}

// New makes server with defaults applied
func New(cfg Config) *Server {
	if cfg.AuthUser == "" {
		cfg.AuthUser = "trainq"
	}
	res := &Server{Config: cfg}
	if cfg.SubmitRate > 0 {
		res.submitLimiter = tollbooth.NewLimiter(cfg.SubmitRate, nil)
		res.submitLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
		res.submitLimiter.SetMessageContentType("application/json")
		res.submitLimiter.SetMessage(`{"ok":false,"error":"too many submissions"}`)
	}
	return res
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("trainq", "umputun", s.Version),
		rest.Ping,
		rest.SizeLimit(1024*1024), // request echoes metadata and hyperparameters
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	// health stays open for probes
	router.HandleFunc("GET /health", s.handleHealth)

	router.Group().Route(func(api *routegroup.Bundle) {
		if s.PasswordHash != "" {
			log.Printf("[INFO] basic auth enabled for jobs api")
			api.Use(s.authMiddleware)
		}
		api.Use(rest.NoCache)

		if s.submitLimiter != nil {
			api.With(tollbooth.HTTPMiddleware(s.submitLimiter)).HandleFunc("POST /jobs", s.handleSubmit)
		} else {
			api.HandleFunc("POST /jobs", s.handleSubmit)
		}
		api.HandleFunc("GET /jobs", s.handleList)
		api.HandleFunc("GET /jobs/{id}", s.handleStatus)
		api.HandleFunc("GET /api/v1/schema", s.handleSchema)
	})

	return router
}
