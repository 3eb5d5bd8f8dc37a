// Package service accepts training job submissions, validates them, records the initial job state
// and hands jobs to the runner. It also serves job status queries.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/umputun/trainq/app/store"
)

// ErrInvalidRequest returned for submissions rejected before any job is created
var ErrInvalidRequest = errors.New("invalid request")

// Store is a subset of store.Store used by service
type Store interface {
	Create(rec store.Record) (store.Record, error)
	Get(jobID string) (store.Record, error)
	List() ([]store.Record, error)
}

// Launcher starts a queued job in background
type Launcher interface {
	Launch(job store.Record)
}

// Service handles job submissions and queries
type Service struct {
	Store    Store
	Launcher Launcher
	Models   *Models
	now      func() time.Time
}

// New makes Service. Models nil means built-in aliases.
func New(st Store, launcher Launcher, models *Models) *Service {
	if models == nil {
		models = &Models{Default: DefaultBaseModel, Aliases: DefaultAliases}
	}
	return &Service{Store: st, Launcher: launcher, Models: models, now: time.Now}
}

// Submit validates request, creates queued job and launches it. Returns the job record as recorded
// before launching, so status is queued.
func (s *Service) Submit(req CreateRequest) (store.Record, error) {
	req = req.withDefaults()
	if strings.TrimSpace(req.DatasetPath) == "" {
		return store.Record{}, fmt.Errorf("%w: datasetPath is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return store.Record{}, fmt.Errorf("%w: outputDir is required", ErrInvalidRequest)
	}

	datasetPath, err := filepath.Abs(strings.TrimSpace(req.DatasetPath))
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: bad datasetPath: %v", ErrInvalidRequest, err)
	}
	outputDir, err := filepath.Abs(strings.TrimSpace(req.OutputDir))
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: bad outputDir: %v", ErrInvalidRequest, err)
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return store.Record{}, fmt.Errorf("%w: can't make outputDir: %v", ErrInvalidRequest, err)
	}

	adapterName := SanitizeAdapterName(req.AdapterName)
	now := s.now().UTC()
	rec := store.Record{
		JobID:           s.newJobID(now),
		Status:          store.StatusQueued,
		CreatedAt:       &now,
		Provider:        req.Provider,
		DatasetPath:     datasetPath,
		DatasetTier:     req.DatasetTier,
		BaseModel:       s.Models.Resolve(req.BaseModel),
		AdapterName:     adapterName,
		AdapterPath:     filepath.Join(outputDir, adapterName),
		OutputDir:       outputDir,
		Hyperparameters: req.Hyperparameters,
		Metadata:        req.Metadata,
		Logs:            []store.LogEntry{{At: now, Level: "info", Message: "Job queued"}},
	}

	created, err := s.Store.Create(rec)
	if err != nil {
		return store.Record{}, fmt.Errorf("can't create job: %w", err)
	}
	log.Printf("[INFO] job %s queued, model %s, dataset %s, adapter %s", created.JobID, created.BaseModel,
		created.DatasetPath, created.AdapterPath)
	s.Launcher.Launch(created)
	return created, nil
}

// Status returns job record, store.ErrNotFound for unknown id
func (s *Service) Status(jobID string) (store.Record, error) {
	return s.Store.Get(strings.TrimSpace(jobID))
}

// List returns all jobs, newest first
func (s *Service) List() ([]store.Record, error) {
	return s.Store.List()
}

// Schema returns json schema of CreateRequest
func (s *Service) Schema() *jsonschema.Schema {
	schema := jsonschema.Reflect(&CreateRequest{})
	schema.Title = "Training job request"
	schema.Description = "Schema for POST /jobs request body"
	return schema
}

// newJobID makes "job-<unix ms>-<suffix>" id, suffix is the random tail of uuid v7
// so ids made in the same millisecond are still distinct
func (s *Service) newJobID(ts time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "job-" + strconv.FormatInt(ts.UnixMilli(), 10) + "-" + hex[len(hex)-12:]
}
