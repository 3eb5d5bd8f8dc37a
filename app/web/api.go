package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/trainq/app/conditions"
	"github.com/umputun/trainq/app/service"
	"github.com/umputun/trainq/app/store"
)

// HealthResponse is the JSON response for /health
type HealthResponse struct {
	OK        bool             `json:"ok"`
	Service   string           `json:"service"`
	Version   string           `json:"version,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	StateFile string           `json:"stateFile"`
	Stats     conditions.Stats `json:"stats"`
}

// SubmitResponse is the JSON response for accepted job
type SubmitResponse struct {
	OK          bool   `json:"ok"`
	JobID       string `json:"jobId"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	AdapterPath string `json:"adapterPath"`
}

// JobSummary represents a job in list response
type JobSummary struct {
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	BaseModel   string     `json:"baseModel,omitempty"`
	AdapterPath string     `json:"adapterPath,omitempty"`
	Percent     float64    `json:"progressPercent"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobResponse is a full record with ok flag
type JobResponse struct {
	OK bool `json:"ok"`
	store.Record
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		OK:        true,
		Service:   "trainq",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
		StateFile: s.StateFile,
		Stats:     conditions.GetStats(s.DiskPath),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	rec, err := s.Service.Submit(req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to submit job: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SubmitResponse{OK: true, JobID: rec.JobID, ID: rec.JobID,
		Status: rec.Status.String(), AdapterPath: rec.AdapterPath})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Service.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("[ERROR] failed to get job %s: %v", r.PathValue("id"), err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, JobResponse{OK: true, Record: rec})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	recs, err := s.Service.List()
	if err != nil {
		log.Printf("[ERROR] failed to list jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load jobs")
		return
	}
	res := make([]JobSummary, 0, len(recs))
	for _, rec := range recs {
		res = append(res, JobSummary{
			JobID:       rec.JobID,
			Status:      rec.Status.String(),
			BaseModel:   rec.BaseModel,
			AdapterPath: rec.AdapterPath,
			Percent:     rec.Progress.Percent,
			CreatedAt:   rec.CreatedAt,
			FinishedAt:  rec.FinishedAt,
			Error:       rec.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": res})
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Service.Schema())
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{"ok": false, "error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
