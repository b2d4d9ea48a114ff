package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tailorview/fitform/internal/model"
	"github.com/tailorview/fitform/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	minHeightCM = 100
	maxHeightCM = 250
	minWeightKG = 30
	maxWeightKG = 300
)

// createAvatarRequest is the JSON body for POST /v1/avatars.
type createAvatarRequest struct {
	OwnerID  string `json:"owner_id"`
	PhotoURL string `json:"photo_url"`
	Height   int    `json:"height"`
	Weight   *int   `json:"weight"`
	Gender   string `json:"gender"`
}

// validate checks required fields and parameter domains.
func (r createAvatarRequest) validate() string {
	switch {
	case r.OwnerID == "":
		return "owner_id is required"
	case r.PhotoURL == "":
		return "photo_url is required"
	case r.Height < minHeightCM || r.Height > maxHeightCM:
		return "height must be between 100 and 250 cm"
	case r.Weight != nil && (*r.Weight < minWeightKG || *r.Weight > maxWeightKG):
		return "weight must be between 30 and 300 kg"
	case r.Gender != model.GenderMale && r.Gender != model.GenderFemale && r.Gender != model.GenderOther:
		return "gender must be one of male, female, other"
	}
	return ""
}

// createAvatarResponse is the 202 body returned by the gateway.
type createAvatarResponse struct {
	JobID            string `json:"job_id"`
	OwnerID          string `json:"owner_id"`
	State            string `json:"state"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// jobResponse is the status projection of a job record. Failure is data
// here: a failed job is a 200 with its error attached, never a 5xx.
type jobResponse struct {
	JobID       string          `json:"job_id"`
	OwnerID     string          `json:"owner_id"`
	State       string          `json:"state"`
	Result      *model.Result   `json:"result,omitempty"`
	Error       *model.JobError `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		JobID:       j.ID,
		OwnerID:     j.OwnerID,
		State:       j.State,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleCreateAvatar(w http.ResponseWriter, r *http.Request) {
	var req createAvatarRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	j := &model.Job{
		ID:        model.NewID(),
		OwnerID:   req.OwnerID,
		State:     model.StateQueued,
		PhotoURL:  req.PhotoURL,
		Height:    req.Height,
		Weight:    req.Weight,
		Gender:    req.Gender,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), j); err != nil {
		s.logger.Error("submit avatar job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to accept job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, createAvatarResponse{
		JobID:            j.ID,
		OwnerID:          j.OwnerID,
		State:            j.State,
		EstimatedSeconds: s.estimatedSeconds,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, toJobResponse(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	ownerID := r.URL.Query().Get("owner_id")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), ownerID, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := listJobsResponse{
		Jobs:   make([]jobResponse, 0, len(jobs)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
