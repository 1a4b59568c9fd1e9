// Package api exposes the HTTP endpoints: upload, status query, feedback
// submission, and health.
package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/config"
	"github.com/rollcall-app/rollcall/internal/feedback"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/match"
	"github.com/rollcall-app/rollcall/internal/queue"
	"github.com/rollcall-app/rollcall/internal/repository"
	"github.com/rollcall-app/rollcall/internal/tabular"
)

// Repo is the repository surface the API needs.
type Repo interface {
	CreateFile(ctx context.Context, f *repository.AttendanceFile) error
	GetFile(ctx context.Context, id string) (*repository.AttendanceFile, error)
	CreateJob(ctx context.Context, job *repository.ProcessingJob) error
	LatestJobForFile(ctx context.Context, fileID string) (*repository.ProcessingJob, error)
	JobResults(ctx context.Context, jobID string) ([]match.Result, error)
}

// Objects is the object-storage surface the API needs.
type Objects interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DeleteRaw(ctx context.Context, objectKey string) error
	PresignResultsURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Enqueuer schedules processing jobs.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, payload queue.ProcessPayload) error
}

// Learner accepts feedback and serves thresholds.
type Learner interface {
	Submit(ctx context.Context, rec feedback.Record) error
	ThresholdFor(ctx context.Context, org string) (feedback.Threshold, error)
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg     *config.Config
	repo    Repo
	objects Objects
	jobs    Enqueuer
	learner Learner
	log     *logging.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo Repo, objects Objects, jobs Enqueuer, learner Learner, log *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		repo:    repo,
		objects: objects,
		jobs:    jobs,
		learner: learner,
		log:     log.With("component", "api"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.loggingMiddleware(s.Routes()),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the route mux. Exposed for handler tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/files/", s.handleFileRoute)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/organizations/", s.handleOrganizationRoute)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFileRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleStatus(w, r, id)
		return
	}
	switch parts[1] {
	case "results-url":
		s.handleResultsURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleOrganizationRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/organizations/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "threshold" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	threshold, err := s.learner.ThresholdFor(r.Context(), parts[0])
	if err != nil {
		http.Error(w, "failed to load threshold", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, threshold)
}

// handleUpload accepts the file synchronously, stores bytes and metadata, and
// schedules matching to run in the background. The caller polls for status.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	var (
		org      string
		session  string
		format   string
		fileName string
		content  []byte
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "organization":
			org = readField(part)
		case "session":
			session = readField(part)
		case "format":
			format = strings.ToLower(readField(part))
		case "file":
			fileName = part.FileName()
			content, err = io.ReadAll(part)
			part.Close()
			if err != nil {
				http.Error(w, "failed to read file part", http.StatusBadRequest)
				return
			}
		default:
			part.Close()
		}
	}
	if org == "" {
		http.Error(w, "missing organization field", http.StatusBadRequest)
		return
	}
	if len(content) == 0 {
		http.Error(w, "missing or empty file part", http.StatusBadRequest)
		return
	}
	if fileName == "" {
		fileName = "upload.csv"
	}
	if format == "" {
		format = string(tabular.FormatFromFilename(fileName))
	}

	sum := sha256.Sum256(content)
	fileID := uuid.NewString()
	objectKey := "uploads/" + fileID + "/" + filepath.Base(fileName)
	if err := s.objects.UploadRaw(ctx, objectKey, bytes.NewReader(content), int64(len(content)), "application/octet-stream"); err != nil {
		s.log.Error("store upload", "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	// If anything past this point fails, no record points at the stored
	// object; best-effort delete keeps the bucket free of orphans.
	removeUpload := func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.objects.DeleteRaw(cleanupCtx, objectKey); err != nil {
			s.log.Warn("remove orphaned upload", "key", objectKey, "error", err)
		}
	}

	file := &repository.AttendanceFile{
		ID:            fileID,
		Organization:  org,
		FileName:      fileName,
		Format:        format,
		ObjectKey:     objectKey,
		ContentSHA256: hex.EncodeToString(sum[:]),
	}
	if session != "" {
		file.SessionID = &session
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		removeUpload()
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}

	// Snapshot the org threshold onto the job so a feedback cycle mid-run
	// cannot shift acceptance for rows already being scored.
	threshold, err := s.learner.ThresholdFor(ctx, org)
	if err != nil {
		removeUpload()
		http.Error(w, "failed to load threshold", http.StatusInternalServerError)
		return
	}
	job := &repository.ProcessingJob{
		ID:               uuid.NewString(),
		FileID:           fileID,
		Organization:     org,
		Threshold:        threshold.Value,
		ThresholdVersion: threshold.Version,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		removeUpload()
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if err := s.jobs.EnqueueProcess(ctx, queue.ProcessPayload{
		JobID:        job.ID,
		FileID:       fileID,
		Organization: org,
	}); err != nil {
		removeUpload()
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     fileID,
		"jobId":  job.ID,
		"status": string(repository.JobPending),
	})
}

type statusResponse struct {
	File    *repository.AttendanceFile `json:"file"`
	Job     *repository.ProcessingJob  `json:"job"`
	Results []match.Result             `json:"results,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	file, err := s.repo.GetFile(r.Context(), id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	job, err := s.repo.LatestJobForFile(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := statusResponse{File: file, Job: job}
	if job.Status == repository.JobCompleted {
		results, err := s.repo.JobResults(r.Context(), job.ID)
		if err != nil {
			http.Error(w, "failed to load results", http.StatusInternalServerError)
			return
		}
		resp.Results = results
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResultsURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := s.repo.LatestJobForFile(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status != repository.JobCompleted {
		http.Error(w, "results not available", http.StatusConflict)
		return
	}
	url, err := s.objects.PresignResultsURL(r.Context(), "results/"+job.ID+".json", s.cfg.SignedURLTTL)
	if err != nil {
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type feedbackRequest struct {
	Organization    string  `json:"organization"`
	RequestID       string  `json:"requestId,omitempty"`
	OriginalName    string  `json:"originalName"`
	PersonID        string  `json:"personId"`
	WasCorrect      bool    `json:"wasCorrect"`
	PriorConfidence float64 `json:"priorConfidence"`
	Context         string  `json:"context,omitempty"`
}

// handleFeedback acknowledges immediately; the learner recomputes in the
// background so the caller never blocks on threshold math.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Organization == "" || req.OriginalName == "" || req.PersonID == "" {
		http.Error(w, "organization, originalName and personId are required", http.StatusBadRequest)
		return
	}
	rec := feedback.Record{
		Organization:    req.Organization,
		RequestID:       req.RequestID,
		OriginalName:    req.OriginalName,
		PersonID:        req.PersonID,
		WasCorrect:      req.WasCorrect,
		PriorConfidence: req.PriorConfidence,
		Context:         req.Context,
		SubmittedAt:     time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.learner.Submit(ctx, rec); err != nil {
			s.log.Error("feedback submit", "org", rec.Organization, "error", err)
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func readField(part *multipart.Part) string {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
