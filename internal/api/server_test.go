package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rollcall-app/rollcall/internal/config"
	"github.com/rollcall-app/rollcall/internal/feedback"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/match"
	"github.com/rollcall-app/rollcall/internal/queue"
	"github.com/rollcall-app/rollcall/internal/repository"
)

const testOrg = "acme-university"

type fakeRepo struct {
	mu            sync.Mutex
	files         map[string]*repository.AttendanceFile
	jobs          map[string]*repository.ProcessingJob // latest job keyed by file id
	results       map[string][]match.Result
	createFileErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		files:   make(map[string]*repository.AttendanceFile),
		jobs:    make(map[string]*repository.ProcessingJob),
		results: make(map[string][]match.Result),
	}
}

func (f *fakeRepo) CreateFile(_ context.Context, file *repository.AttendanceFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFileErr != nil {
		return f.createFileErr
	}
	f.files[file.ID] = file
	return nil
}

func (f *fakeRepo) GetFile(_ context.Context, id string) (*repository.AttendanceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return file, nil
}

func (f *fakeRepo) CreateJob(_ context.Context, job *repository.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = repository.JobPending
	f.jobs[job.FileID] = job
	return nil
}

func (f *fakeRepo) LatestJobForFile(_ context.Context, fileID string) (*repository.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeRepo) JobResults(_ context.Context, jobID string) ([]match.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[jobID], nil
}

type fakeObjects struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: make(map[string][]byte)}
}

func (f *fakeObjects) UploadRaw(_ context.Context, objectKey string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[objectKey] = data
	return nil
}

func (f *fakeObjects) DeleteRaw(_ context.Context, objectKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, objectKey)
	return nil
}

func (f *fakeObjects) PresignResultsURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.example.com/" + objectKey + "?signed=1", nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.ProcessPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueProcess(_ context.Context, payload queue.ProcessPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeLearner struct {
	submitted chan feedback.Record
	threshold feedback.Threshold
}

func (f *fakeLearner) Submit(_ context.Context, rec feedback.Record) error {
	f.submitted <- rec
	return nil
}

func (f *fakeLearner) ThresholdFor(_ context.Context, org string) (feedback.Threshold, error) {
	t := f.threshold
	t.Organization = org
	return t, nil
}

func testServer() (*Server, *fakeRepo, *fakeObjects, *fakeEnqueuer, *fakeLearner) {
	cfg := &config.Config{
		Address:      ":0",
		MaxFileSize:  1 << 20,
		SignedURLTTL: time.Minute,
	}
	repo := newFakeRepo()
	objects := newFakeObjects()
	enqueuer := &fakeEnqueuer{}
	learner := &fakeLearner{
		submitted: make(chan feedback.Record, 1),
		threshold: feedback.Threshold{Value: 0.70, Version: 2},
	}
	srv := New(cfg, repo, objects, enqueuer, learner, logging.NewNop())
	return srv, repo, objects, enqueuer, learner
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write(fileData); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadAcceptsAndQueues(t *testing.T) {
	srv, repo, objects, enqueuer, _ := testServer()
	body, contentType := multipartUpload(t,
		map[string]string{"organization": testOrg, "session": "CS101 Monday"},
		"roster.csv", []byte("Name,Email\nJohn Smith,john@x.edu\n"))

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" || resp["jobId"] == "" || resp["status"] != "pending" {
		t.Fatalf("unexpected response: %v", resp)
	}

	file, err := repo.GetFile(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("file record missing: %v", err)
	}
	if file.Format != "csv" || file.Organization != testOrg {
		t.Fatalf("unexpected file record: %+v", file)
	}
	if file.SessionID == nil || *file.SessionID != "CS101 Monday" {
		t.Fatalf("session not recorded: %+v", file)
	}
	if file.ContentSHA256 == "" {
		t.Fatalf("content hash not recorded")
	}
	if _, ok := objects.uploads[file.ObjectKey]; !ok {
		t.Fatalf("raw bytes not stored under %q", file.ObjectKey)
	}

	job, err := repo.LatestJobForFile(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Threshold != 0.70 || job.ThresholdVersion != 2 {
		t.Fatalf("threshold snapshot not taken: %+v", job)
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].JobID != job.ID {
		t.Fatalf("job not queued: %+v", enqueuer.payloads)
	}
}

func TestUploadRequiresOrganization(t *testing.T) {
	srv, _, _, _, _ := testServer()
	body, contentType := multipartUpload(t, nil, "roster.csv", []byte("Name\nJohn\n"))

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	srv, _, _, _, _ := testServer()
	body, contentType := multipartUpload(t, map[string]string{"organization": testOrg}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadRemovesObjectWhenMetadataFails(t *testing.T) {
	srv, repo, objects, _, _ := testServer()
	repo.createFileErr = errors.New("database down")
	body, contentType := multipartUpload(t,
		map[string]string{"organization": testOrg},
		"roster.csv", []byte("Name\nJohn Smith\n"))

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if len(objects.uploads) != 0 {
		t.Fatalf("raw object left behind after failed metadata write: %v", objects.uploads)
	}
}

func TestUploadRemovesObjectWhenEnqueueFails(t *testing.T) {
	srv, _, objects, enqueuer, _ := testServer()
	enqueuer.err = errors.New("redis down")
	body, contentType := multipartUpload(t,
		map[string]string{"organization": testOrg},
		"roster.csv", []byte("Name\nJohn Smith\n"))

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if len(objects.uploads) != 0 {
		t.Fatalf("raw object left behind after failed enqueue: %v", objects.uploads)
	}
}

func TestStatusReturnsResultsWhenCompleted(t *testing.T) {
	srv, repo, _, _, _ := testServer()
	repo.files["f1"] = &repository.AttendanceFile{ID: "f1", Organization: testOrg, FileName: "roster.csv"}
	repo.jobs["f1"] = &repository.ProcessingJob{
		ID: "j1", FileID: "f1", Organization: testOrg,
		Status:  repository.JobCompleted,
		Summary: &repository.Summary{TotalRows: 1, Matched: 1},
	}
	repo.results["j1"] = []match.Result{{RowIndex: 0, RawName: "John Smith", Outcome: match.OutcomeMatched, PersonID: "p1", Confidence: 1.0, Method: match.MethodExact}}

	req := httptest.NewRequest(http.MethodGet, "/files/f1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Status != repository.JobCompleted || len(resp.Results) != 1 {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
}

func TestStatusPendingOmitsResults(t *testing.T) {
	srv, repo, _, _, _ := testServer()
	repo.files["f1"] = &repository.AttendanceFile{ID: "f1", Organization: testOrg}
	repo.jobs["f1"] = &repository.ProcessingJob{ID: "j1", FileID: "f1", Status: repository.JobPending}

	req := httptest.NewRequest(http.MethodGet, "/files/f1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("pending job must not expose results: %+v", resp)
	}
}

func TestStatusUnknownFile(t *testing.T) {
	srv, _, _, _, _ := testServer()
	req := httptest.NewRequest(http.MethodGet, "/files/nope", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResultsURLConflictUntilCompleted(t *testing.T) {
	srv, repo, _, _, _ := testServer()
	repo.files["f1"] = &repository.AttendanceFile{ID: "f1"}
	repo.jobs["f1"] = &repository.ProcessingJob{ID: "j1", FileID: "f1", Status: repository.JobProcessing}

	req := httptest.NewRequest(http.MethodGet, "/files/f1/results-url", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while processing, got %d", rec.Code)
	}

	repo.jobs["f1"].Status = repository.JobCompleted
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/f1/results-url", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp["url"], "results/j1.json") {
		t.Fatalf("unexpected url: %q", resp["url"])
	}
}

func TestFeedbackAccepted(t *testing.T) {
	srv, _, _, _, learner := testServer()
	body := `{"organization":"` + testOrg + `","originalName":"Jon Smith","personId":"p1","wasCorrect":false,"priorConfidence":0.82}`

	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case got := <-learner.submitted:
		if got.Organization != testOrg || got.PersonID != "p1" || got.WasCorrect {
			t.Fatalf("unexpected record: %+v", got)
		}
		if got.SubmittedAt.IsZero() {
			t.Fatalf("submission time not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("learner never received the record")
	}
}

func TestFeedbackValidation(t *testing.T) {
	srv, _, _, _, _ := testServer()
	cases := []string{
		`{}`,
		`{"organization":"o","originalName":"n"}`,
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestOrganizationThreshold(t *testing.T) {
	srv, _, _, _, _ := testServer()
	req := httptest.NewRequest(http.MethodGet, "/organizations/"+testOrg+"/threshold", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp feedback.Threshold
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Organization != testOrg || resp.Value != 0.70 {
		t.Fatalf("unexpected threshold: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _, _, _ := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
