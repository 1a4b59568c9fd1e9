// Package pipeline drives one file-processing job from claim to terminal
// state: parse, detect columns, match rows, persist the outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/match"
	"github.com/rollcall-app/rollcall/internal/oracle"
	"github.com/rollcall-app/rollcall/internal/repository"
	"github.com/rollcall-app/rollcall/internal/tabular"
)

// Error kinds stored on failed jobs.
const (
	ErrKindMalformed    = "malformed_file"
	ErrKindNoNameColumn = "no_name_column"
	ErrKindStorage      = "storage"
	ErrKindCancelled    = "cancelled"
)

// JobStore is the slice of the repository the pipeline needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*repository.ProcessingJob, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	GetFile(ctx context.Context, id string) (*repository.AttendanceFile, error)
	CompleteJob(ctx context.Context, id string, results []match.Result, summary repository.Summary) error
	FailJob(ctx context.Context, id, kind, message string) error
}

// ObjectStore is the slice of object storage the pipeline needs.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadResults(ctx context.Context, objectKey string, data []byte) error
}

// Processor runs processing jobs. One instance serves all jobs; per-job state
// lives on the stack of Process.
type Processor struct {
	jobs         JobStore
	objects      ObjectStore
	engine       *match.Engine
	log          *logging.Logger
	sampleRows   int
	oracleBudget time.Duration
}

// New constructs a Processor.
func New(jobs JobStore, objects ObjectStore, engine *match.Engine, log *logging.Logger, sampleRows int, oracleBudget time.Duration) *Processor {
	if sampleRows <= 0 {
		sampleRows = 20
	}
	return &Processor{
		jobs:         jobs,
		objects:      objects,
		engine:       engine,
		log:          log.With("component", "pipeline"),
		sampleRows:   sampleRows,
		oracleBudget: oracleBudget,
	}
}

// ResultsObjectKey names the archived result artifact for a job.
func ResultsObjectKey(jobID string) string {
	return fmt.Sprintf("results/%s.json", jobID)
}

// Process claims the job and runs it to a terminal state. An error return
// means the job could not even be looked at (infrastructure trouble before
// the claim) and the task should be retried; once the job is claimed every
// failure is recorded on the job itself and nil is returned.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	log := p.log.With("job", jobID)

	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	claimed, err := p.jobs.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		// Another worker holds or already finished this job.
		log.Info("job not claimable, skipping", "status", job.Status)
		return nil
	}

	fail := func(kind, message string) {
		log.Warn("job failed", "kind", kind, "error", message)
		// The job context may already be cancelled; the failure record
		// must still land.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.jobs.FailJob(failCtx, jobID, kind, message); err != nil {
			log.Error("record job failure", "error", err)
		}
	}

	file, err := p.jobs.GetFile(ctx, job.FileID)
	if err != nil {
		fail(ErrKindStorage, fmt.Sprintf("load file record: %v", err))
		return nil
	}
	data, err := p.objects.DownloadRaw(ctx, file.ObjectKey)
	if err != nil {
		fail(ErrKindStorage, fmt.Sprintf("download upload: %v", err))
		return nil
	}

	table, err := tabular.Parse(data, tabular.Format(file.Format))
	if err != nil {
		var malformed *tabular.MalformedFileError
		if errors.As(err, &malformed) {
			fail(ErrKindMalformed, malformed.Error())
		} else {
			fail(ErrKindMalformed, err.Error())
		}
		return nil
	}
	cols, err := tabular.DetectColumns(table, p.sampleRows)
	if err != nil {
		if errors.Is(err, tabular.ErrNoNameColumn) {
			fail(ErrKindNoNameColumn, err.Error())
		} else {
			fail(ErrKindMalformed, err.Error())
		}
		return nil
	}
	rows := tabular.BuildRows(table, cols)

	budget := oracle.NewBudget(p.oracleBudget)
	results, err := p.engine.MatchAll(ctx, job.Organization, rows, job.Threshold, budget)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fail(ErrKindCancelled, "cancelled")
		} else {
			fail(ErrKindStorage, fmt.Sprintf("load directory: %v", err))
		}
		return nil
	}

	summary := Summarize(results)
	artifact, err := json.Marshal(results)
	if err != nil {
		fail(ErrKindStorage, fmt.Sprintf("marshal results: %v", err))
		return nil
	}
	if err := p.objects.UploadResults(ctx, ResultsObjectKey(jobID), artifact); err != nil {
		fail(ErrKindStorage, fmt.Sprintf("archive results: %v", err))
		return nil
	}
	if err := p.jobs.CompleteJob(ctx, jobID, results, summary); err != nil {
		fail(ErrKindStorage, fmt.Sprintf("persist results: %v", err))
		return nil
	}

	log.Info("job completed",
		"rows", summary.TotalRows,
		"matched", summary.Matched,
		"unmatched", summary.Unmatched,
		"avgConfidence", summary.AvgConfidence)
	return nil
}

// Summarize aggregates counts and overall confidence for a result set.
func Summarize(results []match.Result) repository.Summary {
	s := repository.Summary{TotalRows: len(results)}
	var confidenceSum float64
	for _, res := range results {
		if res.Outcome == match.OutcomeMatched {
			s.Matched++
			confidenceSum += res.Confidence
		} else {
			s.Unmatched++
		}
	}
	if s.Matched > 0 {
		s.AvgConfidence = confidenceSum / float64(s.Matched)
	}
	return s
}
