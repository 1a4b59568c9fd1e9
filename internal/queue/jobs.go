// Package queue defines the asynq task contract between the API server and
// the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// ProcessAttendanceTask is scheduled once per created processing job.
const ProcessAttendanceTask = "attendance:process"

// ProcessPayload tells the worker which job to claim.
type ProcessPayload struct {
	JobID        string `json:"job_id"`
	FileID       string `json:"file_id"`
	Organization string `json:"organization"`
}

// Client wraps an asynq.Client for enqueueing.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// Close releases the underlying asynq client.
func (c *Client) Close() error {
	return c.inner.Close()
}

// EnqueueProcess schedules one processing job. Retries are left to asynq only
// for infrastructure hiccups; a job the worker marked failed is never retried
// (the worker acknowledges those tasks).
func (c *Client) EnqueueProcess(ctx context.Context, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessAttendanceTask, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
