// Package pipeline runs the background embedding worker. Ingestion enqueues
// one job per conversation; the worker claims jobs from the SQLite queue,
// embeds segments that have no vector yet, and writes the vectors back.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kohlhas/recollect/internal/embedder"
	"github.com/kohlhas/recollect/internal/storage"
)

// JobStore abstracts the job queue and segment embedding operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	SegmentsMissingEmbedding(ctx context.Context, conversationID string, limit int) ([]storage.Segment, error)
	SetSegmentEmbedding(ctx context.Context, segmentID string, vec []float32) error
}

// Worker processes embed_conversation jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder embedder.Embedder
	poll     time.Duration
	logger   *slog.Logger
}

// batchSize bounds how many segments one claim embeds before re-checking.
const batchSize = 100

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, emb embedder.Embedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: emb,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_conversation job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobEmbedConversation})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// processJob embeds every segment of the job's conversation that has no
// vector yet. An empty conversation_id backfills across all conversations.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	var embedded int
	for {
		segments, err := w.store.SegmentsMissingEmbedding(ctx, payload.ConversationID, batchSize)
		if err != nil {
			return fmt.Errorf("listing segments: %w", err)
		}
		if len(segments) == 0 {
			break
		}

		texts := make([]string, len(segments))
		for i, seg := range segments {
			texts[i] = seg.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, w.embedder, texts)
		if err != nil {
			return fmt.Errorf("embedding segments: %w", err)
		}

		for i, seg := range segments {
			if err := w.store.SetSegmentEmbedding(ctx, seg.ID, vectors[i]); err != nil {
				return fmt.Errorf("storing embedding for segment %s: %w", seg.ID, err)
			}
		}
		embedded += len(segments)

		if len(segments) < batchSize {
			break
		}
	}

	w.logger.Debug("conversation embedded",
		"conversation_id", payload.ConversationID,
		"segments", embedded,
	)
	return nil
}
