package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/jamesross/mediaforge/internal/job"
)

// SubmitBatch assigns a shared batch id, stamps ascending batch_index on
// each job, and enqueues them in order. It is a convenience: there is no
// separate persistent Batch record, status is computed from member jobs
// by job.ComputeBatchStatus.
func (s *Scheduler) SubmitBatch(ctx context.Context, jobs []job.Job) (uuid.UUID, error) {
	batchID := uuid.New()
	for i := range jobs {
		idx := i
		jobs[i].BatchID = &batchID
		jobs[i].BatchIndex = &idx
		if err := s.Enqueue(ctx, jobs[i]); err != nil {
			return batchID, err
		}
	}
	return batchID, nil
}
