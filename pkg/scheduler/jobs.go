package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/store"
)

// JobTracker maintains batch job records and reacts to their placement
// outcomes. It is the PlacementHandler for KindJob.
type JobTracker struct {
	store     store.Store
	scheduler *Scheduler
	events    *observability.EventStream
	logger    *zap.Logger
}

// NewJobTracker creates a job tracker and registers it with the scheduler.
func NewJobTracker(st store.Store, sched *Scheduler, events *observability.EventStream, logger *zap.Logger) *JobTracker {
	jt := &JobTracker{
		store:     st,
		scheduler: sched,
		events:    events,
		logger:    logger,
	}
	sched.RegisterHandler(cluster.KindJob, jt)
	return jt
}

// SubmitJob records a new batch job and admits it to the scheduler. On
// admission rejection no job record is kept.
func (jt *JobTracker) SubmitJob(ctx context.Context, class, owner string, priority int) (cluster.JobRecord, error) {
	job := cluster.JobRecord{
		ID:        uuid.New().String(),
		Class:     class,
		Owner:     owner,
		Priority:  priority,
		State:     cluster.JobPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	value, err := cluster.Encode(&job)
	if err != nil {
		return cluster.JobRecord{}, err
	}
	if _, err := jt.store.ConditionalPut(ctx, store.JobKey(job.ID), 0, value); err != nil {
		return cluster.JobRecord{}, fmt.Errorf("failed to record job: %w", err)
	}

	if _, err := jt.scheduler.Submit(ctx, Request{
		Kind:      cluster.KindJob,
		RequestID: job.ID,
		Class:     class,
		Priority:  priority,
		Owner:     owner,
	}); err != nil {
		if delErr := jt.store.Delete(ctx, store.JobKey(job.ID)); delErr != nil && !store.IsNotFound(delErr) {
			jt.logger.Warn("Failed to remove rejected job record", zap.String("job_id", job.ID), zap.Error(delErr))
		}
		return cluster.JobRecord{}, err
	}

	if jt.events != nil {
		jt.events.Record(observability.Event{
			Type:        observability.EventJobSubmitted,
			ResourceID:  job.ID,
			ActorID:     owner,
			Description: "job submitted",
		})
	}
	return job, nil
}

// GetJob returns a job record by id.
func (jt *JobTracker) GetJob(ctx context.Context, jobID string) (cluster.JobRecord, error) {
	rec, err := jt.store.Get(ctx, store.JobKey(jobID))
	if err != nil {
		return cluster.JobRecord{}, err
	}
	var job cluster.JobRecord
	if err := cluster.Decode(rec.Value, &job); err != nil {
		return cluster.JobRecord{}, err
	}
	return job, nil
}

// ListJobs returns all job records.
func (jt *JobTracker) ListJobs(ctx context.Context) ([]cluster.JobRecord, error) {
	records, err := jt.store.List(ctx, store.JobsPrefix())
	if err != nil {
		return nil, err
	}
	jobs := make([]cluster.JobRecord, 0, len(records))
	for _, rec := range records {
		var job cluster.JobRecord
		if err := cluster.Decode(rec.Value, &job); err != nil {
			jt.logger.Error("Corrupt job record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CompleteJob marks a placed job finished and releases its node slot.
func (jt *JobTracker) CompleteJob(ctx context.Context, jobID string) error {
	var nodeID string
	err := jt.updateJob(ctx, jobID, func(job *cluster.JobRecord) bool {
		if job.State != cluster.JobPlaced {
			return false
		}
		nodeID = job.NodeID
		job.State = cluster.JobCompleted
		return true
	})
	if err != nil {
		return err
	}
	if nodeID == "" {
		return fmt.Errorf("job %s is not placed", jobID)
	}
	return jt.scheduler.ReleaseSlot(ctx, nodeID, jobID)
}

// HandleReserved is a no-op for jobs; a queued job simply keeps waiting while
// its node provisions.
func (jt *JobTracker) HandleReserved(ctx context.Context, entry cluster.QueueEntry, nodeID string) error {
	return nil
}

// HandlePlaced marks the job as running on its node.
func (jt *JobTracker) HandlePlaced(ctx context.Context, entry cluster.QueueEntry, node cluster.NodeRecord) error {
	err := jt.updateJob(ctx, entry.RequestID, func(job *cluster.JobRecord) bool {
		if job.State == cluster.JobCompleted || job.State == cluster.JobFailed {
			return false
		}
		job.State = cluster.JobPlaced
		job.NodeID = node.ID
		return true
	})
	if err != nil {
		return err
	}
	if jt.events != nil {
		jt.events.Record(observability.Event{
			Type:        observability.EventJobPlaced,
			ResourceID:  entry.RequestID,
			Description: "job placed on " + node.ID,
		})
	}
	return nil
}

// HandleFailed marks the job failed after its placement gave up.
func (jt *JobTracker) HandleFailed(ctx context.Context, entry cluster.QueueEntry, cause error) error {
	return jt.updateJob(ctx, entry.RequestID, func(job *cluster.JobRecord) bool {
		if job.State == cluster.JobCompleted || job.State == cluster.JobFailed {
			return false
		}
		job.State = cluster.JobFailed
		job.FailureReason = cause.Error()
		return true
	})
}

// HandleNodeLost returns the job to Pending; the scheduler has already
// re-queued it.
func (jt *JobTracker) HandleNodeLost(ctx context.Context, occupantID string, node cluster.NodeRecord) error {
	return jt.updateJob(ctx, occupantID, func(job *cluster.JobRecord) bool {
		if job.State != cluster.JobPlaced || job.NodeID != node.ID {
			return false
		}
		job.State = cluster.JobPending
		job.NodeID = ""
		return true
	})
}

func (jt *JobTracker) updateJob(ctx context.Context, jobID string, mutate func(*cluster.JobRecord) bool) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := jt.store.Get(ctx, store.JobKey(jobID))
		if err != nil {
			return err
		}

		var job cluster.JobRecord
		if err := cluster.Decode(rec.Value, &job); err != nil {
			return err
		}
		if !mutate(&job) {
			return nil
		}
		job.UpdatedAt = time.Now()

		value, err := cluster.Encode(&job)
		if err != nil {
			return err
		}
		if _, err := jt.store.ConditionalPut(ctx, rec.Key, rec.Version, value); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("job update contention on %s exceeded %d attempts", jobID, casRetryLimit)
}
