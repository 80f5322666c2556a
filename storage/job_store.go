package storage

import (
	"context"
	"fmt"
)

const jobKeyPrefix = "job:"

// JobStore is a typed adapter over the raw KV for job records. Jobs live in
// the local area so they survive restarts.
type JobStore struct {
	kv KV
}

// NewJobStore returns a job store over kv.
func NewJobStore(kv KV) *JobStore {
	return &JobStore{kv: kv}
}

// Get loads a job record. Returns ErrNotFound if the job does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	var job JobRecord
	found, err := GetJSON(ctx, s.kv, AreaLocal, jobKeyPrefix+jobID, &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return &job, nil
}

// Put writes the job record, replacing any previous version.
func (s *JobStore) Put(ctx context.Context, job *JobRecord) error {
	if job.JobID == "" {
		return fmt.Errorf("storage: job record missing jobId")
	}
	return SetJSON(ctx, s.kv, AreaLocal, jobKeyPrefix+job.JobID, job)
}

// Delete removes the job record. Deleting a missing job is not an error.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	return s.kv.Delete(ctx, AreaLocal, jobKeyPrefix+jobID)
}

// List returns up to limit job records in key order. limit <= 0 means all.
func (s *JobStore) List(ctx context.Context, limit int) ([]*JobRecord, error) {
	entries, err := s.kv.List(ctx, AreaLocal, jobKeyPrefix, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*JobRecord, 0, len(entries))
	for _, e := range entries {
		var job JobRecord
		if err := decodeEntry(e, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ListWorkable returns jobs the scheduler should hold a lease for.
func (s *JobStore) ListWorkable(ctx context.Context) ([]*JobRecord, error) {
	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*JobRecord
	for _, job := range all {
		if job.Status.IsWorkable() {
			out = append(out, job)
		}
	}
	return out, nil
}
