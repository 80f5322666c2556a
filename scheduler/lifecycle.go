package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/storage"
)

// Lifecycle errors.
var (
	// ErrJobExists is returned by StartJob when the caller-provided job id
	// is already taken.
	ErrJobExists = errors.New("scheduler: job already exists")

	// ErrStatusConflict is returned when a lifecycle operation is not valid
	// in the job's current status.
	ErrStatusConflict = errors.New("scheduler: operation conflicts with the job status")
)

// StartJobParams describes a new translation job.
type StartJobParams struct {
	// JobID is optional; a random id is minted when empty.
	JobID string

	// TabID is the owning tab. Zero disables tab tracking for this job.
	TabID int

	// URL is recorded on the tab state for diagnostics.
	URL string

	// TargetLang overrides the settings default for this job.
	TargetLang string

	// Proofread forces the proofreading pass on or off for this job. Nil
	// defers to settings and the planner's pipeline.
	Proofread *bool
}

// ScanResult is the page scan delivered to a preparing job: the translatable
// blocks in document order, plus optional pre-analysis ranges the planning
// fallback can derive a taxonomy from.
type ScanResult struct {
	Blocks    []storage.Block
	PreRanges map[string]storage.PreRange
}

// StartJob creates a job in preparing, points the owning tab at it, and asks
// for the initial page scan. A previous job still attached to the tab is
// cancelled first: starting a translation on a tab restarts it. When the tab
// has a fresh cached scan, the job is seeded from it and skips the scan wait.
func (s *JobRunner) StartJob(ctx context.Context, p StartJobParams) (*storage.JobRecord, error) {
	jobID := p.JobID
	if jobID == "" {
		jobID = "job-" + uuid.NewString()
	} else if _, err := s.jobs.Get(ctx, jobID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("scheduler: check job %s: %w", jobID, err)
	}

	targetLang := p.TargetLang
	if targetLang == "" {
		eff, err := s.effective(ctx)
		if err != nil {
			return nil, err
		}
		targetLang = eff.TargetLang
	}

	now := s.clock.NowMs()
	job := &storage.JobRecord{
		JobID:      jobID,
		TabID:      p.TabID,
		TargetLang: targetLang,
		Status:     jobstate.JobStatusPreparing,
		AgentState: storage.NewAgentState(),
		Runtime:    &storage.Runtime{Status: jobstate.RuntimeQueued, Stage: jobstate.StageScanning},
		// The scan is requested as part of job creation; the preparing step
		// only re-nudges once this request has gone stale.
		LastScanRequestTs: now,
		LastScanNudgeTs:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.Proofread != nil {
		job.Proofreading = &storage.Proofreading{Enabled: *p.Proofread}
	}

	if p.TabID != 0 {
		if err := s.adoptTab(ctx, job, p.URL, now); err != nil {
			return nil, err
		}
	}

	if err := s.jobs.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("scheduler: persist job %s: %w", jobID, err)
	}
	s.logger.Info("job started",
		"jobId", jobID, "tabId", p.TabID, "targetLang", targetLang)

	if p.TabID != 0 {
		if entry, err := s.pages.Get(ctx, p.TabID, now); err == nil && len(entry.Blocks) > 0 {
			seeded, err := s.applyScan(ctx, jobID, ScanResult{
				Blocks:    entry.Blocks,
				PreRanges: entry.PreRangesByID,
			})
			if err == nil {
				s.logger.Info("job seeded from page cache",
					"jobId", jobID, "tabId", p.TabID, "capturedAt", entry.CapturedAt)
				return seeded, nil
			}
			s.logger.Warn("cached scan rejected",
				"jobId", jobID, "tabId", p.TabID, "error", err)
		}
	}

	if s.requestScan != nil {
		if err := s.requestScan(ctx, job); err != nil {
			s.logger.Warn("initial scan request failed",
				"jobId", jobID, "tabId", p.TabID, "error", err)
		}
	}

	s.publishEnqueued(job.JobID)
	return job, nil
}

// adoptTab points the tab at the new job, cancelling whatever job held it.
func (s *JobRunner) adoptTab(ctx context.Context, job *storage.JobRecord, url string, now int64) error {
	tab, err := s.tabs.Get(ctx, job.TabID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		tab = &storage.TabState{TabID: job.TabID}
	case err != nil:
		return fmt.Errorf("scheduler: tab %d lookup: %w", job.TabID, err)
	}

	if prev := tab.ActiveJobID; prev != "" && prev != job.JobID {
		if err := s.Cancel(ctx, prev); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("cancel previous tab job",
				"tabId", job.TabID, "jobId", prev, "error", err)
		}
	}

	if url != "" {
		tab.URL = url
	}
	tab.ActiveJobID = job.JobID
	tab.LastSeenTs = now
	if err := s.tabs.Put(ctx, tab); err != nil {
		return fmt.Errorf("scheduler: persist tab %d: %w", job.TabID, err)
	}
	return nil
}

// RemoveTab handles a closed tab: its state and scan snapshot are dropped,
// and the job it owned is woken so its next step settles it as TAB_GONE.
// Removing an unknown tab is a no-op.
func (s *JobRunner) RemoveTab(ctx context.Context, tabID int) error {
	tab, err := s.tabs.Get(ctx, tabID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("scheduler: tab %d lookup: %w", tabID, err)
	}

	if err := s.tabs.Delete(ctx, tabID); err != nil {
		return fmt.Errorf("scheduler: delete tab %d: %w", tabID, err)
	}
	if err := s.pages.Delete(ctx, tabID); err != nil {
		s.logger.Warn("drop page cache", "tabId", tabID, "error", err)
	}
	if tab.ActiveJobID != "" {
		s.publishEnqueued(tab.ActiveJobID)
	}
	s.logger.Info("tab removed", "tabId", tabID, "jobId", tab.ActiveJobID)
	return nil
}

// DeliverScan hands the page scan to a preparing job and moves it to
// planning. Blocks arrive in document order; that order is the pending
// queue. A scan for a job in any other status is rejected. The scan also
// refreshes the tab's page cache, so restarting the translation on the same
// page skips the scan round trip.
func (s *JobRunner) DeliverScan(ctx context.Context, jobID string, scan ScanResult) (*storage.JobRecord, error) {
	job, err := s.applyScan(ctx, jobID, scan)
	if err != nil {
		return nil, err
	}
	s.cachePage(ctx, job, scan)
	return job, nil
}

// applyScan copies the scan onto a preparing job and moves it to planning.
// Seeding from the page cache comes through here too, bypassing the cache
// refresh so adoption cannot extend a snapshot's lifetime.
func (s *JobRunner) applyScan(ctx context.Context, jobID string, scan ScanResult) (*storage.JobRecord, error) {
	for i, b := range scan.Blocks {
		if b.ID == "" {
			return nil, fmt.Errorf("scheduler: scan block %d has no id", i)
		}
	}

	if err := s.acquireWait(ctx, jobID); err != nil {
		return nil, err
	}
	defer s.release(jobID)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobstate.JobStatusPreparing {
		return nil, fmt.Errorf("%w: scan for job %s in status %s",
			ErrStatusConflict, jobID, job.Status)
	}

	job.BlocksByID = make(map[string]storage.Block, len(scan.Blocks))
	job.PendingBlockIDs = job.PendingBlockIDs[:0]
	for _, b := range scan.Blocks {
		if _, dup := job.BlocksByID[b.ID]; dup {
			continue
		}
		job.BlocksByID[b.ID] = b
		job.PendingBlockIDs = append(job.PendingBlockIDs, b.ID)
	}
	if len(scan.PreRanges) > 0 {
		job.PreRangesByID = scan.PreRanges
	}

	if err := s.transition(ctx, job, jobstate.JobStatusPlanning, s.clock.NowMs()); err != nil {
		return nil, err
	}
	s.publishEnqueued(jobID)
	s.logger.Info("scan delivered",
		"jobId", jobID, "blocks", len(job.PendingBlockIDs), "preRanges", len(scan.PreRanges))
	return job, nil
}

// cachePage refreshes the tab's scan snapshot. Tab state may be missing; the
// snapshot then carries no URL.
func (s *JobRunner) cachePage(ctx context.Context, job *storage.JobRecord, scan ScanResult) {
	if job.TabID == 0 {
		return
	}
	now := s.clock.NowMs()
	entry := &storage.PageCacheEntry{
		TabID:         job.TabID,
		Blocks:        scan.Blocks,
		PreRangesByID: scan.PreRanges,
		CapturedAt:    now,
		ExpiresAt:     now + pageCacheTtlMs,
	}
	if tab, err := s.tabs.Get(ctx, job.TabID); err == nil {
		entry.URL = tab.URL
	}
	if err := s.pages.Put(ctx, entry); err != nil {
		s.logger.Warn("page cache write failed",
			"tabId", job.TabID, "jobId", job.JobID, "error", err)
	}
}

// SelectCategories resumes a job parked in awaiting_categories. Pending
// blocks whose taxonomy category is not selected are dropped from the queue;
// blocks the taxonomy never mapped stay in. An empty selection keeps every
// block.
func (s *JobRunner) SelectCategories(ctx context.Context, jobID string, categories []string) (*storage.JobRecord, error) {
	if err := s.acquireWait(ctx, jobID); err != nil {
		return nil, err
	}
	defer s.release(jobID)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobstate.JobStatusAwaitingCategories {
		return nil, fmt.Errorf("%w: category selection for job %s in status %s",
			ErrStatusConflict, jobID, job.Status)
	}

	selected := dedupeNonEmpty(categories)
	state := job.EnsureAgentState()
	job.SelectedCategories = selected
	state.SelectedCategories = selected

	if len(selected) > 0 && state.Taxonomy != nil && len(state.Taxonomy.Mapping) > 0 {
		keep := make(map[string]bool, len(selected))
		for _, c := range selected {
			keep[c] = true
		}
		kept := job.PendingBlockIDs[:0]
		for _, id := range job.PendingBlockIDs {
			cat, mapped := state.Taxonomy.Mapping[id]
			if !mapped || keep[cat] {
				kept = append(kept, id)
			}
		}
		job.PendingBlockIDs = kept
	}

	if err := s.transition(ctx, job, jobstate.JobStatusRunning, s.clock.NowMs()); err != nil {
		return nil, err
	}
	s.publishEnqueued(jobID)
	s.logger.Info("categories selected",
		"jobId", jobID, "categories", selected, "pendingBlocks", len(job.PendingBlockIDs))
	return job, nil
}

// Cancel moves a job to cancelled and aborts its outstanding remote calls.
// Cancelling a terminal job is a no-op. Cancellation is cooperative: a step
// already running observes it on its next await, so outstanding calls are
// cancelled before waiting for the step slot.
func (s *JobRunner) Cancel(ctx context.Context, jobID string) error {
	s.cancelOutstanding(ctx, jobID)

	if err := s.acquireWait(ctx, jobID); err != nil {
		return err
	}
	defer s.release(jobID)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	from := job.Status
	now := s.clock.NowMs()
	rt := job.EnsureRuntime()
	rt.Status = jobstate.RuntimeCancelled
	rt.Lease = storage.Lease{}
	rt.Retry = storage.Retry{}
	job.LeaseUntilTs = 0
	job.Status = jobstate.JobStatusCancelled

	s.clearActiveJob(ctx, job)
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return fmt.Errorf("scheduler: persist job %s: %w", jobID, err)
	}
	s.publishTransition(ctx, job, from, job.Status)

	// Calls dispatched between the first cancel pass and slot acquisition.
	s.cancelOutstanding(ctx, jobID)

	s.logger.Info("job cancelled", "jobId", jobID, "from", string(from))
	return nil
}

// publishEnqueued wakes the job worker for jobID.
func (s *JobRunner) publishEnqueued(jobID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Topic: events.TopicJobEnqueued, JobID: jobID})
}

func dedupeNonEmpty(values []string) []string {
	var out []string
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
