package sessions

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/metrics"
	"github.com/devadigapratham/spoolshare/raft"
)

// SubmitPrintJob queues a print drawing from a spool attached to the session.
// The job weight must fit in what is left after the active jobs on that spool.
func (m *Manager) SubmitPrintJob(ctx context.Context, uid, sessionID string, job models.PrintJob) (*models.PrintJob, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	if err := models.ValidateID("filament id", job.FilamentID); err != nil {
		return nil, err
	}
	if job.PrintWeightInGrams <= 0 {
		return nil, errors.Wrap(models.ErrInvalidWeight, "print weight must be positive")
	}
	session, err := m.requireParticipant(ctx, uid, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasFilament(job.FilamentID) {
		return nil, errors.Wrapf(models.ErrFilamentNotFound, "%s is not in the session", job.FilamentID)
	}
	sf, err := m.getSessionFilament(ctx, sessionID, job.FilamentID)
	if err != nil {
		return nil, err
	}

	jobs, err := m.listJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reserved := 0
	for _, j := range jobs {
		if j.FilamentID == job.FilamentID && models.IsActiveJobStatus(j.Status) {
			reserved += j.PrintWeightInGrams
		}
	}
	if available := sf.CurrentWeight - reserved; available < job.PrintWeightInGrams {
		return nil, errors.Wrapf(models.ErrInsufficientFilament,
			"print needs %dg, spool has %dg available", job.PrintWeightInGrams, available)
	}

	now := m.timestamp()
	job.ID = m.store.NewID()
	job.SessionID = sessionID
	job.SubmittedBy = uid
	job.Status = models.JobQueued
	job.ShortfallGrams = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	// Submissions against one spool are serialized on its version.
	err = m.store.Batch().
		Set(models.PrintJobPath(sessionID, job.ID), job, raft.IfMissing()).
		Update(models.SessionFilamentPath(sessionID, job.FilamentID), map[string]interface{}{}, raft.IfVersion(sf.Version)).
		Commit(ctx)
	if err != nil {
		return nil, models.StoreFailure("submit print job", err)
	}

	log.WithFields(log.Fields{"session_id": sessionID, "job_id": job.ID, "filament_id": job.FilamentID}).Info("print job queued")
	return m.getJob(ctx, sessionID, job.ID)
}

// UpdatePrintJobStatus moves a job through Queued, Running, Done or Canceled.
// Finishing a job deducts its weight from the spool in the same write. If the
// spool has less left than the job used, the spool goes to zero and the
// missing grams are recorded on the job.
func (m *Manager) UpdatePrintJobStatus(ctx context.Context, uid, sessionID, jobID, status string) (*models.PrintJob, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	if !models.IsValidPrintJobStatus(status) {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown status %q", status)
	}
	if _, err := m.requireParticipant(ctx, uid, sessionID); err != nil {
		return nil, err
	}
	job, err := m.getJob(ctx, sessionID, jobID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateStatusChange(job.Status, status); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"status":     status,
		"updated_at": m.timestamp(),
	}
	batch := m.store.Batch()
	consumed := 0
	if status == models.JobDone {
		sf, err := m.getSessionFilament(ctx, sessionID, job.FilamentID)
		if err != nil {
			return nil, err
		}
		remaining := sf.CurrentWeight - job.PrintWeightInGrams
		consumed = job.PrintWeightInGrams
		if remaining < 0 {
			shortfall := -remaining
			fields["shortfall_grams"] = shortfall
			consumed = sf.CurrentWeight
			remaining = 0
			log.WithFields(log.Fields{"job_id": jobID, "shortfall_grams": shortfall}).Warn("print used more filament than recorded")
		}
		batch.Update(models.SessionFilamentPath(sessionID, job.FilamentID),
			map[string]interface{}{"current_weight": remaining}, raft.IfVersion(sf.Version))
	}
	batch.Update(models.PrintJobPath(sessionID, jobID), fields, raft.IfVersion(job.Version))

	if err := batch.Commit(ctx); err != nil {
		return nil, models.StoreFailure("update print job", err)
	}
	if consumed > 0 {
		metrics.FilamentGramsConsumed.Add(float64(consumed))
	}

	log.WithFields(log.Fields{"session_id": sessionID, "job_id": jobID, "status": status}).Info("print job status changed")
	return m.getJob(ctx, sessionID, jobID)
}

// ListPrintJobs returns the jobs of a session in submission order, optionally
// only those with status.
func (m *Manager) ListPrintJobs(ctx context.Context, sessionID, status string) ([]*models.PrintJob, error) {
	if status != "" && !models.IsValidPrintJobStatus(status) {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown status %q", status)
	}
	jobs, err := m.listJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return jobs, nil
	}
	filtered := make([]*models.PrintJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (m *Manager) listJobs(ctx context.Context, sessionID string) ([]*models.PrintJob, error) {
	docs, err := m.store.List(ctx, models.PrintJobsCollection(sessionID))
	if err != nil {
		return nil, models.StoreFailure("list print jobs", err)
	}
	jobs := make([]*models.PrintJob, 0, len(docs))
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			log.WithError(err).WithField("path", doc.Path).Warn("skipping unreadable print job")
			continue
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Manager) getJob(ctx context.Context, sessionID, jobID string) (*models.PrintJob, error) {
	doc, err := m.store.Get(ctx, models.PrintJobPath(sessionID, jobID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrPrintJobNotFound, "%s", jobID)
	}
	if err != nil {
		return nil, models.StoreFailure("get print job", err)
	}
	return decodeJob(doc)
}

func decodeJob(doc *models.Document) (*models.PrintJob, error) {
	var job models.PrintJob
	if err := doc.DataTo(&job); err != nil {
		return nil, err
	}
	job.ID = doc.ID()
	job.Version = doc.Version
	return &job, nil
}
