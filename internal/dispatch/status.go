package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/domain"
	"github.com/gtaroom/GTA-GAME-sub005/internal/queue"
)

// NotFoundMarker appears in the failure reason when the dashboard could not
// find the target account. Such failures are reaped on first read.
const NotFoundMarker = "not found in search results"

// ErrReapFailed is returned together with a valid Report when the job was
// read but could not be removed afterwards.
var ErrReapFailed = errors.New("dispatch: reap failed")

// Report is the caller-facing view of a job.
type Report struct {
	JobID    string
	Status   domain.Status
	Progress int
	Error    string
	Tenant   string
}

// StatusReader resolves a job id to its owning dashboard queue and reports
// the job's public status.
type StatusReader struct {
	queues *queue.Registry
	opts   options
}

func NewStatusReader(queues *queue.Registry, opts ...Option) *StatusReader {
	return &StatusReader{queues: queues, opts: buildOptions(opts)}
}

// GetStatus reports on jobID without modifying anything. A job that never
// existed and one that aged out of retention both read as not_found.
func (s *StatusReader) GetStatus(ctx context.Context, jobID string) (Report, error) {
	rep, _, err := s.read(ctx, jobID)
	return rep, err
}

// GetStatusAndReapIfTerminal reports on jobID and, when the job failed
// because the dashboard target was not found, deletes it. The failure is
// still reported on this call; the next call reads not_found.
func (s *StatusReader) GetStatusAndReapIfTerminal(ctx context.Context, jobID string) (Report, error) {
	rep, q, err := s.read(ctx, jobID)
	if err != nil || !reapable(rep) {
		return rep, err
	}

	if err := q.Remove(ctx, jobID); err != nil {
		s.opts.log.Error("reap failed",
			zap.String("tenant", rep.Tenant),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return rep, fmt.Errorf("%w: %s: %w", ErrReapFailed, jobID, err)
	}
	s.opts.metrics.JobsReaped.Inc()
	s.opts.log.Info("job reaped",
		zap.String("tenant", rep.Tenant),
		zap.String("job_id", jobID),
		zap.String("reason", rep.Error),
	)
	return rep, nil
}

func reapable(rep Report) bool {
	return rep.Status == domain.StatusFailed && strings.Contains(rep.Error, NotFoundMarker)
}

func (s *StatusReader) read(ctx context.Context, jobID string) (Report, *queue.Queue, error) {
	rep := Report{JobID: jobID, Status: domain.StatusNotFound}

	ref, err := domain.ParseJobRef(jobID)
	if err != nil {
		s.count(rep)
		return rep, nil, nil
	}
	rep.Tenant = ref.Tenant
	// No job can exist under a name Submit would reject, so don't grow the
	// registry for it.
	if domain.ValidateTenant(ref.Tenant) != nil {
		s.count(rep)
		return rep, nil, nil
	}

	q := s.queues.Queue(ref.Tenant)
	j, err := q.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		s.count(rep)
		return rep, q, nil
	}
	if err != nil {
		return rep, q, err
	}

	rep.Status = domain.StatusOf(j.State)
	rep.Progress = j.Progress
	rep.Error = j.FailedReason
	s.count(rep)
	return rep, q, nil
}

func (s *StatusReader) count(rep Report) {
	s.opts.metrics.StatusReads.WithLabelValues(string(rep.Status)).Inc()
}
