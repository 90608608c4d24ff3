package maintenance

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/jobx"
	"github.com/Abraxas-365/portero/pkg/logx"
)

// Job types handled by the maintenance workers.
const (
	JobExpireInstances = "maintenance.expire_instances"
	JobReapPending     = "maintenance.reap_pending"
	JobExpireTokens    = "maintenance.expire_tokens"
	JobCleanupAudit    = "maintenance.cleanup_audit"
	JobReconcileCache  = "maintenance.reconcile_cache"
)

var jobTypes = []string{
	JobExpireInstances,
	JobReapPending,
	JobExpireTokens,
	JobCleanupAudit,
	JobReconcileCache,
}

// RegisterHandlers wires every maintenance pass as a jobx handler on the
// given queue.
func (s *Service) RegisterHandlers(client *jobx.Client) {
	client.Register(JobExpireInstances, func(ctx context.Context, _ *jobx.JobInfo) error {
		_, err := s.ExpireDueInstances(ctx)
		return err
	})
	client.Register(JobReapPending, func(ctx context.Context, _ *jobx.JobInfo) error {
		_, err := s.ReapStalePending(ctx)
		return err
	})
	client.Register(JobExpireTokens, func(ctx context.Context, _ *jobx.JobInfo) error {
		_, err := s.ExpireDeadTokens(ctx)
		return err
	})
	client.Register(JobCleanupAudit, func(ctx context.Context, _ *jobx.JobInfo) error {
		_, err := s.CleanupAudit(ctx)
		return err
	})
	client.Register(JobReconcileCache, func(ctx context.Context, _ *jobx.JobInfo) error {
		_, err := s.ReconcileCache(ctx)
		return err
	})
}

// Scheduler enqueues one round of maintenance jobs every interval.
type Scheduler struct {
	client   *jobx.Client
	queue    string
	interval time.Duration
}

func NewScheduler(client *jobx.Client, queue string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{client: client, queue: queue, interval: interval}
}

// Run blocks, enqueuing a full round per tick until ctx is done. The first
// round fires immediately so a fresh deployment converges without waiting.
func (sch *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sch.interval)
	defer ticker.Stop()

	sch.enqueueRound(ctx)
	for {
		select {
		case <-ctx.Done():
			logx.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			sch.enqueueRound(ctx)
		}
	}
}

func (sch *Scheduler) enqueueRound(ctx context.Context) {
	for _, jobType := range jobTypes {
		_, err := sch.client.Enqueue(ctx, jobx.Job{
			Type:       jobType,
			Queue:      sch.queue,
			MaxRetries: 1,
		})
		if err != nil {
			logx.WithError(err).WithField("job_type", jobType).
				Warn("failed to enqueue maintenance job")
		}
	}
}
