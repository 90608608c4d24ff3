package auditsrv

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/asyncx"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
)

// Recorder appends audit entries off the caller's critical path.
type Recorder interface {
	Record(entry *audit.Entry)
}

// Service wraps the audit repository with fire-and-forget appends and
// read-side queries.
type Service struct {
	repo audit.Repository
}

func NewService(repo audit.Repository) *Service {
	return &Service{repo: repo}
}

// Record appends asynchronously. Failures are logged, never propagated: an
// audit miss must not fail the token operation it describes.
func (s *Service) Record(entry *audit.Entry) {
	asyncx.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.Append(ctx, entry); err != nil {
			logx.WithError(err).
				WithField("instance_id", entry.InstanceID.String()).
				Warn("failed to append audit entry")
		}
	})
}

func (s *Service) History(ctx context.Context, instanceID kernel.InstanceID, filter audit.Filter) ([]*audit.Entry, error) {
	return s.repo.FindByInstance(ctx, instanceID, filter)
}

func (s *Service) Summary(ctx context.Context, instanceID kernel.InstanceID, window time.Duration) (*audit.Summary, error) {
	return s.repo.Aggregate(ctx, instanceID, window)
}
