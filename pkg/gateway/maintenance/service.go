package maintenance

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/logx"
)

// Config bounds each maintenance pass.
type Config struct {
	// PendingTTL is how long an authorization flow may sit pending before it
	// is reaped as abandoned.
	PendingTTL time.Duration
	// AuditRetention is how long audit entries are kept.
	AuditRetention time.Duration
	// BatchSize caps rows touched per pass per task.
	BatchSize int
}

// Service owns the background hygiene passes: expiring due instances,
// reaping abandoned flows, trimming the audit trail and keeping the cache
// honest against the store.
type Service struct {
	instances instance.Repository
	creds     credential.Repository
	audits    audit.Repository
	cache     *credentialcache.Cache
	cfg       Config

	now func() time.Time
}

func NewService(
	instances instance.Repository,
	creds credential.Repository,
	audits audit.Repository,
	cache *credentialcache.Cache,
	cfg Config,
) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Service{
		instances: instances,
		creds:     creds,
		audits:    audits,
		cache:     cache,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ExpireDueInstances flips instances past their expiry to expired and evicts
// them from the cache. Returns how many rows changed.
func (s *Service) ExpireDueInstances(ctx context.Context) (int64, error) {
	ids, err := s.instances.FindDueForExpiry(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	changed, err := s.instances.MarkExpired(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.cache.Delete(id)
	}

	logx.WithField("count", changed).Info("expired due instances")
	return changed, nil
}

// ReapStalePending fails authorization flows that never came back. The user
// keeps the instance and can restart the flow.
func (s *Service) ReapStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingTTL)
	stale, err := s.instances.FindStalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	failedAt := s.now()
	for _, inst := range stale {
		if err := s.instances.SetOAuthStatus(ctx, inst.ID, gateway.OAuthFailed); err != nil {
			logx.WithError(err).WithField("instance_id", inst.ID.String()).
				Warn("failed to reap stale pending instance")
			continue
		}
		if err := s.creds.SetOAuthStatus(ctx, inst.ID, gateway.OAuthFailed, &failedAt); err != nil {
			logx.WithError(err).WithField("instance_id", inst.ID.String()).
				Warn("failed to reap stale pending credentials")
			continue
		}
		if err := s.creds.SetFlowState(ctx, inst.ID, nil, nil); err != nil {
			logx.WithError(err).WithField("instance_id", inst.ID.String()).
				Warn("failed to clear stale flow state")
		}
		s.cache.Delete(inst.ID)
		reaped++
	}

	if reaped > 0 {
		logx.WithField("count", reaped).Info("reaped stale pending authorization flows")
	}
	return reaped, nil
}

// ExpireDeadTokens moves completed credentials whose access token is past
// expiry with no refresh token into the expired state.
func (s *Service) ExpireDeadTokens(ctx context.Context) (int, error) {
	dead, err := s.creds.FindExpiredCompleted(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	moved := 0
	expiredAt := s.now()
	for _, creds := range dead {
		if err := s.creds.SetOAuthStatus(ctx, creds.InstanceID, gateway.OAuthExpired, &expiredAt); err != nil {
			logx.WithError(err).WithField("instance_id", creds.InstanceID.String()).
				Warn("failed to expire dead credentials")
			continue
		}
		if err := s.instances.SetOAuthStatus(ctx, creds.InstanceID, gateway.OAuthExpired); err != nil {
			logx.WithError(err).WithField("instance_id", creds.InstanceID.String()).
				Warn("failed to expire instance with dead token")
			continue
		}
		s.cache.Delete(creds.InstanceID)
		moved++
	}

	if moved > 0 {
		logx.WithField("count", moved).Info("expired credentials with dead tokens")
	}
	return moved, nil
}

// CleanupAudit trims audit entries older than the retention window.
func (s *Service) CleanupAudit(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.AuditRetention)
	removed, err := s.audits.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logx.WithField("count", removed).Info("trimmed audit trail")
	}
	return removed, nil
}

// ReconcileCache walks the cache and makes it agree with the store: entries
// whose row is gone are dropped, stale entries are rebuilt from the row. The
// cache follows the store, never the other way around.
func (s *Service) ReconcileCache(ctx context.Context) (int, error) {
	touched := 0
	for _, id := range s.cache.IDs() {
		rec := s.cache.Peek(id)
		if rec == nil {
			continue
		}

		creds, err := s.creds.FindByInstance(ctx, id)
		if err != nil {
			if gateway.IsNotFound(err) {
				s.cache.Delete(id)
				touched++
				continue
			}
			logx.WithError(err).WithField("instance_id", id.String()).
				Warn("reconciliation read failed, keeping cache entry")
			continue
		}

		if creds.OAuthStatus != gateway.OAuthCompleted && rec.Bearer != "" && creds.HasClientPair() {
			// OAuth material that the store no longer trusts.
			s.cache.Delete(id)
			touched++
			continue
		}

		if creds.UpdatedAt.After(rec.CachedAt) {
			if creds.HasAccessToken() && creds.TokenExpiresAt != nil && creds.TokenExpiresAt.After(s.now()) {
				// Restamp the coherence clock to the row version just
				// read, so the entry is not rebuilt again next pass.
				s.cache.Patch(id, credentialcache.Patch{
					Bearer:       creds.AccessToken,
					RefreshToken: creds.RefreshToken,
					ExpiresAt:    creds.TokenExpiresAt,
					CachedAt:     &creds.UpdatedAt,
				})
			} else if creds.HasClientPair() {
				s.cache.Delete(id)
			}
			touched++
		}
	}

	if touched > 0 {
		logx.WithField("count", touched).Info("reconciled credential cache")
	}
	return touched, nil
}
