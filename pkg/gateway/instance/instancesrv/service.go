package instancesrv

import (
	"context"
	"strings"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/plan"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/Abraxas-365/portero/pkg/ptrx"
	"github.com/google/uuid"
)

// InstanceService drives the instance lifecycle: creation under the plan cap,
// pausing, renewal and deletion.
type InstanceService struct {
	store     instance.Store
	instances instance.Repository
	creds     credential.Repository
	types     servicetype.Repository
	plans     plan.Repository
	cache     *credentialcache.Cache

	now func() time.Time
}

func NewInstanceService(
	store instance.Store,
	instances instance.Repository,
	creds credential.Repository,
	types servicetype.Repository,
	plans plan.Repository,
	cache *credentialcache.Cache,
) *InstanceService {
	return &InstanceService{
		store:     store,
		instances: instances,
		creds:     creds,
		types:     types,
		plans:     plans,
		cache:     cache,
		now:       time.Now,
	}
}

// CreateRequest carries the caller's input for a new instance.
type CreateRequest struct {
	ServiceTypeShortName string     `json:"service_type"`
	CustomName           string     `json:"custom_name"`
	APIKey               string     `json:"api_key,omitempty"`
	ClientID             string     `json:"client_id,omitempty"`
	ClientSecret         string     `json:"client_secret,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

func (req *CreateRequest) validate(kind gateway.AuthKind) error {
	if strings.TrimSpace(req.CustomName) == "" {
		return errx.New("custom_name is required", errx.TypeValidation)
	}
	switch kind {
	case gateway.AuthKindAPIKey:
		if strings.TrimSpace(req.APIKey) == "" {
			return errx.New("api_key is required for this service type", errx.TypeValidation)
		}
		if req.ClientID != "" || req.ClientSecret != "" {
			return errx.New("oauth client pair is not accepted for api_key service types", errx.TypeValidation)
		}
	case gateway.AuthKindOAuth:
		if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ClientSecret) == "" {
			return errx.New("client_id and client_secret are required for this service type", errx.TypeValidation)
		}
		if req.APIKey != "" {
			return errx.New("api_key is not accepted for oauth service types", errx.TypeValidation)
		}
	}
	return nil
}

// Create provisions a new instance for the user, enforcing the plan's cap on
// concurrently active completed instances inside the creation transaction.
func (s *InstanceService) Create(ctx context.Context, owner kernel.UserID, req CreateRequest) (*instance.Instance, error) {
	st, err := s.types.FindByShortName(ctx, req.ServiceTypeShortName)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return nil, gateway.ErrServiceUnavailable().
			WithDetail("service_type", st.ShortName).
			WithDetail("reason", "service type is deactivated")
	}

	if err := req.validate(st.AuthKind); err != nil {
		return nil, err
	}

	userPlan, err := s.plans.FindByUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	oauthStatus := gateway.OAuthCompleted
	if st.IsOAuth() {
		// OAuth instances stay pending until the authorization flow lands.
		oauthStatus = gateway.OAuthPending
	}

	inst := &instance.Instance{
		ID:            kernel.NewInstanceID(uuid.NewString()),
		UserID:        owner,
		ServiceTypeID: st.ID,
		CustomName:    strings.TrimSpace(req.CustomName),
		Status:        gateway.InstanceActive,
		OAuthStatus:   oauthStatus,
		ExpiresAt:     req.ExpiresAt,
	}

	creds := &credential.Credentials{
		InstanceID:  inst.ID,
		OAuthStatus: oauthStatus,
	}
	switch st.AuthKind {
	case gateway.AuthKindAPIKey:
		creds.APIKey = ptrx.Ptr(req.APIKey)
		// Born completed: there is no exchange to wait for.
		creds.OAuthCompletedAt = ptrx.Ptr(time.Now())
	case gateway.AuthKindOAuth:
		creds.ClientID = ptrx.Ptr(req.ClientID)
		creds.ClientSecret = ptrx.Ptr(req.ClientSecret)
	}

	var maxActive *int
	if limit, capped := userPlan.ActiveLimit(); capped {
		maxActive = &limit
	}

	if err := s.store.CreateUnderLimit(ctx, inst, creds, maxActive); err != nil {
		return nil, err
	}

	logx.WithFields(logx.Fields{
		"instance_id":  inst.ID.String(),
		"user_id":      owner.String(),
		"service_type": st.ShortName,
	}).Info("instance created")

	return inst, nil
}

func (s *InstanceService) Get(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	return s.instances.FindByID(ctx, id, owner)
}

func (s *InstanceService) List(ctx context.Context, owner kernel.UserID, filter instance.ListFilter) ([]*instance.Instance, error) {
	return s.instances.FindByUser(ctx, owner, filter)
}

// Toggle flips an instance between active and inactive. Reactivating checks
// the plan cap again so a paused slot cannot bypass the limit.
func (s *InstanceService) Toggle(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	inst, err := s.instances.FindByID(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	var next gateway.InstanceStatus
	switch inst.Status {
	case gateway.InstanceActive:
		next = gateway.InstanceInactive
	case gateway.InstanceInactive:
		next = gateway.InstanceActive
	default:
		return nil, gateway.ErrInstanceExpired().WithDetail("instance_id", id.String())
	}

	if next == gateway.InstanceActive && inst.OAuthStatus == gateway.OAuthCompleted {
		if err := s.checkActiveCap(ctx, owner); err != nil {
			return nil, err
		}
	}

	updated, err := s.instances.Update(ctx, id, owner, instance.UpdatePatch{Status: &next})
	if err != nil {
		return nil, err
	}

	delta := 1
	if next == gateway.InstanceInactive {
		delta = -1
	}
	if err := s.types.AdjustActiveCount(ctx, inst.ServiceTypeID, delta); err != nil {
		logx.WithError(err).Warn("failed to adjust service type active count")
	}

	// Cache must not serve a paused instance.
	if !s.cache.Patch(id, credentialcache.Patch{Status: &next}) && next == gateway.InstanceInactive {
		s.cache.Delete(id)
	}

	return updated, nil
}

func (s *InstanceService) checkActiveCap(ctx context.Context, owner kernel.UserID) error {
	userPlan, err := s.plans.FindByUser(ctx, owner)
	if err != nil {
		return err
	}
	limit, capped := userPlan.ActiveLimit()
	if !capped {
		return nil
	}

	active, err := s.instances.FindByUser(ctx, owner, instance.ListFilter{
		Status:      ptrx.Ptr(gateway.InstanceActive),
		OAuthStatus: ptrx.Ptr(gateway.OAuthCompleted),
	})
	if err != nil {
		return err
	}
	if len(active)+1 > limit {
		return gateway.ErrActiveLimitReached(len(active), limit)
	}
	return nil
}

// Renew extends an instance past its expiry. Expired OAuth credentials need
// a fresh authorization flow, so those instances drop back to pending.
func (s *InstanceService) Renew(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, newExpiry *time.Time) (*instance.Instance, error) {
	if newExpiry != nil && !newExpiry.After(s.now()) {
		return nil, errx.New("renewal expiry must be in the future", errx.TypeValidation)
	}

	inst, err := s.instances.FindByID(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	if inst.Status == gateway.InstanceActive && inst.OAuthStatus == gateway.OAuthCompleted {
		// Already countable; renewing does not consume another slot.
	} else if err := s.checkActiveCap(ctx, owner); err != nil {
		return nil, err
	}

	renewed, err := s.instances.Renew(ctx, id, owner, newExpiry)
	if err != nil {
		return nil, err
	}

	if inst.OAuthStatus == gateway.OAuthExpired {
		if err := s.instances.SetOAuthStatus(ctx, id, gateway.OAuthPending); err != nil {
			return nil, err
		}
		if err := s.creds.SetOAuthStatus(ctx, id, gateway.OAuthPending, nil); err != nil {
			return nil, err
		}
		renewed.OAuthStatus = gateway.OAuthPending
	}

	s.cache.Delete(id)
	return renewed, nil
}

// Delete removes an instance, its credentials row (via cascade) and any
// cached material.
func (s *InstanceService) Delete(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) error {
	deleted, err := s.instances.Delete(ctx, id, owner)
	if err != nil {
		return err
	}

	if deleted.Status == gateway.InstanceActive {
		if err := s.types.AdjustActiveCount(ctx, deleted.ServiceTypeID, -1); err != nil {
			logx.WithError(err).Warn("failed to adjust service type active count on delete")
		}
	}

	s.cache.Delete(id)

	logx.WithFields(logx.Fields{
		"instance_id": id.String(),
		"user_id":     owner.String(),
	}).Info("instance deleted")
	return nil
}
