package auth

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/asyncx"
	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokensrv"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// InstanceMiddleware resolves the :instanceID route param into an
// authenticated RequestAuth, attaching a live upstream bearer on the full
// pipeline.
type InstanceMiddleware struct {
	instances instance.Repository
	creds     credential.Repository
	types     servicetype.Repository
	cache     *credentialcache.Cache
	refresher *tokensrv.RefreshService

	now func() time.Time
}

func NewInstanceMiddleware(
	instances instance.Repository,
	creds credential.Repository,
	types servicetype.Repository,
	cache *credentialcache.Cache,
	refresher *tokensrv.RefreshService,
) *InstanceMiddleware {
	return &InstanceMiddleware{
		instances: instances,
		creds:     creds,
		types:     types,
		cache:     cache,
		refresher: refresher,
		now:       time.Now,
	}
}

// RequireInstance is the full pipeline: a cache hit serves with zero store
// reads; a miss walks instance, catalog and credentials and refreshes the
// token when needed.
func (m *InstanceMiddleware) RequireInstance() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := UserFromContext(c)
		if claims == nil {
			return respondError(c, ErrUnauthorized())
		}

		id, err := parseInstanceID(c.Params("instanceID"))
		if err != nil {
			return respondError(c, err)
		}

		// Cache first: a usable hit skips the store entirely.
		if rec := m.cache.Get(id); rec != nil {
			if rec.UserID != claims.UserID {
				// Someone else's instance looks exactly like a missing one.
				return respondError(c, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String()))
			}
			m.attach(c, claims.UserID, id, rec.Bearer)
			m.touch(id)
			return c.Next()
		}

		inst, st, err := m.loadServing(c.UserContext(), id, claims.UserID)
		if err != nil {
			return respondError(c, err)
		}

		creds, err := m.creds.FindByInstance(c.UserContext(), id)
		if err != nil {
			return respondError(c, err)
		}
		if err := creds.ValidateShape(st.AuthKind); err != nil {
			logx.WithField("instance_id", id.String()).
				Error("stored credentials violate the shape invariant")
			return respondError(c, err)
		}

		var bearer string
		switch st.AuthKind {
		case gateway.AuthKindAPIKey:
			bearer = *creds.APIKey
			m.cacheAPIKey(inst, bearer)
		case gateway.AuthKindOAuth:
			if err := m.checkOAuthServing(inst); err != nil {
				return respondError(c, err)
			}
			result, err := m.refresher.Bearer(c.UserContext(), inst, creds, st.ProviderTokenURL())
			if err != nil {
				return respondError(c, err)
			}
			bearer = result.Bearer
		}

		m.attach(c, claims.UserID, id, bearer)
		m.touch(id)
		return c.Next()
	}
}

// RequireInstanceLight is the management-plane shape: it proves ownership and
// liveness but never touches credentials or the provider.
func (m *InstanceMiddleware) RequireInstanceLight() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := UserFromContext(c)
		if claims == nil {
			return respondError(c, ErrUnauthorized())
		}

		id, err := parseInstanceID(c.Params("instanceID"))
		if err != nil {
			return respondError(c, err)
		}

		if _, err := m.instances.FindByID(c.UserContext(), id, claims.UserID); err != nil {
			return respondError(c, err)
		}

		m.attach(c, claims.UserID, id, "")
		return c.Next()
	}
}

// loadServing loads the instance and its catalog entry, rejecting anything
// that must not serve traffic.
func (m *InstanceMiddleware) loadServing(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, *servicetype.ServiceType, error) {
	inst, err := m.instances.FindByID(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}

	st, err := m.types.FindByID(ctx, inst.ServiceTypeID)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsActive {
		return nil, nil, gateway.ErrServiceUnavailable().
			WithDetail("service_type", st.ShortName).
			WithDetail("reason", "service type is deactivated")
	}

	switch inst.Status {
	case gateway.InstanceInactive:
		return nil, nil, gateway.ErrInstanceInactive().WithDetail("instance_id", id.String())
	case gateway.InstanceExpired:
		return nil, nil, gateway.ErrInstanceExpired().WithDetail("instance_id", id.String())
	}
	// Expiry boundary is inclusive: a row whose expiry is exactly now no
	// longer serves, even before the maintenance sweep flips its status.
	if inst.IsExpired(m.now()) {
		return nil, nil, gateway.ErrInstanceExpired().WithDetail("instance_id", id.String())
	}

	return inst, st, nil
}

func (m *InstanceMiddleware) checkOAuthServing(inst *instance.Instance) error {
	switch inst.OAuthStatus {
	case gateway.OAuthCompleted:
		return nil
	case gateway.OAuthExpired:
		return gateway.ErrInstanceExpired().WithDetail("instance_id", inst.ID.String())
	default: // pending, failed
		return gateway.ErrReauthenticationRequired().
			WithDetail("instance_id", inst.ID.String()).
			WithDetail("oauth_status", string(inst.OAuthStatus))
	}
}

// cacheAPIKey caches the static key with a bounded lifetime so catalog or
// status changes are picked up within a day even without reconciliation.
func (m *InstanceMiddleware) cacheAPIKey(inst *instance.Instance, key string) {
	expiry := m.now().Add(24 * time.Hour)
	if inst.ExpiresAt != nil && inst.ExpiresAt.Before(expiry) {
		expiry = *inst.ExpiresAt
	}
	m.cache.Put(inst.ID, credentialcache.Record{
		Bearer:    key,
		ExpiresAt: expiry,
		UserID:    inst.UserID,
		Status:    inst.Status,
	})
}

func (m *InstanceMiddleware) attach(c *fiber.Ctx, userID kernel.UserID, instanceID kernel.InstanceID, bearer string) {
	c.Locals(string(kernel.RequestAuthKey), &kernel.RequestAuth{
		UserID:     userID,
		InstanceID: instanceID,
		Bearer:     bearer,
	})
}

// touch bumps usage bookkeeping off the request path. Failures only log.
func (m *InstanceMiddleware) touch(id kernel.InstanceID) {
	asyncx.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.instances.Touch(ctx, id); err != nil {
			logx.WithError(err).WithField("instance_id", id.String()).
				Debug("failed to record instance use")
		}
	})
}

// RequestAuthFromContext returns the resolved RequestAuth, nil when the
// request skipped the instance middleware.
func RequestAuthFromContext(c *fiber.Ctx) *kernel.RequestAuth {
	ra, _ := c.Locals(string(kernel.RequestAuthKey)).(*kernel.RequestAuth)
	return ra
}

// parseInstanceID runs the cheap lexical check before any store read.
func parseInstanceID(raw string) (kernel.InstanceID, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return "", gateway.ErrInvalidInstanceID().WithDetail("instance_id", raw)
	}
	return kernel.InstanceID(raw), nil
}

// respondError renders an errx error with its registered status code.
func respondError(c *fiber.Ctx, err error) error {
	var e *errx.Error
	if errx.As(err, &e) {
		return c.Status(e.HTTPStatus).JSON(e.ToHTTPResponse())
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": err.Error(),
	})
}
