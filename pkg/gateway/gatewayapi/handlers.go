package gatewayapi

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/gateway/audit/auditsrv"
	"github.com/Abraxas-365/portero/pkg/gateway/auth"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/instance/instancesrv"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokensrv"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/ptrx"
	"github.com/gofiber/fiber/v2"
)

// GatewayHandlers exposes the management plane: service catalog, instance
// lifecycle, authorization flows and audit queries.
type GatewayHandlers struct {
	instances *instancesrv.InstanceService
	refresher *tokensrv.RefreshService
	audits    *auditsrv.Service
	types     servicetype.Repository
	instRepo  instance.Repository
	creds     credential.Repository
	cache     *credentialcache.Cache

	// redirectURI is this deployment's OAuth callback endpoint, registered
	// with every provider.
	redirectURI string
}

func NewGatewayHandlers(
	instances *instancesrv.InstanceService,
	refresher *tokensrv.RefreshService,
	audits *auditsrv.Service,
	types servicetype.Repository,
	instRepo instance.Repository,
	creds credential.Repository,
	cache *credentialcache.Cache,
	redirectURI string,
) *GatewayHandlers {
	return &GatewayHandlers{
		instances:   instances,
		refresher:   refresher,
		audits:      audits,
		types:       types,
		instRepo:    instRepo,
		creds:       creds,
		cache:       cache,
		redirectURI: redirectURI,
	}
}

// RegisterRoutes mounts the management API. authn guards everything except
// the OAuth callback, which is reached by the provider, not the user.
func (h *GatewayHandlers) RegisterRoutes(app *fiber.App, authn *auth.TokenMiddleware, instances *auth.InstanceMiddleware) {
	app.Get("/oauth/callback", h.OAuthCallback)

	api := app.Group("/api/v1", authn.Authenticate())

	api.Get("/service-types", h.ListServiceTypes)

	api.Post("/instances", h.CreateInstance)
	api.Get("/instances", h.ListInstances)

	// Full pipeline: resolves and, if needed, refreshes live credentials.
	api.Get("/instances/:instanceID/test", instances.RequireInstance(), h.TestConnection)

	light := api.Group("/instances/:instanceID", instances.RequireInstanceLight())
	light.Get("/", h.GetInstance)
	light.Post("/toggle", h.ToggleInstance)
	light.Post("/renew", h.RenewInstance)
	light.Delete("/", h.DeleteInstance)
	light.Post("/authorize", h.BeginAuthorization)
	light.Get("/audit", h.InstanceAudit)
	light.Get("/audit/summary", h.InstanceAuditSummary)

	api.Get("/cache/stats", h.CacheStats)
}

func (h *GatewayHandlers) ListServiceTypes(c *fiber.Ctx) error {
	types, err := h.types.List(c.UserContext(), !c.QueryBool("all", false))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"service_types": types})
}

func (h *GatewayHandlers) CreateInstance(c *fiber.Ctx) error {
	claims := auth.UserFromContext(c)
	if claims == nil {
		return auth.ErrUnauthorized()
	}

	var req instancesrv.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid request body", errx.TypeValidation)
	}

	inst, err := h.instances.Create(c.UserContext(), claims.UserID, req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(inst)
}

func (h *GatewayHandlers) ListInstances(c *fiber.Ctx) error {
	claims := auth.UserFromContext(c)
	if claims == nil {
		return auth.ErrUnauthorized()
	}

	var filter instance.ListFilter
	if s := c.Query("status"); s != "" {
		filter.Status = ptrx.Ptr(gateway.InstanceStatus(s))
	}
	if s := c.Query("oauth_status"); s != "" {
		filter.OAuthStatus = ptrx.Ptr(gateway.OAuthStatus(s))
	}

	instances, err := h.instances.List(c.UserContext(), claims.UserID, filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"instances": instances, "count": len(instances)})
}

func (h *GatewayHandlers) GetInstance(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)
	inst, err := h.instances.Get(c.UserContext(), ra.InstanceID, ra.UserID)
	if err != nil {
		return err
	}
	return c.JSON(inst)
}

func (h *GatewayHandlers) ToggleInstance(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)
	inst, err := h.instances.Toggle(c.UserContext(), ra.InstanceID, ra.UserID)
	if err != nil {
		return err
	}
	return c.JSON(inst)
}

func (h *GatewayHandlers) RenewInstance(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)

	var body struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.BodyParser(&body); err != nil && len(c.Body()) > 0 {
		return errx.New("invalid request body", errx.TypeValidation)
	}

	inst, err := h.instances.Renew(c.UserContext(), ra.InstanceID, ra.UserID, body.ExpiresAt)
	if err != nil {
		return err
	}
	return c.JSON(inst)
}

func (h *GatewayHandlers) DeleteInstance(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)
	if err := h.instances.Delete(c.UserContext(), ra.InstanceID, ra.UserID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// BeginAuthorization starts (or restarts) the OAuth flow for an instance and
// returns the provider URL for the frontend to redirect to.
func (h *GatewayHandlers) BeginAuthorization(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)

	inst, err := h.instRepo.FindByID(c.UserContext(), ra.InstanceID, ra.UserID)
	if err != nil {
		return err
	}
	st, err := h.types.FindByID(c.UserContext(), inst.ServiceTypeID)
	if err != nil {
		return err
	}
	if !st.IsOAuth() {
		return errx.New("instance does not use oauth", errx.TypeValidation)
	}
	creds, err := h.creds.FindByInstance(c.UserContext(), ra.InstanceID)
	if err != nil {
		return err
	}

	authURL, err := h.refresher.BeginAuthorization(c.UserContext(), inst, st, creds, h.redirectURI)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"authorization_url": authURL})
}

// OAuthCallback is the provider-facing sink: it validates the state, runs the
// code exchange and lands the instance in completed.
func (h *GatewayHandlers) OAuthCallback(c *fiber.Ctx) error {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		if provErr := c.Query("error"); provErr != "" {
			return errx.New("authorization denied: "+provErr, errx.TypeAuthorization)
		}
		return errx.New("state and code are required", errx.TypeValidation)
	}

	inst, err := h.refresher.CompleteAuthorization(c.UserContext(), state, code, h.redirectURI,
		func(ctx context.Context, id kernel.InstanceID) (*instance.Instance, *servicetype.ServiceType, error) {
			// The consumed state proves flow ownership; the provider does
			// not authenticate as the user, so the read is unscoped.
			inst, err := h.instRepo.FindByIDUnscoped(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			st, err := h.types.FindByID(ctx, inst.ServiceTypeID)
			if err != nil {
				return nil, nil, err
			}
			return inst, st, nil
		})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"status":       "connected",
		"instance_id":  inst.ID,
		"oauth_status": inst.OAuthStatus,
	})
}

func (h *GatewayHandlers) InstanceAudit(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)

	filter := audit.Filter{Limit: c.QueryInt("limit", 50)}
	if op := c.Query("operation"); op != "" {
		filter.Operation = ptrx.Ptr(audit.Operation(op))
	}
	if outcome := c.Query("outcome"); outcome != "" {
		filter.Outcome = ptrx.Ptr(audit.Outcome(outcome))
	}

	entries, err := h.audits.History(c.UserContext(), ra.InstanceID, filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

func (h *GatewayHandlers) InstanceAuditSummary(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)

	window := 24 * time.Hour
	if hours := c.QueryInt("hours", 0); hours > 0 {
		window = time.Duration(hours) * time.Hour
	}

	summary, err := h.audits.Summary(c.UserContext(), ra.InstanceID, window)
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

// TestConnection proves the instance can serve: the middleware already
// resolved (and refreshed when needed) a live bearer. The token itself is
// never echoed back.
func (h *GatewayHandlers) TestConnection(c *fiber.Ctx) error {
	ra := auth.RequestAuthFromContext(c)
	return c.JSON(fiber.Map{
		"instance_id":   ra.InstanceID,
		"authenticated": ra.HasBearer(),
	})
}

func (h *GatewayHandlers) CacheStats(c *fiber.Ctx) error {
	return c.JSON(h.cache.Stats())
}
