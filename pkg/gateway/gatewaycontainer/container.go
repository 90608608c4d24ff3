package gatewaycontainer

import (
	"encoding/hex"
	"time"

	"github.com/Abraxas-365/portero/pkg/config"
	"github.com/Abraxas-365/portero/pkg/gateway/audit/auditinfra"
	"github.com/Abraxas-365/portero/pkg/gateway/audit/auditsrv"
	"github.com/Abraxas-365/portero/pkg/gateway/auth"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialinfra"
	"github.com/Abraxas-365/portero/pkg/gateway/gatewayapi"
	"github.com/Abraxas-365/portero/pkg/gateway/instance/instanceinfra"
	"github.com/Abraxas-365/portero/pkg/gateway/instance/instancesrv"
	"github.com/Abraxas-365/portero/pkg/gateway/maintenance"
	"github.com/Abraxas-365/portero/pkg/gateway/plan/planinfra"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype/servicetypeinfra"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokeninfra"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokensrv"
	"github.com/Abraxas-365/portero/pkg/jobx"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Deps: explicit external dependencies this bounded context requires.
// No hidden globals, no ambient state — everything comes through here.
// ---------------------------------------------------------------------------

type Deps struct {
	DB    *sqlx.DB
	Redis *redis.Client
	Cfg   *config.Config

	// Jobs is the shared job client maintenance handlers register on.
	Jobs *jobx.Client

	// Notifier is injected as an interface so the gateway module has zero
	// knowledge of the concrete notification implementation.
	Notifier tokensrv.ReauthNotifier
}

// ---------------------------------------------------------------------------
// Container: the public surface of the gateway module.
// Only expose what cmd/ actually needs; repos and infra stay private.
// ---------------------------------------------------------------------------

type Container struct {
	// Services
	InstanceService *instancesrv.InstanceService
	RefreshService  *tokensrv.RefreshService
	AuditService    *auditsrv.Service
	TokenService    auth.TokenService

	// Cache — exposed for health and stats endpoints
	Cache *credentialcache.Cache

	// API handlers — needed by cmd/ to register routes
	Handlers *gatewayapi.GatewayHandlers

	// Middleware — needed by cmd/ to protect route groups
	AuthMiddleware     *auth.TokenMiddleware
	InstanceMiddleware *auth.InstanceMiddleware

	// Background services
	Maintenance *maintenance.Service
	Scheduler   *maintenance.Scheduler
}

// New constructs the gateway dependency graph.
// Order matters: infra → repos → services → handlers → middleware.
func New(deps Deps) *Container {
	logx.Info("🔧 Initializing gateway container...")

	c := &Container{}
	cfg := deps.Cfg

	// ── Sealer ───────────────────────────────────────────────────────────

	var sealer credential.Sealer = credential.NoopSealer{}
	if cfg.Server.SecretSealKey != "" {
		key, err := hex.DecodeString(cfg.Server.SecretSealKey)
		if err != nil {
			logx.Fatalf("SECRET_SEAL_KEY is not valid hex: %v", err)
		}
		aead, err := credential.NewAEADSealer(key)
		if err != nil {
			logx.Fatalf("Failed to build secret sealer: %v", err)
		}
		sealer = aead
		logx.Info("  ✅ Credential sealing enabled")
	} else {
		logx.Warn("  ⚠️  SECRET_SEAL_KEY unset, credentials stored unsealed")
	}

	// ── Repositories ─────────────────────────────────────────────────────

	instanceRepo := instanceinfra.NewPostgresInstanceRepository(deps.DB, sealer)
	credentialRepo := credentialinfra.NewPostgresCredentialRepository(deps.DB, sealer)
	serviceTypeRepo := servicetypeinfra.NewPostgresServiceTypeRepository(deps.DB)
	planRepo := planinfra.NewPostgresPlanRepository(deps.DB, cfg.Plan.FreeMaxActive)
	auditRepo := auditinfra.NewPostgresAuditRepository(deps.DB)

	// ── Infrastructure services ──────────────────────────────────────────

	c.Cache = credentialcache.New(cfg.Cache.Capacity, cfg.Cache.Shards)

	stateManager := tokeninfra.NewRedisStateManager(deps.Redis, cfg.OAuth.StateTTL)
	tokenClient := tokeninfra.NewHTTPTokenClient(cfg.OAuth.ServiceURL, cfg.OAuth.Timeout)
	c.TokenService = auth.NewJWTService(cfg.Auth.JWT.Secret, cfg.Auth.JWT.AccessTokenTTL, cfg.Auth.JWT.Issuer)

	// ── Domain services ──────────────────────────────────────────────────

	c.AuditService = auditsrv.NewService(auditRepo)

	c.RefreshService = tokensrv.NewRefreshService(
		credentialRepo,
		instanceRepo,
		c.Cache,
		tokenClient,
		c.AuditService,
		deps.Notifier,
		stateManager,
		cfg.OAuth.RefreshSkew,
		cfg.OAuth.SingleflightTimeout,
	)

	c.InstanceService = instancesrv.NewInstanceService(
		instanceRepo,
		instanceRepo,
		credentialRepo,
		serviceTypeRepo,
		planRepo,
		c.Cache,
	)

	c.Maintenance = maintenance.NewService(
		instanceRepo,
		credentialRepo,
		auditRepo,
		c.Cache,
		maintenance.Config{
			PendingTTL:     cfg.Maintenance.PendingTTL,
			AuditRetention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
			BatchSize:      cfg.Maintenance.BatchSize,
		},
	)
	if deps.Jobs != nil {
		c.Maintenance.RegisterHandlers(deps.Jobs)
		c.Scheduler = maintenance.NewScheduler(deps.Jobs, "maintenance", cfg.Maintenance.Interval)
	}

	// ── Middleware & handlers ────────────────────────────────────────────

	c.AuthMiddleware = auth.NewTokenMiddleware(c.TokenService)
	c.InstanceMiddleware = auth.NewInstanceMiddleware(
		instanceRepo,
		credentialRepo,
		serviceTypeRepo,
		c.Cache,
		c.RefreshService,
	)

	c.Handlers = gatewayapi.NewGatewayHandlers(
		c.InstanceService,
		c.RefreshService,
		c.AuditService,
		serviceTypeRepo,
		instanceRepo,
		credentialRepo,
		c.Cache,
		cfg.OAuth.RedirectURI,
	)

	logx.Info("✅ Gateway container initialized")
	return c
}
