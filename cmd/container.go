// cmd/container.go
//
// Root composition root. Owns infrastructure (DB, Redis, jobs, notifier) and
// composes bounded-context containers. This is the only place that knows
// about ALL modules.
package main

import (
	"context"
	"os"

	"github.com/Abraxas-365/portero/pkg/config"
	"github.com/Abraxas-365/portero/pkg/gateway/gatewaycontainer"
	"github.com/Abraxas-365/portero/pkg/gateway/notify"
	"github.com/Abraxas-365/portero/pkg/jobx"
	"github.com/Abraxas-365/portero/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/Abraxas-365/portero/pkg/notifx"
	"github.com/Abraxas-365/portero/pkg/notifx/notifxconsole"
	"github.com/Abraxas-365/portero/pkg/notifx/notifxses"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Container holds shared infrastructure and composed module containers.
type Container struct {
	Config *config.Config

	// Infrastructure (shared across all modules)
	DB    *sqlx.DB
	Redis *redis.Client
	Jobs  *jobx.Client
	Email *notifx.Client

	// Bounded-context containers
	Gateway *gatewaycontainer.Container
}

func NewContainer(cfg *config.Config) *Container {
	logx.Info("🔧 Initializing application container...")

	c := &Container{Config: cfg}

	c.initInfrastructure()
	c.initModules()

	logx.Info("✅ Application container initialized")
	return c
}

// ---------------------------------------------------------------------------
// Infrastructure — DB, Redis, jobs, email
// ---------------------------------------------------------------------------

func (c *Container) initInfrastructure() {
	logx.Info("🏗️ Initializing infrastructure...")

	// 1. Database
	db, err := sqlx.Connect("postgres", c.Config.Database.DSN())
	if err != nil {
		logx.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
	c.DB = db
	logx.Info("  ✅ Database connected")

	// 2. Redis
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("Failed to connect to Redis: %v (Redis is required)", err)
	}
	logx.Info("  ✅ Redis connected")

	// 3. Job queue on Redis
	queue := jobxredis.NewRedisQueue(c.Redis)
	c.Jobs = jobx.NewClient(queue,
		jobx.WithQueues(c.Config.Jobx.Queues...),
		jobx.WithConcurrency(c.Config.Jobx.Concurrency),
		jobx.WithPollInterval(c.Config.Jobx.PollInterval),
		jobx.WithShutdownTimeout(c.Config.Jobx.ShutdownTimeout),
		jobx.WithDequeueTimeout(c.Config.Jobx.DequeueTimeout),
		jobx.WithDefaultRetryDelay(c.Config.Jobx.DefaultRetryDelay),
	)
	logx.Info("  ✅ Job queue configured")

	// 4. Email
	c.initEmail()

	logx.Info("✅ Infrastructure initialized")
}

func (c *Container) initEmail() {
	switch c.Config.Notifx.Provider {
	case "ses":
		awsCfg, err := awsConfig.LoadDefaultConfig(context.TODO(),
			awsConfig.WithRegion(c.Config.Notifx.AWSRegion))
		if err != nil {
			logx.Fatalf("Unable to load AWS SDK config: %v", err)
		}
		provider := notifxses.NewSESProvider(ses.NewFromConfig(awsCfg), c.Config.Notifx.FromAddress)
		c.Email = notifx.NewClient(provider)
		logx.Infof("  ✅ SES email provider configured (region: %s)", c.Config.Notifx.AWSRegion)

	case "console":
		c.Email = notifx.NewClient(notifxconsole.NewConsoleProvider())
		logx.Info("  ✅ Console email provider configured (dev mode)")

	default:
		logx.Fatalf("Unknown NOTIFX_PROVIDER: %s (use 'console' or 'ses')", c.Config.Notifx.Provider)
	}
}

// ---------------------------------------------------------------------------
// Module composition — each bounded context wires itself
// ---------------------------------------------------------------------------

func (c *Container) initModules() {
	logx.Info("📦 Initializing modules...")

	// Reauth notifications go to the log until a user directory is wired in;
	// the gateway only sees the interface either way.
	notifier := notify.NewLogReauthNotifier()

	c.Gateway = gatewaycontainer.New(gatewaycontainer.Deps{
		DB:       c.DB,
		Redis:    c.Redis,
		Cfg:      c.Config,
		Jobs:     c.Jobs,
		Notifier: notifier,
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Container) StartBackgroundServices(ctx context.Context) {
	logx.Info("🔄 Starting background services...")

	go func() {
		if err := c.Jobs.Start(ctx); err != nil {
			logx.Errorf("Job workers stopped: %v", err)
		}
	}()

	if c.Gateway.Scheduler != nil {
		go c.Gateway.Scheduler.Run(ctx)
	}

	logx.Info("  ✅ Maintenance scheduler and job workers running")
}

func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up resources...")

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("Error closing database: %v", err)
		} else {
			logx.Info("  ✅ Database connection closed")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("Error closing Redis: %v", err)
		} else {
			logx.Info("  ✅ Redis connection closed")
		}
	}

	logx.Info("✅ Cleanup complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
