package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/poofware/wallet-service/internal/config"
	"github.com/poofware/wallet-service/internal/metrics"
	"github.com/poofware/wallet-service/internal/passkit"
	"github.com/poofware/wallet-service/internal/push"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/services"
	"github.com/poofware/wallet-service/internal/utils"
)

const (
	maxRetries     = 5
	connectTimeout = 5 * time.Second
	initialBackoff = 500 * time.Millisecond

	redisKeyPrefix = "wallet:"
)

// App owns the long-lived collaborators shared by the controllers and the
// dispatch schedule.
type App struct {
	Config *config.Config

	// Exactly one of these is set for the redis and postgres backends.
	DB    *pgxpool.Pool
	Redis *redis.Client

	Passes     repositories.PassRepository
	Store      repositories.RegistrationStore
	Oracle     services.PassVersionOracle
	Gate       services.AuthenticationGate
	Gateway    push.Gateway
	Dispatcher services.UpdateDispatcher

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

func NewApp(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	//----------------------------------------------------------------------
	// 1) Signing identity, shared by pass signing and the APNs client
	//----------------------------------------------------------------------
	identity, err := passkit.LoadIdentity(cfg.SigningP12, cfg.SigningPassphrase)
	if err != nil {
		return nil, fmt.Errorf("load signing identity: %w", err)
	}
	if len(cfg.WWDRCertPEM) > 0 {
		if err := identity.AddIntermediatePEM(cfg.WWDRCertPEM); err != nil {
			return nil, fmt.Errorf("load WWDR certificate: %w", err)
		}
	}

	//----------------------------------------------------------------------
	// 2) Device credentials
	//----------------------------------------------------------------------
	var verifier services.CredentialVerifier
	if len(cfg.AuthHMACKey) > 0 {
		verifier = services.NewHMACCredentialVerifier(cfg.AuthHMACKey)
		utils.Logger.Info("Device credentials: per-identity HMAC")
	} else {
		verifier = services.NewSharedSecretVerifier(cfg.SharedSecret)
		utils.Logger.Warn("Device credentials: shared secret")
	}

	builder, err := passkit.NewBuilder(passkit.Config{
		TeamIdentifier:   cfg.TeamIdentifier,
		OrganizationName: cfg.OrganizationName,
		WebServiceURL:    cfg.WebServiceURL,
		TemplateDir:      cfg.PassTemplateDir,
	}, identity, verifier.TokenFor)
	if err != nil {
		return nil, fmt.Errorf("create pass builder: %w", err)
	}

	//----------------------------------------------------------------------
	// 3) Storage
	//----------------------------------------------------------------------
	if err := a.openStorage(cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.Oracle = services.NewPassVersionOracle(a.Passes, builder, a.Metrics)
	a.Gate = services.NewAuthenticationGate(verifier, a.Oracle)
	a.Store = a.newRegistrationStore(cfg)

	//----------------------------------------------------------------------
	// 4) Push
	//----------------------------------------------------------------------
	host := push.Development
	if cfg.APNsProduction {
		host = push.Production
	}
	a.Gateway = push.NewAPNsGateway(identity.TLSCertificate(), push.WithHost(host))
	a.Dispatcher = services.NewUpdateDispatcher(a.Store, a.Gateway, a.Metrics)

	a.Metrics.RegisterGauge("registrations", "Devices currently registered for pass updates.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		n, err := a.Store.Count(ctx)
		if err != nil {
			utils.Logger.WithError(err).Warn("Counting registrations for metrics failed")
			return 0
		}
		return float64(n)
	})

	utils.Logger.Infof("%s wired: store=%s apns_host=%s", cfg.AppName, cfg.StoreBackend, host)
	return a, nil
}

func (a *App) openStorage(cfg *config.Config) error {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		pool, err := connectWithRetry("postgres", func(ctx context.Context) (*pgxpool.Pool, error) {
			return newDBPool(ctx, cfg.DBUrl)
		})
		if err != nil {
			return err
		}
		a.DB = pool

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := repositories.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Passes = repositories.NewPostgresPassRepository(pool)

	case config.StoreBackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if _, err := connectWithRetry("redis", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.Ping(ctx).Err()
		}); err != nil {
			_ = client.Close()
			return err
		}
		a.Redis = client
		// pass content lives in process; registrations are shared through redis
		a.Passes = repositories.NewMemoryPassRepository()

	default:
		a.Passes = repositories.NewMemoryPassRepository()
	}
	return nil
}

func (a *App) newRegistrationStore(cfg *config.Config) repositories.RegistrationStore {
	switch {
	case a.DB != nil:
		return repositories.NewPostgresRegistrationStore(a.DB, a.Oracle)
	case a.Redis != nil:
		return repositories.NewRedisRegistrationStore(a.Redis, a.Oracle, redisKeyPrefix)
	default:
		return repositories.NewMemoryRegistrationStore(a.Oracle)
	}
}

// Ping checks the backing store, if any.
func (a *App) Ping(ctx context.Context) error {
	switch {
	case a.DB != nil:
		return a.DB.Ping(ctx)
	case a.Redis != nil:
		return a.Redis.Ping(ctx).Err()
	}
	return nil
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		utils.Logger.Info("wallet-service DB connection closed.")
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			utils.Logger.WithError(err).Warn("Closing redis client failed")
		}
	}
}

func connectWithRetry[T any](name string, connect func(ctx context.Context) (T, error)) (T, error) {
	var (
		out     T
		err     error
		backoff = initialBackoff
	)
	for i := 1; i <= maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		out, err = connect(ctx)
		cancel()
		if err == nil {
			utils.Logger.Infof("wallet-service connected to %s on attempt %d", name, i)
			return out, nil
		}

		utils.Logger.WithError(err).Warnf(
			"Failed %s connect on attempt %d/%d. Retrying in %v...",
			name, i, maxRetries, backoff,
		)
		if i == maxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return out, fmt.Errorf("unable to connect to %s after %d attempts: %w", name, maxRetries, err)
}

func newDBPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnIdleTime = 2 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	return pgxpool.ConnectConfig(ctx, cfg)
}
