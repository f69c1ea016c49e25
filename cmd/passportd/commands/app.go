package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/passportd/passportd/pkg/anchoring"
	"github.com/passportd/passportd/pkg/api"
	"github.com/passportd/passportd/pkg/config"
	"github.com/passportd/passportd/pkg/engine"
	"github.com/passportd/passportd/pkg/identity"
	"github.com/passportd/passportd/pkg/policy"
	"github.com/passportd/passportd/pkg/stores"
	"github.com/passportd/passportd/pkg/telemetry"
)

// app holds the wired collaborators of one process.
type app struct {
	cfg    *config.ServiceConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store     *stores.SQLiteStore
	redis     *identity.RedisKV
	employees *identity.Cache
	policies  *policy.Engine
	catalog   *config.Catalog

	anchorer  *engine.Anchorer
	revisions *engine.RevisionManager
	units     *engine.UnitService
	protocols *engine.ProtocolService
}

type appOptions struct {
	// serving keeps log output on the configured writer; CLI commands move
	// stdout logging to stderr so results stay machine-readable.
	serving bool

	// skipMigrate opens the database without applying migrations.
	skipMigrate bool
}

func loadConfig() (*config.ServiceConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = buildVersion
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !opts.serving && (cfg.Telemetry.Logging.Output == "" || cfg.Telemetry.Logging.Output == "stdout") {
		cfg.Telemetry.Logging.Output = "stderr"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Component("app"),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.store, err = stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := a.store.Init(ctx); err != nil {
		return nil, err
	}
	if !opts.skipMigrate {
		if err := a.store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.initEmployees(); err != nil {
		return nil, err
	}
	if err := a.initPolicies(ctx); err != nil {
		return nil, err
	}
	a.catalog = config.NewCatalog(a.store, config.NewSchemaRegistry(), a.logger)

	content, ledger, err := a.anchoringBackends(ctx)
	if err != nil {
		return nil, err
	}
	if content != nil {
		a.anchorer = engine.NewAnchorer(a.store, content, ledger, tel.Metrics, tel.Logger.Component("anchorer"), anchorerConfig(cfg.Anchoring))
	}

	engineLogger := tel.Logger.Component("engine")
	a.revisions = engine.NewRevisionManager(a.store, tel.Metrics, engineLogger)
	a.units = engine.NewUnitService(a.store, a.revisions, a.policies, tel.Metrics, engineLogger)
	a.protocols = engine.NewProtocolService(a.store, a.anchorer, tel.Metrics, engineLogger)
	return a, nil
}

func (a *app) initEmployees() error {
	var kv identity.KV = a.store
	if a.cfg.Cache.Backend == "redis" {
		redis, err := identity.NewRedisKV(identity.RedisConfig{
			Addr:           a.cfg.Cache.Addr,
			Username:       a.cfg.Cache.Username,
			Password:       a.cfg.Cache.Password,
			DB:             a.cfg.Cache.DB,
			ConnectTimeout: a.cfg.Cache.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		a.redis = redis
		kv = redis
	}
	a.employees = identity.NewCache(kv, identity.Config{
		Namespace: a.cfg.Cache.Namespace,
		TTL:       a.cfg.Cache.TTL,
	}, a.tel.Metrics, a.logger)
	return nil
}

func (a *app) initPolicies(ctx context.Context) error {
	policies, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	if err := applyPolicyToggles(policies, a.cfg.Policy); err != nil {
		return err
	}
	a.policies = policies
	return nil
}

func applyPolicyToggles(policies *policy.Engine, cfg config.PolicyConfig) error {
	for _, name := range cfg.Enable {
		if err := policies.EnablePolicy(name); err != nil {
			return err
		}
	}
	for _, name := range cfg.Disable {
		if err := policies.DisablePolicy(name); err != nil {
			return err
		}
	}
	return nil
}

// anchoringBackends returns nil collaborators when anchoring is disabled.
func (a *app) anchoringBackends(ctx context.Context) (engine.ContentStore, engine.Ledger, error) {
	cfg := a.cfg.Anchoring
	if !cfg.Enabled {
		return nil, nil, nil
	}

	var (
		content engine.ContentStore
		err     error
	)
	switch cfg.Backend {
	case "s3":
		content, err = anchoring.NewS3ContentStore(ctx, anchoring.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
	case "gateway":
		content, err = anchoring.NewGatewayClient(cfg.GatewayURL, cfg.CallTimeout)
	default:
		err = fmt.Errorf("unknown anchoring backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.LedgerURL == "" {
		a.logger.Warn().Msg("No ledger configured; anchored protocols will not be recorded")
		return content, nil, nil
	}
	ledger, err := anchoring.NewDatalogClient(cfg.LedgerURL, cfg.LedgerToken, cfg.CallTimeout)
	if err != nil {
		return nil, nil, err
	}
	return content, ledger, nil
}

func anchorerConfig(cfg config.AnchoringConfig) engine.AnchorerConfig {
	return engine.AnchorerConfig{
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		MaxAttempts:  cfg.MaxAttempts,
		CallTimeout:  cfg.CallTimeout,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}
}

// healthChecks returns the checks of the configured dependencies.
func (a *app) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": a.store.HealthCheck,
	}
	if a.redis != nil {
		checks["cache"] = a.redis.Ping
	}
	return checks
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release resources")
	}
}
