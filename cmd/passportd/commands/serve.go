package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/passportd/passportd/pkg/api"
	"github.com/passportd/passportd/pkg/engine"
	"github.com/passportd/passportd/pkg/policy"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the anchoring workers",
		Long: `Start the passport API together with its background work:

  - Anchoring workers draining the durable job queue
  - Schema catalog and policy reloads when watching is enabled
  - Expiry of identity cache entries for the sqlite backend`,
		Example: `  # Serve with defaults
  passportd serve

  # Serve with a config file on a different port
  passportd serve -c /etc/passportd/config.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{serving: true})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if listen != "" {
				a.cfg.Server.ListenAddress = listen
			}
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_address)")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if dir := a.cfg.Schemas.Directory; dir != "" {
		if _, err := a.catalog.Sync(ctx, dir); err != nil {
			return err
		}
		if a.cfg.Schemas.Watch {
			if err := a.catalog.Watch(ctx, dir); err != nil {
				return err
			}
			defer func() { _ = a.catalog.StopWatching() }()
		}
	}

	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(a.logger)
		err := loader.Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
			if err := a.policies.ReplacePolicies(ctx, policies); err != nil {
				return err
			}
			return applyPolicyToggles(a.policies, a.cfg.Policy)
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	srv := &http.Server{
		Addr: a.cfg.Server.ListenAddress,
		Handler: api.NewRouter(api.Deps{
			Units:      a.units,
			Protocols:  a.protocols,
			Employees:  a.employees,
			Authorizer: a.policies,
			Checks:     a.healthChecks(),
			Metrics:    a.tel.Metrics,
			Tracer:     a.tel.Tracer,
			Logger:     a.logger,
		}, api.Options{
			UserHeader:     a.cfg.Server.UserHeader,
			RulesHeader:    a.cfg.Server.RulesHeader,
			EmployeeHeader: a.cfg.Server.EmployeeHeader,
		}),
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("address", srv.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info().Msg("Shutting down API")
		return srv.Shutdown(shutdownCtx)
	})

	if a.anchorer != nil {
		g.Go(func() error { return a.anchorer.Run(ctx) })
	} else {
		a.logger.Info().Msg("Anchoring disabled")
	}

	g.Go(func() error {
		a.maintain(ctx)
		return nil
	})

	return g.Wait()
}

// maintain expires cache entries and publishes the anchoring queue depth
// until ctx is done.
func (a *app) maintain(ctx context.Context) {
	var cleanup <-chan time.Time
	if a.cfg.Cache.Backend == "sqlite" && a.cfg.Cache.CleanupInterval > 0 {
		ticker := time.NewTicker(a.cfg.Cache.CleanupInterval)
		defer ticker.Stop()
		cleanup = ticker.C
	}

	gauge := time.NewTicker(a.cfg.Anchoring.PollInterval)
	defer gauge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup:
			removed, err := a.store.DeleteExpiredEntries(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Failed to expire cache entries")
				continue
			}
			if removed > 0 {
				a.logger.Debug().Int64("removed", removed).Msg("Expired cache entries")
			}
		case <-gauge.C:
			a.publishQueueDepth(ctx)
		}
	}
}

func (a *app) publishQueueDepth(ctx context.Context) {
	jobs, err := a.store.ListAnchorJobs(ctx, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to count anchoring jobs")
		return
	}
	counts := map[engine.AnchorJobStatus]int{
		engine.AnchorJobPending: 0,
		engine.AnchorJobDone:    0,
		engine.AnchorJobFailed:  0,
	}
	for _, job := range jobs {
		counts[job.Status]++
	}
	for status, n := range counts {
		a.tel.Metrics.SetAnchorJobCount(status, float64(n))
	}
}
