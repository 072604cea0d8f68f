/*
main.go - matchd entry point

PURPOSE:
  Wires the configured AmountStore strategy, repositories, locks, and jobs,
  and exposes them as cobra subcommands:

    matchd serve               scheduler + ops server (healthz, metrics)
    matchd expire              one-shot: release stale pending reservations
    matchd retromatch          one-shot: retrospective matching
    matchd redistribute        one-shot: priority redistribution
    matchd reconcile [--fix]   one-shot: ledger-vs-store reconciliation

STRATEGY SELECTION:
  MATCHING_STRATEGY=relational  row-locked database transactions (default)
  MATCHING_STRATEGY=counter     lock-free Redis minor-unit counters
  MATCHING_STRATEGY=mutex       Redis balances behind one global mutex

  The counter and mutex strategies, and cross-process donation locks, need
  REDIS_URI. Without Redis, donation locks fall back to in-process locks -
  fine for a single-instance deployment, wrong for a fleet.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/match-engine/api"
	"github.com/warp/match-engine/config"
	"github.com/warp/match-engine/jobs"
	"github.com/warp/match-engine/matching"
	memstore "github.com/warp/match-engine/matching/store"
	"github.com/warp/match-engine/store/redisstore"
	"github.com/warp/match-engine/store/sqlstore"
)

type runtime struct {
	cfg *config.Config
	log zerolog.Logger

	sql   *sqlstore.Store
	redis *redis.Client

	allocator     *matching.Allocator
	redistributor *matching.Redistributor
	reconciler    *matching.Reconciler
	donations     matching.DonationRepository
}

func build(cfg *config.Config) (*runtime, error) {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "matchd").Logger()

	st, err := sqlstore.New(cfg.DatabaseDriver, cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURI != "" {
		rdb, err = redisstore.Connect(context.Background(), cfg.RedisURI)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	var store matching.AmountStore
	switch cfg.Strategy {
	case config.StrategyCounter:
		store = redisstore.NewCounter(rdb)
	case config.StrategyMutex:
		store = redisstore.NewMutex(rdb)
	default:
		store = st
	}

	var locks matching.LockFactory
	if rdb != nil {
		locks = redisstore.NewLockFactory(rdb)
	} else {
		locks = memstore.NewLocks()
	}

	allocator := matching.NewAllocator(store, st, st, locks, log)
	redistributor := matching.NewRedistributor(allocator, store, st, st, matching.LogAlertSink{Log: log}, log)
	redistributor.CampaignLookback = cfg.RedistributeCampaignLookback
	redistributor.DonationWindow = cfg.RedistributeDonationWindow

	return &runtime{
		cfg:           cfg,
		log:           log,
		sql:           st,
		redis:         rdb,
		allocator:     allocator,
		redistributor: redistributor,
		reconciler:    matching.NewReconciler(store, st, st, log),
		donations:     st,
	}, nil
}

func (rt *runtime) close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	_ = rt.sql.Close()
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func (rt *runtime) serve() error {
	scheduler := jobs.NewScheduler(rt.log)
	scheduler.Register(&jobs.ExpireMatchFunds{
		Allocator:   rt.allocator,
		Donations:   rt.donations,
		Log:         rt.log,
		Reservation: rt.cfg.MatchReservation,
	}, rt.cfg.ExpireInterval)
	scheduler.Register(&jobs.RetroMatch{
		Allocator: rt.allocator,
		Donations: rt.donations,
		Log:       rt.log,
		Window:    rt.cfg.RetroMatchWindow,
	}, rt.cfg.RetroMatchInterval)
	scheduler.Register(&jobs.Redistribute{Redistributor: rt.redistributor}, rt.cfg.RedistributeInterval)
	scheduler.Register(&jobs.Reconcile{Reconciler: rt.reconciler, Mode: matching.ModeFix}, rt.cfg.ReconcileInterval)
	scheduler.Start()
	defer scheduler.Stop()

	pingers := []api.Pinger{rt.sql}
	if rt.redis != nil {
		pingers = append(pingers, redisPinger{client: rt.redis})
	}
	server := &http.Server{
		Addr:         rt.cfg.OpsAddress,
		Handler:      api.NewRouter(pingers...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info().Str("addr", rt.cfg.OpsAddress).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		rt.log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func main() {
	var rt *runtime

	root := &cobra.Command{
		Use:           "matchd",
		Short:         "Match funding allocation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(nil)
			if err != nil {
				return err
			}
			rt, err = build(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt != nil {
				rt.close()
			}
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the job scheduler and ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Release match funds held by stale pending donations",
		RunE: func(cmd *cobra.Command, args []string) error {
			j := &jobs.ExpireMatchFunds{
				Allocator:   rt.allocator,
				Donations:   rt.donations,
				Log:         rt.log,
				Reservation: rt.cfg.MatchReservation,
			}
			return j.Run(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "retromatch",
		Short: "Retrospectively match collected donations",
		RunE: func(cmd *cobra.Command, args []string) error {
			j := &jobs.RetroMatch{
				Allocator: rt.allocator,
				Donations: rt.donations,
				Log:       rt.log,
				Window:    rt.cfg.RetroMatchWindow,
			}
			return j.Run(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "redistribute",
		Short: "Move matches to higher-priority fundings that freed up",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := rt.redistributor.Run(cmd.Context())
			return err
		},
	})

	var fix bool
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ledger totals against the authoritative store",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := matching.ModeCheck
			if fix {
				mode = matching.ModeFix
			}
			_, err := rt.reconciler.Run(cmd.Context(), mode)
			return err
		},
	}
	reconcile.Flags().BoolVar(&fix, "fix", false, "repair under-matched fundings (check-only without this flag)")
	root.AddCommand(reconcile)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "matchd:", err)
		os.Exit(1)
	}
}
