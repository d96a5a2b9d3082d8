package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cbwinslow/congress-api-ingestion/internal/config"
	"github.com/cbwinslow/congress-api-ingestion/pkg/govinfo"
	"github.com/cbwinslow/congress-api-ingestion/pkg/ingest"
	"github.com/cbwinslow/congress-api-ingestion/pkg/logging"
	"github.com/cbwinslow/congress-api-ingestion/pkg/metrics"
	"github.com/cbwinslow/congress-api-ingestion/pkg/ratelimit"
	"github.com/cbwinslow/congress-api-ingestion/pkg/store"
)

var (
	flagMaxRecords  int64
	flagMetricsAddr string
)

func init() {
	runCmd.Flags().Int64Var(&flagMaxRecords, "max-records", 0, "stop after ingesting this many records (0 = all)")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run (e.g. :9090)")
}

// deps holds everything a command needs after wiring.
type deps struct {
	cfg    config.Config
	store  *store.Store
	client *govinfo.Client
}

// setup loads config, configures logging, and connects the store and API
// client. The caller must Close the returned store.
func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: flagPretty,
	})

	st, err := store.Open(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, time.Hour, cfg.RateLimit.MinInterval())
	if err != nil {
		st.Close()
		return nil, err
	}

	var tracker *ratelimit.Tracker
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, shared budget tracking disabled")
		} else {
			tracker = ratelimit.NewTracker(redisClient, logging.NewLogger("budget-tracker"))
		}
	}

	client, err := govinfo.New(govinfo.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.APIKey,
		UserAgent: cfg.API.UserAgent,
		Timeout:   time.Duration(cfg.API.TimeoutS) * time.Second,
		StartDate: cfg.API.StartDate,
		EndDate:   cfg.API.EndDate,
	}, limiter, tracker)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &deps{cfg: cfg, store: st, client: client}, nil
}

var runCmd = &cobra.Command{
	Use:   "run <collection>",
	Short: "Run one ingestion pass for a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.store.Close()

		if flagMetricsAddr != "" {
			go serveMetrics(flagMetricsAddr)
		}

		orch := ingest.New(d.client, d.store, d.store, d.store, ingest.Config{
			Workers:  d.cfg.Ingest.Workers,
			PageSize: d.cfg.Ingest.PageSize,
			Retry: ingest.RetryConfig{
				MaxAttempts: d.cfg.Ingest.MaxAttempts,
				BaseBackoff: 1 * time.Second,
				MaxBackoff:  30 * time.Second,
			},
			MaxRecords: flagMaxRecords,
		})

		summary, err := orch.Run(ctx, collection)
		printSummary(summary)
		if err != nil {
			if errors.Is(err, ingest.ErrRunCancelled) {
				return fmt.Errorf("run cancelled; checkpoint saved at last committed page")
			}
			return err
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <collection>",
	Short: "Show a collection's checkpoint and last run summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.store.Close()

		st, err := d.store.Status(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Collection: %s\n", st.Code)
		fmt.Printf("State:      %s\n", st.State)
		fmt.Printf("Cursor:     %d\n", st.Cursor)
		if st.FailureReason != "" {
			fmt.Printf("Failure:    %s\n", st.FailureReason)
		}
		if st.LastRun != nil {
			r := st.LastRun
			fmt.Printf("Last run:   %s (%s)\n", r.ID, r.Status)
			fmt.Printf("  fetched=%d inserted=%d updated=%d skipped=%d failed_pages=%d\n",
				r.Fetched, r.Inserted, r.Updated, r.Skipped, r.FailedPages)
			if r.ErrorText != "" {
				fmt.Printf("  error: %s\n", r.ErrorText)
			}
		}
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Sync the remote collection catalog into the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.store.Close()

		collections, err := d.client.Collections(ctx)
		if err != nil {
			return fmt.Errorf("fetch catalog: %w", err)
		}

		for _, c := range collections {
			err := d.store.UpsertCollection(ctx, store.CollectionMeta{
				Code:         c.Code,
				Name:         c.Name,
				Description:  c.Description,
				LastModified: c.LastModified,
			})
			if err != nil {
				return fmt.Errorf("register collection %s: %w", c.Code, err)
			}
			fmt.Printf("  %s: %s\n", c.Code, c.Name)
		}

		fmt.Printf("%d collections synced\n", len(collections))
		return nil
	},
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
	}
}

func printSummary(s *ingest.Summary) {
	fmt.Printf("Run %s for %s: %s\n", s.RunID, s.Collection, s.Status)
	fmt.Printf("  fetched=%d inserted=%d updated=%d skipped=%d failed_pages=%d duration=%s\n",
		s.Fetched, s.Inserted, s.Updated, s.Skipped, s.FailedPages,
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}
