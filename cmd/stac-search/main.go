// Command stac-search runs a CMIP6 item search against a STAC API and
// prints the results as a flat table, or the distinct values of one
// property.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/stac-cmip6-client/internal/config"
	"github.com/Sternrassler/stac-cmip6-client/pkg/client"
	"github.com/Sternrassler/stac-cmip6-client/pkg/flatten"
	"github.com/Sternrassler/stac-cmip6-client/pkg/logging"
	"github.com/Sternrassler/stac-cmip6-client/pkg/metrics"
	"github.com/Sternrassler/stac-cmip6-client/pkg/pagination"
	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Error().Err(err).Msg("stac-search failed")
		stop()
		os.Exit(1)
	}
}

// run parses args, performs the search, and writes results to stdout.
// Logs go to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("stac-search", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
		Fields: map[string]string{"stac_api": cfg.BaseURL},
	})
	logger := logging.NewLogger("cli")

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	clientCfg := client.DefaultConfig(cfg.BaseURL, cfg.UserAgent)
	clientCfg.MaxRetries = cfg.MaxRetries
	if cfg.RedisURL != "" {
		redisClient, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		clientCfg.Redis = redisClient
	}

	stacClient, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create STAC client: %w", err)
	}
	defer stacClient.Close()

	facets, err := cfg.FacetMap()
	if err != nil {
		return err
	}
	req := stac.SearchRequest{
		Collections: []string{cfg.Collection},
		Limit:       cfg.Limit,
		Filter:      stac.FacetFilter(facets),
	}

	pager := pagination.NewSearchPager(stacClient, req, pagination.Config{
		Timeout:  cfg.PageTimeout,
		MaxPages: cfg.MaxPages,
	})

	// --max-pages asks for a preview; the output is labelled instead of
	// failing with flatten.ErrTruncated
	var src pagination.PageSource = pager
	if cfg.MaxPages > 0 {
		src = pagination.AllowPartial(pager)
	}

	logger.Info().
		Str("collection", cfg.Collection).
		Int("facets", len(facets)).
		Int("limit", cfg.Limit).
		Msg("Starting search")

	if cfg.DistinctField != "" {
		total, values, err := flatten.AggregateDistinctValues(ctx, src, cfg.DistinctField)
		if err != nil {
			return err
		}
		logger.Info().Int("pages", pager.PagesFetched()).Int("distinct", values.Len()).Msg("Search finished")
		warnIfPartial(logger, pager)

		var partial string
		if pager.Truncated() {
			partial = fmt.Sprintf(" (partial: first %d pages)", pager.PagesFetched())
		}
		_, err = fmt.Fprintf(stdout, "Found %d total items, containing %s=[%s]%s\n",
			total, cfg.DistinctField, strings.Join(values.Sorted(), ", "), partial)
		return err
	}

	columns := cfg.Columns
	if len(columns) == 0 {
		columns = flatten.CMIP6Columns
	}

	table, err := flatten.FlattenToTable(ctx, src, columns, cfg.StripPrefix)
	if err != nil {
		return err
	}
	logger.Info().Int("pages", pager.PagesFetched()).Int("rows", table.Len()).Msg("Search finished")
	warnIfPartial(logger, pager)

	if cfg.Format == "json" {
		return table.WriteJSON(stdout)
	}
	return table.WriteCSV(stdout)
}

func warnIfPartial(logger zerolog.Logger, pager *pagination.SearchPager) {
	if pager.Truncated() {
		logger.Warn().
			Int("pages", pager.PagesFetched()).
			Msg("Stopped at --max-pages; output covers only part of the result set")
	}
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis")
	return redisClient, nil
}
