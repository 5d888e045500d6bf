// Package app assembles the analysis engine and its dependencies from
// configuration. Every binary builds its engine through Build so they share
// one wiring.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/config"
	"github.com/brojonat/tokenflow/service/db"
	"github.com/brojonat/tokenflow/service/merkl"
	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/brojonat/tokenflow/service/trace"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultTokenDecimals applies to Mongo documents that carry no decimals
// field. Arbitrum reward tokens are 18-decimal.
const defaultTokenDecimals = 18

// Store is a transfer source that can also list its partitions.
type Store interface {
	transfers.Source
	transfers.Lister
}

// App holds a built engine and the resources it owns.
type App struct {
	Engine *analyzer.Engine
	Store  Store

	closers []func()
}

// Close releases every resource opened by Build, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore connects to the transfer store named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, func(), error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Info("connected to database", "driver", cfg.StoreDriver)
		return db.NewStore(pool), pool.Close, nil

	case config.DriverMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to database", "driver", cfg.StoreDriver, "database", cfg.MongoDatabase)
		store := db.NewMongoStore(client.Database(cfg.MongoDatabase), defaultTokenDecimals, logger)
		return store, func() { _ = client.Disconnect(context.Background()) }, nil

	case config.DriverFixture:
		f, err := os.Open(cfg.FixtureFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open fixture: %w", err)
		}
		defer f.Close()
		store, err := transfers.LoadFixture(f)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("loaded transfer fixture", "file", cfg.FixtureFile)
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Build opens the configured store and assembles an engine over it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*App, error) {
	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := BuildWithStore(ctx, cfg, store, logger, m)
	if err != nil {
		closeStore()
		return nil, err
	}
	a.closers = append([]func(){closeStore}, a.closers...)
	return a, nil
}

// BuildWithStore assembles an engine over an already open store, such as a
// fixture loaded into memory. The store is not closed by App.Close.
func BuildWithStore(ctx context.Context, cfg *config.Config, store Store, logger *slog.Logger, m *metrics.Metrics) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	traceCfg := cfg.Trace()
	if err := traceCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay heuristics: %w", err)
	}

	a := &App{Store: store}
	src := transfers.NewResilient(store, cfg.Resilience(), logger, m)

	var detector trace.RelayDetector
	if cfg.EthRPCURL != "" {
		d, closeRPC, err := trace.DialBytecodeDetector(ctx, cfg.EthRPCURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeRPC)
		detector = d
		logger.Info("relay contract detection enabled")
	}

	merklCfg := cfg.MerklClient()
	api := merkl.NewClient(merklCfg, &http.Client{Timeout: merklCfg.Timeout}, logger, m)
	fetcher := merkl.NewFetcher(api, cfg.Fetcher(), logger, m)

	walker := trace.NewWalker(src, traceCfg, detector, logger, m)
	a.Engine = analyzer.NewEngine(src, fetcher, walker, analyzer.Config{
		Distributor: cfg.MerklDistributor,
		Deadline:    cfg.AnalysisDeadline,
	}, logger, m)
	return a, nil
}
