// Command server runs the strategy evolution platform: the HTTP API, the
// evolution and monitoring workers, the signal gateway and the royalty
// emitter, all over three sqlite databases.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/database"
	"github.com/evoquant/evoquant/internal/evolution"
	"github.com/evoquant/evoquant/internal/marketdata"
	"github.com/evoquant/evoquant/internal/marketdata/providers"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/monitor"
	"github.com/evoquant/evoquant/internal/mutation"
	"github.com/evoquant/evoquant/internal/royalty"
	"github.com/evoquant/evoquant/internal/scoring"
	"github.com/evoquant/evoquant/internal/server"
	signalgw "github.com/evoquant/evoquant/internal/signal"
	"github.com/evoquant/evoquant/internal/strategy"
	"github.com/evoquant/evoquant/pkg/logger"
)

// Conventional sysexits: 64 for bad configuration, 70 for internal
// failure.
const (
	exitConfig   = 64
	exitInternal = 70
)

func main() {
	root := &cobra.Command{
		Use:           "evoquant",
		Short:         "Self-evolving trading strategy platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), seedCmd(), workerStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitInternal)
	}
}

func loadConfig() (*config.Config, zerolog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(exitConfig)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	return cfg, log
}

// databases opens the three stores: strategies (standard), ledger
// (append-only history, royalties, memory events) and cache (worker
// bookkeeping).
type databases struct {
	strategies *database.DB
	ledger     *database.DB
	cache      *database.DB
}

func openDatabases(cfg *config.Config) (*databases, error) {
	strategies, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "strategies.db"),
		Profile: database.ProfileStandard,
		Name:    "strategies",
	})
	if err != nil {
		return nil, err
	}
	ledger, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, err
	}
	cache, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return nil, err
	}
	return &databases{strategies: strategies, ledger: ledger, cache: cache}, nil
}

func (d *databases) migrate() error {
	for _, db := range d.all() {
		if err := db.Migrate(); err != nil {
			return err
		}
	}
	return nil
}

// close checkpoints each WAL so restarts begin from a compact main file,
// then closes the connections.
func (d *databases) close(log zerolog.Logger) {
	for _, db := range d.all() {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("database", db.Name()).Msg("Database close failed")
		}
	}
}

func (d *databases) all() []*database.DB {
	return []*database.DB{d.strategies, d.ledger, d.cache}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			return runServe(cfg, log)
		},
	}
}

func runServe(cfg *config.Config, log zerolog.Logger) error {
	dbs, err := openDatabases(cfg)
	if err != nil {
		return err
	}
	defer dbs.close(log)
	if err := dbs.migrate(); err != nil {
		return err
	}

	clk := clock.NewReal()
	registry := prometheus.NewRegistry()

	repo := strategy.NewRepository(dbs.strategies.Conn(), clk, log)
	lineage := strategy.NewLineageIndex(dbs.strategies.Conn(), clk, log)
	history := strategy.NewBacktestLog(dbs.ledger.Conn(), clk, log)

	sink := memory.NewSQLiteSink(dbs.ledger.Conn(), clk, log)
	recorder := memory.NewRetryingRecorder(sink, clk, 30*time.Second, 1024, log)
	recorder.Start()
	defer recorder.Stop()

	chain := []marketdata.Provider{}
	if key := os.Getenv("ALPHAVANTAGE_API_KEY"); key != "" {
		chain = append(chain, providers.NewAlphaVantage(key, nil, log))
	}
	chain = append(chain, providers.NewYahoo(nil, log))
	gateway := marketdata.NewGateway(cfg.MarketData, chain, clk, marketdata.NewMetrics(registry), log)

	scorer := scoring.NewCalculator(cfg.Scoring)
	breeder := mutation.NewEngine(cfg.Mutation, clk.Now().UnixNano(), clk, log)

	evoWorker := evolution.NewWorker(
		cfg.Evolution, cfg.Backtest, repo, lineage, history, gateway, scorer, breeder, recorder, clk, log).
		WithRunLog(dbs.cache.Conn())
	evoWorker.Start()
	defer evoWorker.Stop()

	monWorker := monitor.NewWorker(
		cfg.Monitoring, cfg.Backtest, repo, gateway, scorer, sink, dbs.cache.Conn(), clk, log)
	if err := monWorker.Start(); err != nil {
		return err
	}
	defer monWorker.Stop()

	emitter := royalty.NewEmitter(dbs.ledger.Conn(), repo, recorder, clk, log)
	emitter.Start()
	defer emitter.Stop()

	signals := signalgw.NewGateway(repo, gateway, sink, clk, log)

	srv := server.New(server.Config{
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Log:      log,
		Repo:     repo,
		Lineage:  lineage,
		History:  history,
		Signals:  signals,
		Royalty:  emitter,
		Recorder: recorder,
		Clock:    clk,
		Registry: registry,

		Databases: dbs.all(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	// Deferred stops run workers down in reverse start order, then close
	// the databases.
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schemas and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			dbs, err := openDatabases(cfg)
			if err != nil {
				return err
			}
			defer dbs.close(log)
			if err := dbs.migrate(); err != nil {
				return err
			}
			log.Info().Msg("Migrations applied")
			return nil
		},
	}
}

func workerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker-status",
		Short: "Show recent worker runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			dbs, err := openDatabases(cfg)
			if err != nil {
				return err
			}
			defer dbs.close(log)

			rows, err := dbs.cache.Query(`
				SELECT worker, started_at, finished_at, processed, errors
				FROM worker_runs ORDER BY started_at DESC LIMIT 20`)
			if err != nil {
				return err
			}
			defer rows.Close()

			fmt.Printf("%-12s %-24s %-10s %-9s %s\n", "WORKER", "STARTED", "DURATION", "PROCESSED", "ERRORS")
			for rows.Next() {
				var worker string
				var startedAt int64
				var finishedAt sql.NullInt64
				var processed, errCount int
				if err := rows.Scan(&worker, &startedAt, &finishedAt, &processed, &errCount); err != nil {
					return err
				}
				started := time.UnixMicro(startedAt).UTC()
				dur := "running"
				if finishedAt.Valid {
					dur = time.UnixMicro(finishedAt.Int64).Sub(started).Round(time.Millisecond).String()
				}
				fmt.Printf("%-12s %-24s %-10s %-9d %d\n",
					worker, started.Format(time.RFC3339), dur, processed, errCount)
			}
			return rows.Err()
		},
	}
}
