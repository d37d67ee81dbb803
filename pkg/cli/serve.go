package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/secmon-lab/mnemosyne/pkg/cli/config"
	httpctrl "github.com/secmon-lab/mnemosyne/pkg/controller/http"
	"github.com/secmon-lab/mnemosyne/pkg/service/compaction"
	"github.com/secmon-lab/mnemosyne/pkg/service/consolidation"
	"github.com/secmon-lab/mnemosyne/pkg/service/embedding"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/service/retrieval"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
	"github.com/secmon-lab/mnemosyne/pkg/usecase"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
	"github.com/secmon-lab/mnemosyne/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var addr string
	var configPath string
	var geminiCfg config.Gemini
	var indexCfg config.Index
	var mirrorCfg config.Mirror
	var repoCfg config.Repository

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("MNEMOSYNE_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to the TOML tuning file",
			Sources:     cli.EnvVars("MNEMOSYNE_CONFIG"),
			Destination: &configPath,
		},
	}
	flags = append(flags, geminiCfg.Flags()...)
	flags = append(flags, indexCfg.Flags()...)
	flags = append(flags, mirrorCfg.Flags()...)
	flags = append(flags, repoCfg.Flags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the memory engine HTTP server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			appCfg, err := config.LoadAppConfig(configPath)
			if err != nil {
				return err
			}

			llm, err := geminiCfg.Configure(ctx)
			if err != nil {
				return err
			}

			repo, err := repoCfg.Configure()
			if err != nil {
				return err
			}
			defer safe.Close(ctx, repo)

			index, err := indexCfg.Configure()
			if err != nil {
				return err
			}
			defer safe.Close(ctx, index)

			embedOpts := []embedding.Option{
				embedding.WithDimension(indexCfg.Dimension()),
			}
			if appCfg.Embedding.CacheSize > 0 {
				cache, err := embedding.NewRistrettoCache(appCfg.Embedding.CacheSize, indexCfg.Dimension())
				if err != nil {
					return err
				}
				embedOpts = append(embedOpts,
					embedding.WithCache(cache),
					embedding.WithCacheTTL(appCfg.Embedding.CacheTTLOr(embedding.DefaultCacheTTL)),
				)
			}
			embedder, err := embedding.New(llm, embedOpts...)
			if err != nil {
				return err
			}

			mirror, err := mirrorCfg.Configure(embedder)
			if err != nil {
				return err
			}

			bus := eventbus.New(busOptions(appCfg)...)

			monitorOpts := []compaction.MonitorOption{}
			if appCfg.Compaction.ContextWindow > 0 {
				monitorOpts = append(monitorOpts, compaction.WithContextWindow(appCfg.Compaction.ContextWindow))
			}
			if appCfg.Compaction.Threshold > 0 {
				monitorOpts = append(monitorOpts, compaction.WithThreshold(appCfg.Compaction.Threshold))
			}
			if appCfg.Compaction.KeepExchanges > 0 {
				monitorOpts = append(monitorOpts, compaction.WithKeepExchanges(appCfg.Compaction.KeepExchanges))
			}
			monitor := compaction.NewMonitor(monitorOpts...)

			extractorOpts := []compaction.ExtractorOption{}
			if appCfg.Compaction.RescueThreshold > 0 {
				extractorOpts = append(extractorOpts, compaction.WithRescueThreshold(appCfg.Compaction.RescueThreshold))
			}
			extractor, err := compaction.NewExtractor(llm, embedder, index, repo, extractorOpts...)
			if err != nil {
				return err
			}

			compactor, err := compaction.NewCompactor(llm, embedder, index, repo, bus,
				compaction.WithModelName(geminiCfg.Model()))
			if err != nil {
				return err
			}

			workerOpts := []consolidation.WorkerOption{}
			if appCfg.Consolidation.Schedule != "" {
				workerOpts = append(workerOpts, consolidation.WithSchedule(appCfg.Consolidation.Schedule))
			}
			worker := consolidation.NewWorker(consolidation.New(index, repo), workerOpts...)
			if err := worker.Start(ctx); err != nil {
				return err
			}
			defer worker.Stop()

			ucOpts := []usecase.Option{
				usecase.WithRetriever(retrieval.New(embedder, index, mirror)),
				usecase.WithMonitor(monitor),
				usecase.WithExtractor(extractor),
				usecase.WithCompactor(compactor),
				usecase.WithConsolidationWorker(worker),
			}

			var engine *syncer.Engine
			if mirror != nil {
				engine = syncer.New(repo, index, mirror, embedder, bus,
					syncer.WithBatchInterval(appCfg.Sync.BatchIntervalOr(syncer.DefaultBatchInterval)),
					syncer.WithReconcileInterval(appCfg.Sync.ReconcileIntervalOr(syncer.DefaultReconcileInterval)),
					syncer.WithPushDebounce(appCfg.Sync.PushDebounceOr(syncer.DefaultPushDebounce)),
				)
				if err := engine.Start(ctx); err != nil {
					return err
				}
				defer engine.Stop()
				ucOpts = append(ucOpts, usecase.WithSyncEngine(engine))
			} else {
				logging.Default().Info("no mirror configured, sync engine disabled")
			}

			uc := usecase.New(repo, index, embedder, bus, ucOpts...)

			server := &http.Server{
				Addr:              addr,
				Handler:           httpctrl.New(uc),
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("Starting HTTP server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shutdown server gracefully")
				}

				logging.Default().Info("Server shutdown completed")
				return nil
			}
		},
	}
}

func busOptions(cfg *config.AppConfig) []eventbus.Option {
	if cfg.Sync.BufferLimit > 0 {
		return []eventbus.Option{eventbus.WithBufferLimit(cfg.Sync.BufferLimit)}
	}
	return nil
}
