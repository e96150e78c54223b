package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/duogate/duogate/internal/chunkstore"
	"github.com/duogate/duogate/internal/condenser"
	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/contextmgr"
	"github.com/duogate/duogate/internal/db"
	"github.com/duogate/duogate/internal/envdedup"
	"github.com/duogate/duogate/internal/llmclient"
	"github.com/duogate/duogate/internal/logsink"
	otelx "github.com/duogate/duogate/internal/obs/otel"
	"github.com/duogate/duogate/internal/protocol/token"
	"github.com/duogate/duogate/internal/routing"
	"github.com/duogate/duogate/internal/server"
	"github.com/duogate/duogate/internal/upstream"
	"github.com/duogate/duogate/pkg/obs"
)

// Set by the compiler via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "duogate",
	Short: "duogate - protocol-translating proxy for dual-dialect AI upstreams",
	Long: `duogate sits between AI coding clients and an upstream provider that
exposes both an Anthropic-style Messages endpoint and an OpenAI-style chat
endpoint. It translates request and response schemas in both directions,
routes by image presence, rescales token accounting between context
windows, and keeps long conversations inside the upstream's real limits.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("duogate\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCommand())
}

func startCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				cfg.Verbose = true
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 8787, "listen port")
	return cmd
}

// run wires every component and serves until SIGINT/SIGTERM.
func run(cfg *config.Config) error {
	ring := obs.NewRingLog(256)
	logrus.AddHook(ring)

	sink, err := logsink.New(cfg)
	if err != nil {
		return fmt.Errorf("log sink: %w", err)
	}
	sink.Start()
	defer sink.Close()

	counter := token.NewCounter()

	var deduper *envdedup.Deduper
	if cfg.EnvDedupEnabled {
		deduper = envdedup.New(counter, cfg.EnvDedupStrategy,
			time.Duration(cfg.EnvDetailsMaxAgeMins)*time.Minute)
	}

	var store *chunkstore.Store
	if cfg.ChunkCondensationEnabled {
		store, err = chunkstore.NewStore(cfg.CacheDir, cfg.ChunkAgeThreshold(), cfg.ChunkCacheTTL())
		if err != nil {
			logrus.Warnf("chunk store unavailable, condensing without it: %v", err)
		} else {
			defer store.Close()
		}
	}
	chunker := chunkstore.NewChunker(counter, cfg.ChunkSizeMessages, cfg.ChunkMaxTokens, cfg.ChunkOverlapMessages)
	summarizers := llmclient.NewSummarizers(
		llmclient.NewAnthropicSummarizer(cfg),
		llmclient.NewOpenAISummarizer(cfg),
	)
	cond := condenser.New(counter, summarizers, chunker, store, condenser.Params{
		MinMessages:      cfg.CondensationMinMessages,
		MaxMessages:      cfg.CondensationMaxMessages,
		CautionThreshold: cfg.CautionThreshold,
		Timeout:          cfg.CondensationTimeout(),
		CacheTTL:         cfg.CondensationCacheTTL(),
		DefaultStrategy:  condenser.Strategy(cfg.CondensationStrategy),
	})
	manager := contextmgr.New(cfg, counter, deduper, cond)

	var usageStore *db.UsageStore
	if cfg.MetricsEnabled {
		usageStore, err = db.NewUsageStore(cfg.LogDir)
		if err != nil {
			logrus.Warnf("usage store unavailable, accounting disabled: %v", err)
		} else {
			defer usageStore.Close()
		}
	}

	ctx := context.Background()
	meterCfg := otelx.DefaultConfig()
	meterCfg.Enabled = cfg.MetricsEnabled
	meter, err := otelx.NewMeterSetup(ctx, meterCfg, &otelx.StoreRefs{
		UsageStore: usageStore,
		Sink:       sink,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := meter.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("metrics shutdown: %v", err)
		}
	}()

	if cfg.ModelMapFile != "" {
		watcher, err := config.NewModelMapWatcher(cfg)
		if err != nil {
			logrus.Warnf("model map watcher unavailable: %v", err)
		} else if err := watcher.Start(); err != nil {
			logrus.Warnf("model map watcher failed to start: %v", err)
		} else {
			defer func() {
				if err := watcher.Stop(); err != nil {
					logrus.Warnf("model map watcher stop: %v", err)
				}
			}()
		}
	}

	srv := server.New(cfg, server.Deps{
		Router:  routing.New(cfg),
		Client:  upstream.New(cfg),
		Counter: counter,
		Manager: manager,
		Sink:    sink,
		Tracker: meter.Tracker(),
		Usage:   usageStore,
		Ring:    ring,
	}, version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logrus.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
