package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericcug/streamengine/internal/api"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/dashsource"
	"github.com/ericcug/streamengine/internal/engine"
	"github.com/ericcug/streamengine/internal/headless"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/sink"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream a manifest URL and serve its health/metrics surface",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("manifest-url", "", "manifest URL to stream (overrides config's manifest_url)")
	runCmd.Flags().String("listen-addr", "", "HTTP listen address for health/metrics (overrides config's serve_addr)")
	runCmd.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides config's log_level)")

	mustBindPFlag("manifest_url", runCmd.Flags().Lookup("manifest-url"))
	mustBindPFlag("serve_addr", runCmd.Flags().Lookup("listen-addr"))
	mustBindPFlag("log_level", runCmd.Flags().Lookup("log-level"))
}

// runRun builds the engine's collaborators and runs a session until an
// interrupt/TERM signal arrives.
//
// A real embedding application (a browser/WebAssembly host, say) supplies
// its own clock.MediaElement and orchestrator.MediaController backed by an
// actual <video> element, and its own sink.Backend backed by a real
// MediaSource SourceBuffer. This binary has none of those, so it uses
// internal/headless's simulated playback clock and in-memory sink instead,
// making it a runnable smoke-test harness for the fetch/ABR/buffering
// pipeline against a live DASH manifest rather than a real player.
func runRun(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	log := logger.New(cfg.LogLevel, nil)
	log.Infof("starting streaming engine for %s", cfg.ManifestURL)

	ready := &api.AtomicReady{}
	router := api.Router(log, ready)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	element := headless.New(0, log)
	coll := engine.Collaborators{
		Parser:    dashsource.NewParser(cfg.UserAgent, log.With("component", "parser")),
		Transport: dashsource.NewTransport(cfg.UserAgent, cfg.Retry.RequestTimeout),
		Media:     element,
		Controller: element,
		NewBackend: func(kind manifest.TrackKind) (sink.Backend, error) {
			return headless.NewBackend(kind, element, log.With("buffer_type", string(kind))), nil
		},
		Ready: ready,
	}

	eng := engine.New(&cfg, coll, log)

	go func() {
		if err := api.Serve(ctx, cfg.ServeAddr, router, log); err != nil {
			log.Errorf("api server stopped with error: %v", err)
		}
	}()

	go element.Run(ctx)

	go func() {
		for ev := range eng.Events() {
			if ev.Kind == engine.EventFatal {
				log.Errorf("engine: fatal error: %v", ev.Err)
				continue
			}
			log.Debugf("engine: event kind=%d buffer_type=%s", ev.Kind, ev.BufferType)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("shutting down...")

	eng.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()

	log.Infof("exited gracefully")
	return nil
}
