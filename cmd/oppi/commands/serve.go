package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/oppi-dev/oppi/internal/config"
	"github.com/oppi-dev/oppi/internal/engine"
	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/stream"
	"github.com/oppi-dev/oppi/internal/supervisor"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveDemo     bool
	serveDemoID   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the oppi stream server",
	Long: `Start oppi as a server exposing the websocket stream protocol at
/ws. Session creation itself is an external collaborator's job (a CLI
subcommand, a pairing flow) — this command wires the Policy Engine,
Permission Gate, Event Fan-out, and Stream Multiplexer together and,
with --demo-session, stands up one Supervisor backed by the
deterministic Stub engine so the server is immediately usable without
a real agent engine attached.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory, used to locate project-level config")
	serveCmd.Flags().BoolVar(&serveDemo, "demo-session", false, "Stand up one Supervisor backed by the deterministic stub agent engine")
	serveCmd.Flags().StringVar(&serveDemoID, "demo-session-id", "demo", "Session id for --demo-session")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting oppi server")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	policyFile, err := config.NewPolicyFile(paths.PolicyDir())
	if err != nil {
		return err
	}
	store := policy.NewStore(policyFile)
	pol := policy.NewEngine(store)
	if classifier := appConfig.ToolClassifier(); classifier != nil {
		merged := policy.DefaultClassifier()
		for name, class := range classifier {
			merged[name] = class
		}
		pol.SetClassifier(merged)
	}

	watchStop := make(chan struct{})
	if err := config.WatchPolicyFiles(paths.PolicyDir(), store, watchStop); err != nil {
		logging.Warn().Err(err).Msg("policy file watcher not started")
	}
	defer close(watchStop)

	fan := fanout.New(appConfig.Fanout.MaxEvents, appConfig.Fanout.MaxBytes)
	registry := supervisor.NewRegistry()

	if serveDemo {
		demo := supervisor.New(serveDemoID, "demo-workspace", "demo-model", fan, pol, engine.NewStub(), registry, supervisor.Config{
			IdleTimeout: appConfig.IdleTimeout(),
			Gate:        appConfig.GateConfig(),
		})
		if err := demo.Start(context.Background()); err != nil {
			return fmt.Errorf("starting demo session: %w", err)
		}
		logging.Info().Str("sessionId", serveDemoID).Msg("demo session ready, connect to /ws and subscribe")
	}

	streamCfg := stream.Config{
		EnableCORS:         true,
		OutboundBuffer:     appConfig.Stream.OutboundBuffer,
		InboundRate:        rate.Limit(appConfig.Stream.InboundRatePerSec),
		InboundBurst:       appConfig.Stream.InboundBurst,
		ProtocolConstraint: appConfig.Stream.ProtocolConstraint,
	}
	srv := stream.New(registry, stream.AllowAll, streamCfg)

	addr := fmt.Sprintf("%s:%d", serveHostname, servePort)
	go func() {
		logging.Info().
			Str("hostname", serveHostname).
			Int("port", servePort).
			Str("url", fmt.Sprintf("ws://%s/ws", addr)).
			Msg("server listening")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
