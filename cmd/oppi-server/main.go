// Package main provides a minimal flag-based entry point for the oppi
// stream server, for deployments that want a single static binary
// without cobra's subcommand surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/oppi-dev/oppi/internal/config"
	"github.com/oppi-dev/oppi/internal/engine"
	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/stream"
	"github.com/oppi-dev/oppi/internal/supervisor"
)

var (
	port        = flag.Int("port", 8080, "Server port")
	hostname    = flag.String("hostname", "127.0.0.1", "Hostname to listen on")
	directory   = flag.String("directory", "", "Working directory")
	demoSession = flag.Bool("demo-session", false, "Stand up one demo session backed by the stub agent engine")
	version     = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("oppi-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
	}

	log.Printf("starting oppi-server v%s", Version)
	log.Printf("working directory: %s", workDir)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		log.Fatalf("failed to create data directories: %v", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	policyFile, err := config.NewPolicyFile(paths.PolicyDir())
	if err != nil {
		log.Fatalf("failed to open policy dir: %v", err)
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

	fan := fanout.New(appConfig.Fanout.MaxEvents, appConfig.Fanout.MaxBytes)
	registry := supervisor.NewRegistry()

	if *demoSession {
		demo := supervisor.New("demo", "demo-workspace", "demo-model", fan, pol, engine.NewStub(), registry, supervisor.Config{
			IdleTimeout: appConfig.IdleTimeout(),
			Gate:        appConfig.GateConfig(),
		})
		if err := demo.Start(context.Background()); err != nil {
			log.Fatalf("failed to start demo session: %v", err)
		}
		log.Printf("demo session %q ready, connect to /ws and subscribe", "demo")
	}

	srv := stream.New(registry, stream.AllowAll, stream.Config{
		EnableCORS:         true,
		OutboundBuffer:     appConfig.Stream.OutboundBuffer,
		InboundRate:        rate.Limit(appConfig.Stream.InboundRatePerSec),
		InboundBurst:       appConfig.Stream.InboundBurst,
		ProtocolConstraint: appConfig.Stream.ProtocolConstraint,
	})

	addr := fmt.Sprintf("%s:%d", *hostname, *port)
	go func() {
		log.Printf("server listening on ws://%s/ws", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}
