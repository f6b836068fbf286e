package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/gateway"
	"github.com/logus2k/agent-gateway/internal/httpserver"
	"github.com/logus2k/agent-gateway/internal/memory"
	"github.com/logus2k/agent-gateway/internal/orchestrator"
	"github.com/logus2k/agent-gateway/internal/pool"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/router"
	"github.com/logus2k/agent-gateway/internal/session"
	"github.com/logus2k/agent-gateway/internal/stt"
	"github.com/logus2k/agent-gateway/internal/telemetry"
	"github.com/logus2k/agent-gateway/internal/tts"
)

// serveCmd starts the gateway's websocket and HTTP surface.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer wires every component bottom-up and blocks until the process
// receives a termination signal or the HTTP server fails.
func runServer(ctx context.Context) error {
	slog.Info("gatewayd: starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	shutdownTracer, err := telemetry.InitTracer("agent-gateway")
	if err != nil {
		slog.Warn("gatewayd: tracing init failed, continuing without it", "error", err)
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Warn("gatewayd: tracer shutdown failed", "error", err)
			}
		}()
	}

	activeModel, err := cfg.ActiveModel()
	if err != nil {
		return err
	}
	baseline, err := activeModel.SamplingBaseline()
	if err != nil {
		return err
	}

	factory := func(i int) (engine.Adapter, error) {
		client := engine.NewClient(activeModel.URL, activeModel.APIKey, activeModel.Name)
		return engine.NewService(client, activeModel.SystemPrompt, baseline), nil
	}
	workerPool, err := pool.New(factory, cfg.Runtime.PoolSize)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	slog.Info("gatewayd: worker pool ready", "size", workerPool.Size(), "model", activeModel.Name)

	memRegistry := memory.BuildFromConfig(cfg.Memory.Strategies.ThreadWindow.MaxContextTokens)
	sessions := session.NewRegistry()
	ttsMgr := tts.NewManager(cfg.TTS.URL)

	// hub is assigned after construction; sttMgr and the router Dispatcher
	// only call into it once a transcript or classification actually
	// arrives, by which point wiring below has completed.
	var hub *gateway.Hub

	sttMgr := stt.NewManager(func(clientID domain.ClientID, text string, duration float64, sttURL string) {
		hub.HandleTranscript(clientID, text, duration, sttURL)
	})

	var dispatcher *router.Dispatcher
	if cfg.Router.Enabled {
		dispatcher = router.NewDispatcher(workerPool, presets["router"], func(sid domain.SessionID, result protocol.RouterResult) {
			hub.RouterEmitter()(sid, result)
		})
		if dispatcher == nil {
			slog.Warn("gatewayd: router.enabled is true but no \"router\" preset is loaded; router dispatch disabled")
		}
	}

	orc := &orchestrator.Orchestrator{
		Pool:           workerPool,
		Memory:         memRegistry,
		TTS:            ttsMgr,
		RequestTimeout: time.Duration(cfg.Runtime.PerRequestTimeoutS) * time.Second,
	}

	hub = gateway.NewHub(sessions, orc, dispatcher, sttMgr, ttsMgr, presets)
	orc.Emit = hub

	wsHandler := gateway.NewWSHandler(hub, cfg.Server.CORSOrigins)
	srv := httpserver.NewServer(cfg.Server.Host, cfg.Server.Port, cfg.Server.CORSOrigins, wsHandler, presets, workerPool)

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("gatewayd: http server listening", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		sttMgr.Close()
		ttsMgr.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("gatewayd: received signal, shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sttMgr.Close()
		ttsMgr.Close()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		slog.Info("gatewayd: stopped")
		return nil
	}
}
