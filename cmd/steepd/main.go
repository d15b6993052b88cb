// Command steepd is the Steep cluster daemon: it loads configuration, wires
// the storage backend, event bus, rule engine, scheduler and controller, and
// optionally a local agent, then runs until signalled. Flag/signal handling
// follows the teacher's own daemon entrypoint (cmd/mcp-server/main.go:
// flag.Parse, zerolog console output, os/signal graceful shutdown), trimmed
// to what a single-binary cluster node actually needs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steep-wms/steep/pkg/agentregistry"
	"github.com/steep-wms/steep/pkg/catalog"
	"github.com/steep-wms/steep/pkg/config"
	"github.com/steep-wms/steep/pkg/controller"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/eventbus/inmembus"
	"github.com/steep-wms/steep/pkg/eventbus/natsbus"
	"github.com/steep-wms/steep/pkg/executor"
	"github.com/steep-wms/steep/pkg/executor/runtime"
	"github.com/steep-wms/steep/pkg/logger"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
	"github.com/steep-wms/steep/pkg/registry/memory"
	"github.com/steep-wms/steep/pkg/registry/mongo"
	"github.com/steep-wms/steep/pkg/registry/postgres"
	"github.com/steep-wms/steep/pkg/ruleengine"
	"github.com/steep-wms/steep/pkg/scheduler"
	"github.com/steep-wms/steep/pkg/workerpool"
)

func main() {
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "steepd: "+err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "steepd: "+err.Error())
		os.Exit(1)
	}

	log := logger.For("steepd")
	log.Info().Str("db", cfg.DB.Driver).Str("bus", cfg.Bus.Driver).Msg("starting steepd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, closeBus, err := connectBus(cfg.Bus)
	if err != nil {
		log.Fatal().Err(err).Msg("connect event bus")
	}
	defer closeBus()

	reg, err := connectRegistry(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect registry")
	}
	defer reg.Close()

	mcs := metrics.New("steep")
	cat := catalog.New(cfg.Services...)
	engine := ruleengine.New(cat)
	agents := agentregistry.New(bus, mcs, cfg.Agent.BusyTimeout(), cfg.Agent.IdleTimeout(), logger.For("agentregistry"))
	defer agents.Close()

	sched := scheduler.New(reg, agents, bus, mcs, cfg.Scheduler.Interval(), logger.For("scheduler"))
	ctrl := controller.New(reg, agents, engine, bus, mcs, cfg.Controller.Interval(), cfg.Controller.OrphanScanInterval(), logger.For("controller"))

	go sched.Run(ctx)
	go ctrl.Run(ctx)

	var localAgent *executor.Agent
	if cfg.Agent.Enabled {
		pool := workerpool.New(len(cfg.Agent.Capabilities)+1, 64, logger.For("workerpool"))
		pool.Start()
		defer pool.Stop()

		localAgent = executor.New(cfg.Agent.ID, cfg.Agent.Capabilities, cfg.OutPath, cfg.Agent.OutputLinesToCollect,
			cfg.Agent.BusyTimeout(), cfg.Agent.IdleTimeout(), bus, pool, mcs, runtime.NewRegistry(), logger.For("agent"))
		localAgent.Start()
		defer localAgent.Stop()
		log.Info().Str("agentId", cfg.Agent.ID).Strs("capabilities", cfg.Agent.Capabilities).Msg("local agent started")
	}

	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		httpServer = &http.Server{Addr: cfg.HTTP.Addr, Handler: statusHandler(reg)}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http status server failed")
			}
		}()
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status endpoint listening")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}
}

func connectBus(cfg config.BusConfig) (eventbus.Bus, func(), error) {
	switch cfg.Driver {
	case "nats":
		b, err := natsbus.Connect(cfg.URL, logger.For("natsbus"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats bus: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		b := inmembus.New(logger.For("inmembus"))
		return b, func() { _ = b.Close() }, nil
	}
}

func connectRegistry(ctx context.Context, cfg config.DBConfig) (registry.SubmissionRegistry, error) {
	switch cfg.Driver {
	case "postgresql":
		reg, err := postgres.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return reg, nil
	case "mongodb":
		reg, err := mongo.Connect(ctx, cfg.URL, "steep")
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return reg, nil
	default:
		return memory.New(), nil
	}
}

// statusHandler serves the minimal read-only status surface (SPEC_FULL.md
// §6): GET /submissions/{id} and GET /processchains?status=. No mutation
// endpoints, no auth — this is scaffolding around the daemon binary, not
// the excluded HTTP/JSON API.
func statusHandler(reg registry.SubmissionRegistry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/submissions/"):]
		if id == "" {
			http.Error(w, "missing submission id", http.StatusBadRequest)
			return
		}
		sub, err := reg.FindSubmissionByID(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, sub)
	})
	mux.HandleFunc("/processchains", func(w http.ResponseWriter, r *http.Request) {
		status := model.ProcessChainStatus(r.URL.Query().Get("status"))
		if status == "" {
			http.Error(w, "missing status query parameter", http.StatusBadRequest)
			return
		}
		chains, err := reg.FindProcessChainsByStatus(r.Context(), status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, chains)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
