// Traffic control orchestrator entry point
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/ai"
	"github.com/adaptive-traffic-control/internal/ctl"
	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/iot"
	"github.com/adaptive-traffic-control/internal/ngsi"
	"github.com/adaptive-traffic-control/internal/sim"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting traffic control orchestrator")

	tlsIDs := splitList(getEnv("TLS_ID", "tls0"))
	detectorIDs := splitList(getEnv("DETECTOR_IDS", ""))
	edgeIDs := splitList(getEnv("EDGE_IDS", ""))

	simCfg := sim.DefaultConfig()
	simCfg.Host = getEnv("SIM_HOST", simCfg.Host)
	simCfg.Port = getEnvInt("SIM_PORT", simCfg.Port)
	simClient, err := sim.NewClient(simCfg, logger)
	if err != nil {
		logger.Fatal("Failed to create simulator client", zap.Error(err))
	}

	ngsiCfg := ngsi.DefaultConfig()
	ngsiCfg.BrokerURL = getEnv("BROKER_URL", ngsiCfg.BrokerURL)
	ngsiCfg.ContextURL = getEnv("CONTEXT_URL", ngsiCfg.ContextURL)
	broker := ngsi.NewClient(ngsiCfg, logger)

	// One policy network per process; every agent shares it.
	policy := dqn.New(len(detectorIDs)+2, logger)
	modelPath := getEnv("DQN_MODEL_PATH", "model.json")
	if err := policy.Load(modelPath); err != nil {
		logger.Warn("No usable policy weights, falling back to random actions",
			zap.String("path", modelPath), zap.Error(err))
	}

	var nc *nats.Conn
	if natsURL := getEnv("NATS_URL", ""); natsURL != "" {
		nc, err = nats.Connect(natsURL, nats.Name("traffic-orchestrator"))
		if err != nil {
			logger.Warn("NATS unavailable, experience stream disabled", zap.Error(err))
			nc = nil
		}
	}

	ctlCfg := ctl.DefaultConfig()
	ctlCfg.TLSIDs = tlsIDs
	ctlCfg.DetectorIDs = detectorIDs
	ctlCfg.EdgeIDs = edgeIDs
	ctlCfg.MinGreen = time.Duration(getEnvInt("MIN_GREEN_SECONDS", 10)) * time.Second
	ctlCfg.DefaultYellow = time.Duration(getEnvInt("YELLOW_SECONDS", 3)) * time.Second
	ctlCfg.LauncherURL = getEnv("LAUNCHER_URL", "")
	ctlCfg.FallbackBinary = getEnv("SUMO_BINARY", "sumo")
	ctlCfg.ScenariosPath = getEnv("SCENARIOS_PATH", ctlCfg.ScenariosPath)
	registry := ctl.NewRegistry(ctlCfg, simClient, policy, logger)

	apiServer, err := ctl.NewServer(registry, logger)
	if err != nil {
		logger.Fatal("Failed to create HTTP facade", zap.Error(err))
	}

	receiver, err := ngsi.NewReceiver(getEnvInt("NOTIFY_CACHE_SIZE", 1024), logger)
	if err != nil {
		logger.Fatal("Failed to create notification receiver", zap.Error(err))
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	notifyHost := getEnv("NOTIFY_HOST", "orchestrator")
	notifyPort := getEnv("NOTIFY_PORT", httpPort)
	notifyURI := "http://" + notifyHost + ":" + notifyPort + "/notify"

	updateInterval := time.Duration(getEnvInt("UPDATE_INTERVAL_MS", 1000)) * time.Millisecond
	aiEnabled := getEnvBool("AI_ENABLED", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	iotAgents := make([]*iot.Agent, 0, len(tlsIDs))
	for _, tlsID := range tlsIDs {
		iotCfg := iot.DefaultConfig(tlsID)
		iotCfg.DetectorIDs = detectorIDs
		iotCfg.EdgeIDs = edgeIDs
		iotCfg.NumPhases = getEnvInt("NUM_PHASES", 4)
		iotCfg.NotifyURI = notifyURI
		iotCfg.RefRoadSegment = getEnv("ROAD_SEGMENT_ID", "")
		iotAgent := iot.New(iotCfg, simClient, broker, registry.Gate(tlsID), nc, logger)
		iotAgents = append(iotAgents, iotAgent)
		receiver.OnBatch(iotAgent.HandleBatch)

		aiCfg := ai.Config{
			TLSID:        tlsID,
			NumPhases:    getEnvInt("NUM_PHASES", 4),
			NumDetectors: len(detectorIDs),
			NotifyURI:    notifyURI,
		}
		aiAgent := ai.New(aiCfg, broker, policy, logger)
		receiver.OnBatch(func(bctx context.Context, batch []ngsi.Envelope) {
			// The broker-driven agent acts only while it owns the loop.
			if registry.Source() != ctl.SourceBroker {
				return
			}
			aiAgent.HandleBatch(bctx, batch)
		})
		if aiEnabled {
			if err := aiAgent.Subscribe(ctx); err != nil {
				logger.Warn("AI agent subscription failed", zap.String("tls", tlsID), zap.Error(err))
			}
			defer aiAgent.Unsubscribe(context.Background())
		}
	}

	// One runner owns Step: the simulation advances once per interval and
	// every agent publishes for that same step. The loop needs a live
	// connection and stops when it drops, so every successful connect
	// (re)starts it.
	runner := iot.NewRunner(simClient, iotAgents, updateInterval, logger)
	var loopMu sync.Mutex
	var stopLoop context.CancelFunc
	registry.OnControlReady(func(rctx context.Context) {
		loopMu.Lock()
		defer loopMu.Unlock()
		if stopLoop != nil {
			stopLoop()
		}
		loopCtx, loopCancel := context.WithCancel(ctx)
		stopLoop = loopCancel
		for _, agent := range iotAgents {
			if err := agent.Subscribe(rctx); err != nil {
				logger.Warn("IoT agent subscription failed", zap.Error(err))
			}
		}
		go runner.Run(loopCtx)
	})
	if aiEnabled {
		if err := registry.EnableSource(ctx, ctl.SourceBroker); err != nil {
			logger.Fatal("Failed to enable broker-driven control", zap.Error(err))
		}
	}

	router := mux.NewRouter()
	apiServer.Routes(router)
	router.Handle("/notify", receiver).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("port", httpPort))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	for _, agent := range iotAgents {
		agent.Unsubscribe(shutdownCtx)
	}
	registry.Shutdown(shutdownCtx)
	if nc != nil {
		nc.Drain()
	}

	logger.Info("Shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
