// Offline DQN trainer entry point
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/sim"
	"github.com/adaptive-traffic-control/internal/train"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	detectorIDs := splitList(getEnv("DETECTOR_IDS", ""))
	savePath := getEnv("SAVE_PATH", "model.json")

	cfg := train.DefaultConfig(len(detectorIDs) + 2)
	cfg.Gamma = getEnvFloat("GAMMA", cfg.Gamma)
	cfg.LearningRate = getEnvFloat("LEARNING_RATE", cfg.LearningRate)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.Seed = int64(getEnvInt("SEED", int(cfg.Seed)))
	trainer := train.New(cfg, logger)

	mode := getEnv("TRAIN_MODE", "collect")
	logger.Info("Starting trainer",
		zap.String("mode", mode),
		zap.Int("input_dim", cfg.InputDim),
		zap.String("save_path", savePath))

	var err error
	switch mode {
	case "collect":
		err = runCollect(trainer, logger)
	case "episodes":
		err = runEpisodes(trainer, detectorIDs, logger)
	default:
		logger.Fatal("Unknown TRAIN_MODE", zap.String("mode", mode))
	}
	if err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}

	if err := trainer.Save(savePath); err != nil {
		logger.Fatal("Failed to save weights", zap.Error(err))
	}
	logger.Info("Training complete", zap.String("path", savePath))
}

// runCollect fills the replay buffer from the live experience stream and
// takes gradient steps as transitions arrive, until interrupted.
func runCollect(trainer *train.Trainer, logger *zap.Logger) error {
	nc, err := nats.Connect(getEnv("NATS_URL", nats.DefaultURL), nats.Name("traffic-trainer"))
	if err != nil {
		return err
	}
	defer nc.Drain()

	colCfg := train.DefaultCollectorConfig()
	colCfg.PM25Weight = getEnvFloat("PM25_WEIGHT", colCfg.PM25Weight)
	collector := train.NewCollector(colCfg, trainer, logger)
	if err := collector.Start(nc); err != nil {
		return err
	}
	defer collector.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			logger.Info("Interrupted, saving", zap.Int("buffered", trainer.BufferLen()))
			return nil
		case <-ticker.C:
			if loss, ok := trainer.TrainStep(); ok {
				logger.Debug("train step",
					zap.Float64("loss", loss),
					zap.Float64("epsilon", trainer.Epsilon()))
			}
		}
	}
}

// runEpisodes drives the simulator directly, bypassing the broker: the
// trainer picks actions epsilon-greedily, applies them, and learns from
// the observed queue and emission response.
func runEpisodes(trainer *train.Trainer, detectorIDs []string, logger *zap.Logger) error {
	edgeIDs := splitList(getEnv("EDGE_IDS", ""))
	tlsID := getEnv("TLS_ID", "tls0")
	episodes := getEnvInt("EPISODES", 50)
	stepsPerEpisode := getEnvInt("STEPS_PER_EPISODE", 500)
	pm25Weight := getEnvFloat("PM25_WEIGHT", 0.1)

	simCfg := sim.DefaultConfig()
	simCfg.Host = getEnv("SIM_HOST", simCfg.Host)
	simCfg.Port = getEnvInt("SIM_PORT", simCfg.Port)
	client, err := sim.NewClient(simCfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	for ep := 0; ep < episodes; ep++ {
		opts := sim.LaunchOptions{
			Binary:     getEnv("SUMO_BINARY", "sumo"),
			ConfigPath: getEnv("SUMO_CONFIG", ""),
			Port:       simCfg.Port,
		}
		if err := client.Start(ctx, opts); err != nil {
			return err
		}

		logic, err := client.GetPhaseLogic(ctx, tlsID)
		if err != nil {
			return err
		}
		numPhases := logic.NumPhases()

		state, err := observe(ctx, client, tlsID, detectorIDs, edgeIDs)
		if err != nil {
			return err
		}
		var epReward float64

		for step := 0; step < stepsPerEpisode; step++ {
			if ctx.Err() != nil {
				client.Close(context.Background())
				return nil
			}
			action, err := trainer.SelectAction(state)
			if err != nil {
				return err
			}
			if action == dqn.ActionSwitch {
				phase := int(state[len(detectorIDs)])
				if err := client.SetPhase(ctx, tlsID, (phase+1)%numPhases); err != nil {
					logger.Warn("set phase failed", zap.Error(err))
				}
			}
			if _, err := client.Step(ctx); err != nil {
				return err
			}
			next, err := observe(ctx, client, tlsID, detectorIDs, edgeIDs)
			if err != nil {
				return err
			}

			var queueSum float64
			for _, q := range next[:len(detectorIDs)] {
				queueSum += q
			}
			reward := -queueSum - pm25Weight*next[len(next)-1]
			epReward += reward

			trainer.Observe(train.Transition{
				State:  state,
				Action: action,
				Reward: reward,
				Next:   next,
				Done:   step == stepsPerEpisode-1,
			})
			if loss, ok := trainer.TrainStep(); ok && step%100 == 0 {
				logger.Debug("train step", zap.Int("episode", ep), zap.Float64("loss", loss))
			}
			state = next
		}

		if err := client.Close(ctx); err != nil {
			logger.Warn("simulator close failed", zap.Error(err))
		}
		logger.Info("episode finished",
			zap.Int("episode", ep),
			zap.Float64("reward", epReward),
			zap.Float64("epsilon", trainer.Epsilon()))
	}
	return nil
}

// observe builds the (queues…, phase, pm25) state vector from the live
// simulator.
func observe(ctx context.Context, client *sim.Client, tlsID string, detectorIDs, edgeIDs []string) ([]float64, error) {
	state := make([]float64, 0, len(detectorIDs)+2)
	for _, det := range detectorIDs {
		n, err := client.GetDetectorCount(ctx, det)
		if err != nil {
			return nil, err
		}
		state = append(state, float64(n))
	}
	phase, err := client.GetPhase(ctx, tlsID)
	if err != nil {
		return nil, err
	}
	state = append(state, float64(phase))
	var pm25 float64
	for _, edge := range edgeIDs {
		v, err := client.GetEdgeEmission(ctx, edge)
		if err != nil {
			return nil, err
		}
		pm25 += v
	}
	return append(state, pm25), nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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
