package train

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/jsonx"
	"github.com/adaptive-traffic-control/internal/model"
)

// CollectorConfig tunes reward shaping over the experience stream.
type CollectorConfig struct {
	// Subject is the NATS subject pattern, usually traffic.experience.>.
	Subject string
	// PM25Weight scales the pollution penalty relative to queueing.
	PM25Weight float64
}

// DefaultCollectorConfig returns the standard reward shaping.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Subject:    "traffic.experience.>",
		PM25Weight: 0.1,
	}
}

// Collector subscribes to the experience stream the IoT agent publishes
// and pairs consecutive step observations into replay transitions. The
// reward penalises queueing and PM2.5 jointly:
// r = −Σ queues − PM25Weight·pm25.
type Collector struct {
	cfg     CollectorConfig
	trainer *Trainer
	logger  *zap.Logger

	mu   sync.Mutex
	prev map[string]model.StepObservation
	sub  *nats.Subscription
}

// NewCollector creates a collector feeding the given trainer.
func NewCollector(cfg CollectorConfig, trainer *Trainer, logger *zap.Logger) *Collector {
	return &Collector{
		cfg:     cfg,
		trainer: trainer,
		logger:  logger.Named("experience"),
		prev:    make(map[string]model.StepObservation),
	}
}

// Start subscribes on the given connection.
func (c *Collector) Start(nc *nats.Conn) error {
	sub, err := nc.Subscribe(c.cfg.Subject, c.handle)
	if err != nil {
		return fmt.Errorf("train: subscribe %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub
	c.logger.Info("experience collector started", zap.String("subject", c.cfg.Subject))
	return nil
}

// Stop unsubscribes.
func (c *Collector) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *Collector) handle(msg *nats.Msg) {
	var obs model.StepObservation
	if err := jsonx.Unmarshal(msg.Data, &obs); err != nil {
		c.logger.Warn("dropping malformed experience message", zap.Error(err))
		return
	}
	if tr, ok := c.pair(obs); ok {
		c.trainer.Observe(tr)
	}
}

// pair builds a transition from the previous observation of the same TLS,
// if any, and remembers the new one.
func (c *Collector) pair(obs model.StepObservation) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.prev[obs.TLS]
	c.prev[obs.TLS] = obs
	if !ok {
		return Transition{}, false
	}
	// Samples from a deployment with a different detector layout cannot
	// pair with this trainer's state width.
	if len(prev.Queues)+2 != c.trainer.cfg.InputDim || len(obs.Queues) != len(prev.Queues) {
		c.logger.Warn("dropping experience with mismatched state width",
			zap.String("tls", obs.TLS),
			zap.Int("detectors", len(obs.Queues)))
		return Transition{}, false
	}

	action := dqn.ActionHold
	if obs.Phase != prev.Phase {
		action = dqn.ActionSwitch
	}
	var queueSum float64
	for _, q := range obs.Queues {
		queueSum += float64(q)
	}
	return Transition{
		State:  prev.StateVector(),
		Action: action,
		Reward: -queueSum - c.cfg.PM25Weight*obs.PM25,
		Next:   obs.StateVector(),
	}, true
}
