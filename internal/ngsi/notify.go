package ngsi

import (
	"context"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

// Notification is the body the broker POSTs to a subscription endpoint.
type Notification struct {
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Data           []jsonx.RawMessage `json:"data"`
}

// Envelope is one notified entity with the fields every handler needs
// already probed out. Raw holds the full fragment for typed decoding.
type Envelope struct {
	ID       string
	Type     string
	Observed time.Time
	Raw      jsonx.RawMessage
}

// envelopeProbe pulls id, type and dateObserved without committing to a
// concrete entity type.
type envelopeProbe struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	DateObserved *struct {
		Value struct {
			Value string `json:"@value"`
		} `json:"value"`
	} `json:"dateObserved"`
}

// BatchHandler receives one notification batch after stale filtering.
type BatchHandler func(ctx context.Context, batch []Envelope)

// Receiver is the HTTP handler broker notifications are delivered to.
// Notifications for an entity older than the newest already seen (by
// dateObserved) are discarded, so out-of-order delivery cannot roll the
// loop backwards.
type Receiver struct {
	logger   *zap.Logger
	seen     *lru.Cache[string, time.Time]
	mu       sync.RWMutex
	handlers []BatchHandler
}

// NewReceiver creates a notification receiver. seenSize bounds the
// per-entity timestamp cache.
func NewReceiver(seenSize int, logger *zap.Logger) (*Receiver, error) {
	if seenSize <= 0 {
		seenSize = 1024
	}
	cache, err := lru.New[string, time.Time](seenSize)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		logger: logger.Named("notify"),
		seen:   cache,
	}, nil
}

// OnBatch registers a handler for incoming notification batches. Handlers
// must return quickly; long work belongs on the owning task's queue.
func (r *Receiver) OnBatch(h BatchHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// ServeHTTP parses a notification POST, drops stale or malformed entities
// and hands the remainder to the registered handlers.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var n Notification
	if err := jsonx.Decode(req.Body, &n); err != nil {
		r.logger.Warn("malformed notification body", zap.Error(err))
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}

	batch := make([]Envelope, 0, len(n.Data))
	for _, raw := range n.Data {
		var probe envelopeProbe
		if err := jsonx.Unmarshal(raw, &probe); err != nil || probe.ID == "" || probe.Type == "" {
			r.logger.Warn("dropping unparseable notification entity", zap.Error(err))
			continue
		}
		env := Envelope{ID: probe.ID, Type: probe.Type, Raw: raw}
		if probe.DateObserved != nil {
			t, err := time.Parse(time.RFC3339, probe.DateObserved.Value.Value)
			if err == nil {
				env.Observed = t
			}
		}
		if r.stale(env) {
			r.logger.Debug("dropping stale notification",
				zap.String("entity", env.ID),
				zap.Time("observed", env.Observed))
			continue
		}
		batch = append(batch, env)
	}

	if len(batch) > 0 {
		r.mu.RLock()
		handlers := r.handlers
		r.mu.RUnlock()
		for _, h := range handlers {
			h(req.Context(), batch)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// stale reports whether the envelope is older than the newest observation
// already seen for its entity, and records it otherwise.
func (r *Receiver) stale(env Envelope) bool {
	if env.Observed.IsZero() {
		// Entities without dateObserved (e.g. TrafficLight patches) are
		// never filtered.
		return false
	}
	if last, ok := r.seen.Get(env.ID); ok && env.Observed.Before(last) {
		return true
	}
	r.seen.Add(env.ID, env.Observed)
	return false
}
