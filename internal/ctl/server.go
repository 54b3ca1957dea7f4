package ctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/fsm"
	"github.com/adaptive-traffic-control/internal/jsonx"
	"github.com/adaptive-traffic-control/internal/sim"
)

// Server is the HTTP facade of the orchestrator.
type Server struct {
	registry  *Registry
	scenarios []Scenario
	logger    *zap.Logger
	http      *http.Client // used for the host-side launch helper
}

// NewServer creates the facade and loads the scenario catalog.
func NewServer(registry *Registry, logger *zap.Logger) (*Server, error) {
	scenarios, err := LoadScenarios(registry.cfg.ScenariosPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		registry:  registry,
		scenarios: scenarios,
		logger:    logger.Named("http"),
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Routes registers every endpoint on the router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/sumo/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/sumo/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/sumo/step", s.handleStep).Methods(http.MethodPost)
	r.HandleFunc("/sumo/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/sumo/set-phase", s.handleSetPhase).Methods(http.MethodPost)
	r.HandleFunc("/sumo/phases", s.handlePhases).Methods(http.MethodGet)
	r.HandleFunc("/sumo/ai-control", s.handleAIControl).Methods(http.MethodPost)
	r.HandleFunc("/sumo/ai-step", s.handleAIStep).Methods(http.MethodPost)
	r.HandleFunc("/sumo/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sumo/scenarios", s.handleScenarios).Methods(http.MethodGet)
	r.HandleFunc("/sumo/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, sim.ErrNotConnected) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleConnect(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Scenario string `json:"scenario"`
	}
	if err := jsonx.Decode(req.Body, &body); err != nil || body.Host == "" || body.Port == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host and port are required"})
		return
	}
	if err := s.registry.Sim().Connect(req.Context(), body.Host, body.Port); err != nil {
		s.writeError(w, err)
		return
	}
	s.registry.SetScenario(body.Scenario)
	if err := s.registry.InitControl(req.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "connected",
		"scenario": body.Scenario,
	})
}

// handleStart launches a simulator: first through the host-side helper,
// then falling back to a headless local spawn, and connects to whichever
// came up.
func (s *Server) handleStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Scenario string `json:"scenario"`
		GUI      bool   `json:"gui"`
		Port     int    `json:"port"`
	}
	if err := jsonx.Decode(req.Body, &body); err != nil || body.Scenario == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scenario is required"})
		return
	}
	if body.Port == 0 {
		body.Port = 8813
	}
	scenario, ok := findScenario(s.scenarios, body.Scenario)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown scenario " + body.Scenario})
		return
	}

	host, port, err := s.launchViaHelper(req.Context(), scenario, body.GUI, body.Port)
	if err == nil {
		if err := s.registry.Sim().Connect(req.Context(), host, port); err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		s.logger.Warn("host-side launch failed, falling back to local headless", zap.Error(err))
		opts := sim.LaunchOptions{
			Binary:     s.registry.cfg.FallbackBinary,
			ConfigPath: scenario.ConfigPath,
			Port:       body.Port,
			StepLength: scenario.StepLength,
		}
		if err := s.registry.Sim().Start(req.Context(), opts); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.registry.SetScenario(scenario.Name)
	if err := s.registry.InitControl(req.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "started",
		"scenario": scenario.Name,
	})
}

// launchViaHelper asks the host-side helper to spawn the simulator and
// returns the resulting control endpoint.
func (s *Server) launchViaHelper(ctx context.Context, scenario Scenario, gui bool, port int) (string, int, error) {
	if s.registry.cfg.LauncherURL == "" {
		return "", 0, errors.New("no launcher helper configured")
	}
	payload, err := jsonx.Marshal(map[string]interface{}{
		"scenario": scenario.Name,
		"config":   scenario.ConfigPath,
		"gui":      gui,
		"port":     port,
	})
	if err != nil {
		return "", 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.registry.cfg.LauncherURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("launcher helper returned %d", resp.StatusCode)
	}
	var out struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := jsonx.Decode(resp.Body, &out); err != nil {
		return "", 0, err
	}
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port == 0 {
		out.Port = port
	}
	return out.Host, out.Port, nil
}

func (s *Server) handleStep(w http.ResponseWriter, req *http.Request) {
	t, err := s.registry.Sim().Step(req.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Advance any running clearings alongside the simulation clock.
	for _, tlsID := range s.registry.cfg.TLSIDs {
		if m, ok := s.registry.FSM(tlsID); ok {
			if err := m.Tick(req.Context()); err != nil {
				s.logger.Warn("fsm tick failed", zap.String("tls", tlsID), zap.Error(err))
			}
		}
	}
	resp := map[string]interface{}{"time": t}
	if len(s.registry.cfg.TLSIDs) > 0 {
		if state, err := s.registry.Sim().GetTrafficState(req.Context(), s.registry.cfg.TLSIDs[0]); err == nil {
			resp["state"] = state
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tlsFromQuery(req *http.Request) (string, error) {
	if q := req.URL.Query().Get("tls"); q != "" {
		return q, nil
	}
	if len(s.registry.cfg.TLSIDs) == 0 {
		return "", errors.New("no traffic light configured")
	}
	return s.registry.cfg.TLSIDs[0], nil
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	tlsID, err := s.tlsFromQuery(req)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	state, err := s.registry.Sim().GetTrafficState(req.Context(), tlsID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSetPhase(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PhaseIndex *int   `json:"phase_index"`
		TLS        string `json:"tls"`
	}
	if err := jsonx.Decode(req.Body, &body); err != nil || body.PhaseIndex == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phase_index is required"})
		return
	}
	tlsID := body.TLS
	if tlsID == "" {
		var err error
		if tlsID, err = s.tlsFromQuery(req); err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
	}
	machine, ok := s.registry.FSM(tlsID)
	if !ok {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "phase control not initialised; connect first"})
		return
	}

	err := machine.RequestPhase(req.Context(), *body.PhaseIndex)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"applied": true,
			"phase":   *body.PhaseIndex,
		})
	case errors.Is(err, fsm.ErrTooSoon):
		// Soft failure: the request is refused, not an error.
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"applied": false,
			"reason":  err.Error(),
		})
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handlePhases(w http.ResponseWriter, req *http.Request) {
	tlsID, err := s.tlsFromQuery(req)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	logic, err := s.registry.Sim().GetPhaseLogic(req.Context(), tlsID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logic)
}

func (s *Server) handleAIControl(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := jsonx.Decode(req.Body, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if body.Mode == "" {
		body.Mode = string(SourceSmart)
	}
	if err := s.registry.EnableSource(req.Context(), DecisionSource(body.Mode)); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"source": body.Mode})
}

func (s *Server) handleAIStep(w http.ResponseWriter, req *http.Request) {
	results, err := s.registry.AIStep(req.Context())
	if err != nil {
		if errors.Is(err, sim.ErrNotConnected) {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"simulator": string(s.registry.Sim().Status()),
		"scenario":  s.registry.Scenario(),
		"source":    string(s.registry.Source()),
		"sim_time":  s.registry.Sim().SimTime(),
	}
	fsms := map[string]interface{}{}
	for _, tlsID := range s.registry.cfg.TLSIDs {
		if m, ok := s.registry.FSM(tlsID); ok {
			switch st := m.State().(type) {
			case fsm.Steady:
				fsms[tlsID] = map[string]interface{}{"state": "steady", "phase": st.Phase}
			case fsm.Clearing:
				fsms[tlsID] = map[string]interface{}{"state": "clearing", "from": st.From, "to": st.To}
			}
		}
	}
	status["phase_control"] = fsms
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	if s.scenarios == nil {
		s.writeJSON(w, http.StatusOK, []Scenario{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.scenarios)
}
