package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/sim"
)

type serverFixture struct {
	sim      *fakeSim
	registry *Registry
	router   *mux.Router
}

func newServerFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := testConfig()
	cfg.ScenariosPath = filepath.Join(t.TempDir(), "absent.yaml")
	if mutate != nil {
		mutate(&cfg)
	}

	f := newFakeSim()
	registry := NewRegistry(cfg, f, dqn.New(4, logger), logger)
	srv, err := NewServer(registry, logger)
	require.NoError(t, err)

	router := mux.NewRouter()
	srv.Routes(router)
	return &serverFixture{sim: f, registry: registry, router: router}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestConnectRequiresHostAndPort(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodPost, "/sumo/connect", map[string]interface{}{"host": "sumo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/sumo/connect", map[string]interface{}{"port": 8813})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectInitialisesPhaseControl(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodPost, "/sumo/connect", map[string]interface{}{
		"host": "sumo", "port": 8813, "scenario": "cross-basic",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, "cross-basic", body["scenario"])

	_, ok := fx.registry.FSM("tls4")
	assert.True(t, ok)
	assert.Equal(t, "cross-basic", fx.registry.Scenario())
}

func TestStepAdvancesClockAndReportsState(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/sumo/step", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["time"])
	require.Contains(t, body, "state")
}

func TestStepWhileDisconnectedIs503(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.sim.stepErr = sim.ErrNotConnected

	rec := fx.do(t, http.MethodPost, "/sumo/step", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSetPhaseBeforeConnectConflicts(t *testing.T) {
	fx := newServerFixture(t, nil)
	phase := 2
	rec := fx.do(t, http.MethodPost, "/sumo/set-phase", map[string]interface{}{"phase_index": phase})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetPhaseRequiresPhaseIndex(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/sumo/set-phase", map[string]interface{}{"tls": "tls4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetPhaseDuringMinGreenIsSoftRefusal(t *testing.T) {
	fx := newServerFixture(t, nil)
	require.NoError(t, fx.registry.InitControl(context.Background()))

	rec := fx.do(t, http.MethodPost, "/sumo/set-phase", map[string]interface{}{"phase_index": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["applied"])
	assert.Contains(t, body["reason"], "minimum green")
	assert.Empty(t, fx.sim.setPhases)
}

func TestSetPhaseApplies(t *testing.T) {
	fx := newServerFixture(t, func(cfg *Config) {
		cfg.MinGreen = 0
	})
	require.NoError(t, fx.registry.InitControl(context.Background()))

	rec := fx.do(t, http.MethodPost, "/sumo/set-phase", map[string]interface{}{"phase_index": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["applied"])
}

func TestPhasesEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodGet, "/sumo/phases?tls=tls4", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logic sim.PhaseLogic
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logic))
	assert.Equal(t, 4, len(logic.Phases))
	assert.Equal(t, "GGrr", logic.Phases[0].State)
}

func TestAIControlDefaultsToSmart(t *testing.T) {
	fx := newServerFixture(t, nil)
	require.NoError(t, fx.registry.InitControl(context.Background()))

	rec := fx.do(t, http.MethodPost, "/sumo/ai-control", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "smart", decodeBody(t, rec)["source"])
	assert.Equal(t, SourceSmart, fx.registry.Source())
}

func TestAIControlRejectsUnknownMode(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/sumo/ai-control", map[string]interface{}{"mode": "oracle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, SourceManual, fx.registry.Source())
}

func TestAIStepWithoutAIControlConflicts(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/sumo/ai-step", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAIStepReturnsPerTLSResults(t *testing.T) {
	fx := newServerFixture(t, nil)
	require.NoError(t, fx.registry.InitControl(context.Background()))
	require.NoError(t, fx.registry.EnableSource(context.Background(), SourceSmart))

	rec := fx.do(t, http.MethodPost, "/sumo/ai-step", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results map[string]StepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Contains(t, results, "tls4")
	assert.Equal(t, "hold", results["tls4"].Action)
}

func TestStatusEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)
	require.NoError(t, fx.registry.InitControl(context.Background()))
	fx.registry.SetScenario("cross-basic")

	rec := fx.do(t, http.MethodGet, "/sumo/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "connected", body["simulator"])
	assert.Equal(t, "cross-basic", body["scenario"])
	assert.Equal(t, "manual", body["source"])

	control, ok := body["phase_control"].(map[string]interface{})
	require.True(t, ok)
	entry, ok := control["tls4"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "steady", entry["state"])
	assert.Equal(t, float64(0), entry["phase"])
}

func TestScenariosEndpointEmptyCatalog(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodGet, "/sumo/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestScenariosEndpointListsCatalog(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	fx := newServerFixture(t, func(cfg *Config) {
		cfg.ScenariosPath = path
	})

	rec := fx.do(t, http.MethodGet, "/sumo/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var scenarios []Scenario
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scenarios))
	require.Len(t, scenarios, 2)
	assert.Equal(t, "cross-basic", scenarios[0].Name)
}

func TestStartRejectsUnknownScenario(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/sumo/start", map[string]interface{}{"scenario": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartLaunchesViaHelper(t *testing.T) {
	var helperReq map[string]interface{}
	helper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&helperReq))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"host": "sumo-host", "port": 9001})
	}))
	defer helper.Close()

	path := writeCatalog(t, catalogYAML)
	fx := newServerFixture(t, func(cfg *Config) {
		cfg.ScenariosPath = path
		cfg.LauncherURL = helper.URL
	})

	rec := fx.do(t, http.MethodPost, "/sumo/start", map[string]interface{}{
		"scenario": "cross-basic", "gui": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "started", decodeBody(t, rec)["status"])

	require.NotNil(t, helperReq)
	assert.Equal(t, "cross-basic", helperReq["scenario"])
	assert.Equal(t, "scenarios/cross/cross.sumocfg", helperReq["config"])
	assert.Equal(t, true, helperReq["gui"])
	assert.Equal(t, float64(8813), helperReq["port"])

	assert.Equal(t, "cross-basic", fx.registry.Scenario())
	_, ok := fx.registry.FSM("tls4")
	assert.True(t, ok)
}

func TestStateEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.sim.simTime = 12

	rec := fx.do(t, http.MethodGet, "/sumo/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state sim.TrafficState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, float64(12), state.SimTime)
	assert.Equal(t, 9, state.VehicleCount)
}
