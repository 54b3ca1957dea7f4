package ngsi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func postNotification(t *testing.T, r *Receiver, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func flowEntity(id, observed string) string {
	return `{"id":"` + id + `","type":"TrafficFlowObserved",` +
		`"dateObserved":{"type":"Property","value":{"@type":"DateTime","@value":"` + observed + `"}}}`
}

func TestReceiverDeliversBatch(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got []Envelope
	r.OnBatch(func(_ context.Context, batch []Envelope) { got = batch })

	w := postNotification(t, r, `{"subscriptionId":"urn:ngsi-ld:Subscription:abc","data":[`+
		flowEntity("urn:ngsi-ld:TrafficFlowObserved:tls4", "2024-05-14T09:00:00Z")+`]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, got, 1)
	assert.Equal(t, "urn:ngsi-ld:TrafficFlowObserved:tls4", got[0].ID)
	assert.Equal(t, "TrafficFlowObserved", got[0].Type)
	assert.Equal(t, 2024, got[0].Observed.Year())
}

func TestReceiverDiscardsStaleNotifications(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	var batches int
	r.OnBatch(func(_ context.Context, batch []Envelope) { batches += len(batch) })

	postNotification(t, r, `{"data":[`+flowEntity("urn:x", "2024-05-14T09:00:05Z")+`]}`)
	// An older observation for the same entity arrives late.
	w := postNotification(t, r, `{"data":[`+flowEntity("urn:x", "2024-05-14T09:00:01Z")+`]}`)
	assert.Equal(t, http.StatusOK, w.Code, "stale data is dropped, not an error")
	assert.Equal(t, 1, batches)

	// A newer one goes through.
	postNotification(t, r, `{"data":[`+flowEntity("urn:x", "2024-05-14T09:00:09Z")+`]}`)
	assert.Equal(t, 2, batches)
}

func TestReceiverNeverFiltersEntitiesWithoutDateObserved(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	var batches int
	r.OnBatch(func(_ context.Context, batch []Envelope) { batches += len(batch) })

	light := `{"id":"urn:ngsi-ld:TrafficLight:tls4","type":"TrafficLight","forcePhase":{"type":"Property","value":2}}`
	postNotification(t, r, `{"data":[`+light+`]}`)
	postNotification(t, r, `{"data":[`+light+`]}`)
	assert.Equal(t, 2, batches)
}

func TestReceiverRejectsMalformedBody(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)
	w := postNotification(t, r, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiverSkipsUnparseableEntities(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got []Envelope
	r.OnBatch(func(_ context.Context, batch []Envelope) { got = batch })

	postNotification(t, r, `{"data":[{"type":"NoID"},`+
		flowEntity("urn:ok", "2024-05-14T09:00:00Z")+`]}`)
	require.Len(t, got, 1)
	assert.Equal(t, "urn:ok", got[0].ID)
}

func TestReceiverMethodNotAllowed(t *testing.T) {
	r, err := NewReceiver(16, zaptest.NewLogger(t))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/notify", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
