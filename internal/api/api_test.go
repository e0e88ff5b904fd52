package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/sink"
	"github.com/septivank/meter-tariff-worker/internal/supervisor"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 12, 29, 12, 0, 0, 0, time.UTC)

type fakeHealth struct {
	units []supervisor.UnitStatus
	depth int
}

func (f fakeHealth) Units() []supervisor.UnitStatus { return f.units }
func (f fakeHealth) QueueDepth() int                { return f.depth }

// failingSink fails every write with err
type failingSink struct{ err error }

func (f failingSink) Name() string { return "failing" }
func (f failingSink) WriteReading(context.Context, model.MeterReading) error {
	return f.err
}
func (f failingSink) WriteTariff(context.Context, model.MeterTariffCharge) error {
	return f.err
}
func (f failingSink) Close() error { return nil }

func newTestServer(s sink.Sink, reader sink.Reader, health Health) http.Handler {
	h := NewHandler(s, reader, validator.NewValidator(5), health, zap.NewNop())
	h.now = func() time.Time { return testNow }
	return NewRouter(h, zap.NewNop())
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndReadBackThroughMemorySink(t *testing.T) {
	mem := sink.NewMemory()
	srv := newTestServer(mem, mem, fakeHealth{})

	for i, v := range []float64{1200, -300} {
		rec := do(t, srv, http.MethodPost, "/api/v1/meter-readings", model.MeterReading{
			Time:    testNow.Add(time.Duration(i) * time.Minute).Add(-time.Hour).UnixMilli(),
			Source:  "inverter",
			ID:      "grid",
			Reading: v,
			Unit:    "W",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	}

	charge := model.MeterTariffCharge{
		Time: testNow.UnixMilli(), ID: "grid", Name: "import", Amount: 0.42,
		TariffLabel: "0.30", Tax: "5%", RateID: "peak", Type: model.TariffExpense, Source: "grid",
	}
	rec := do(t, srv, http.MethodPost, "/api/v1/meter-tariffs", charge)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var echoed model.MeterTariffCharge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echoed))
	assert.Equal(t, charge, echoed)

	rec = do(t, srv, http.MethodGet, "/api/v1/meter-readings/grid?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var readings struct {
		ID      string               `json:"id"`
		Count   int                  `json:"count"`
		Records []model.MeterReading `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	assert.Equal(t, "grid", readings.ID)
	require.Equal(t, 1, readings.Count)
	assert.Equal(t, -300.0, readings.Records[0].Reading, "newest first")

	rec = do(t, srv, http.MethodGet, "/api/v1/meter-tariffs/grid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tariffs struct {
		Count   int                       `json:"count"`
		Records []model.MeterTariffCharge `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tariffs))
	assert.Equal(t, 1, tariffs.Count)
	assert.Equal(t, charge, tariffs.Records[0])
}

func TestCreateMeterReading_Invalid(t *testing.T) {
	mem := sink.NewMemory()
	srv := newTestServer(mem, mem, fakeHealth{})

	tests := map[string]any{
		"malformed json": `{"id":`,
		"missing unit": model.MeterReading{
			Time: testNow.UnixMilli(), Source: "inverter", ID: "grid", Reading: 1,
		},
		"far future": model.MeterReading{
			Time: testNow.Add(time.Hour).UnixMilli(), Source: "inverter", ID: "grid", Reading: 1, Unit: "W",
		},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/v1/meter-readings", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	readings, _ := mem.Len()
	assert.Zero(t, readings)
}

func TestCreateMeterTariff_Invalid(t *testing.T) {
	mem := sink.NewMemory()
	srv := newTestServer(mem, mem, fakeHealth{})

	rec := do(t, srv, http.MethodPost, "/api/v1/meter-tariffs", model.MeterTariffCharge{
		Time: testNow.UnixMilli(), ID: "grid", Name: "import", Type: "rebate",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown tariff type")
}

func TestCreate_SinkFailures(t *testing.T) {
	reading := model.MeterReading{Time: testNow.UnixMilli(), Source: "inverter", ID: "grid", Reading: 1, Unit: "W"}

	rec := do(t, newTestServer(failingSink{sink.Transient(errors.New("connection refused"))}, nil, fakeHealth{}),
		http.MethodPost, "/api/v1/meter-readings", reading)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, newTestServer(failingSink{sink.Permanent(errors.New("column missing"))}, nil, fakeHealth{}),
		http.MethodPost, "/api/v1/meter-readings", reading)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReadBack_NoReaderAndBadLimit(t *testing.T) {
	srv := newTestServer(failingSink{}, nil, fakeHealth{})
	rec := do(t, srv, http.MethodGet, "/api/v1/meter-readings/grid", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	mem := sink.NewMemory()
	srv = newTestServer(mem, mem, fakeHealth{})
	rec = do(t, srv, http.MethodGet, "/api/v1/meter-readings/grid?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(failingSink{}, nil, fakeHealth{
		units: []supervisor.UnitStatus{{Name: "writer", Alive: true}},
		depth: 3,
	})
	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     string                  `json:"status"`
		QueueDepth int                     `json:"queue_depth"`
		Units      []supervisor.UnitStatus `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.QueueDepth)

	srv = newTestServer(failingSink{}, nil, fakeHealth{
		units: []supervisor.UnitStatus{{Name: "inverter", Alive: false, Error: "socket closed"}},
	})
	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(failingSink{}, nil, fakeHealth{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(failingSink{}, nil, fakeHealth{})
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
