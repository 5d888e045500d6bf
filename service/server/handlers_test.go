package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/metrics"
	natspkg "github.com/brojonat/tokenflow/service/nats"
	"github.com/brojonat/tokenflow/service/temporal"
	"github.com/brojonat/tokenflow/service/trace"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	protocol    = "0x00000000000000000000000000000000000000f0"
	relay       = "0x00000000000000000000000000000000000000a1"
	beneficiary = "0x00000000000000000000000000000000000000b1"
	small       = "0x00000000000000000000000000000000000000b2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixtureEngine(t *testing.T) *analyzer.Engine {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src := transfers.NewMemory()
	src.Add("proto",
		ledger.TransferRecord{Timestamp: base, TxHash: "0x01", From: protocol, To: relay, RawAmount: "1000"},
		ledger.TransferRecord{Timestamp: base, TxHash: "0x02", From: protocol, To: small, RawAmount: "3"},
		ledger.TransferRecord{Timestamp: base.Add(time.Minute), TxHash: "0x03", From: relay, To: beneficiary, RawAmount: "950"},
	)
	walker := trace.NewWalker(src, trace.DefaultConfig(), nil, nil, nil)
	return analyzer.NewEngine(src, nil, walker, analyzer.Config{}, nil, nil)
}

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, address string) (*analyzer.Result, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*analyzer.Result), args.Error(1)
}

func TestHandleAnalyze(t *testing.T) {
	pub := natspkg.NewMockPublisher()
	handler := handleAnalyze(fixtureEngine(t), pub, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"protocol_addr":"`+protocol+`"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, protocol, body["protocol"])
	assert.Equal(t, "complete", body["status"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, "1003", summary["totalAmountDistributed"])
	assert.EqualValues(t, 2, summary["totalBeneficiaries"])
	assert.EqualValues(t, 1, summary["totalIntermediaries"])

	require.Len(t, pub.GetPublishedEventsForProtocol(protocol), 1)
}

func TestHandleAnalyze_PublishFailureStillResponds(t *testing.T) {
	pub := natspkg.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	handler := handleAnalyze(fixtureEngine(t), pub, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"protocol_addr":"`+protocol+`"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleAnalyze_PathologicalInput(t *testing.T) {
	handler := handleAnalyze(fixtureEngine(t), nil, testLogger())

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{name: "empty body", body: "", wantError: "request body is required"},
		{name: "not json", body: "protocol", wantError: "invalid request body"},
		{name: "missing address", body: `{}`, wantError: "protocol_addr is required"},
		{name: "unknown field", body: `{"protocol_addr":"` + protocol + `","extra":1}`, wantError: "invalid request body"},
		{name: "no prefix", body: `{"protocol_addr":"00` + protocol[2:] + `"}`, wantError: "must start with 0x"},
		{name: "too short", body: `{"protocol_addr":"0x1234"}`, wantError: "must be 42 characters"},
		{name: "too long", body: `{"protocol_addr":"` + protocol + `ff"}`, wantError: "must be 42 characters"},
		{name: "not hex", body: `{"protocol_addr":"0x` + strings.Repeat("g", 40) + `"}`, wantError: "must be hexadecimal"},
		{name: "oversized body", body: `{"protocol_addr":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, wantError: "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body["error"], tt.wantError)
		})
	}
}

func TestHandleAnalyze_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "invalid input", err: fmt.Errorf("%w: bad", ledger.ErrInvalidInput), wantStatus: http.StatusBadRequest, wantError: "bad"},
		{name: "store unavailable", err: fmt.Errorf("failed: %w", ledger.ErrStoreUnavailable), wantStatus: http.StatusServiceUnavailable, wantError: "transfer store unavailable"},
		{name: "anything else", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantError: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := new(MockAnalyzer)
			a.On("Analyze", mock.Anything, protocol).Return(nil, tt.err)
			handler := handleAnalyze(a, nil, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"protocol_addr":"`+protocol+`"}`))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantError)
			a.AssertExpectations(t)
		})
	}
}

func TestHandleExportCSV(t *testing.T) {
	srv := New(":0", fixtureEngine(t), nil, testLogger())
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyze/"+protocol+"/beneficiaries.csv", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "complete", w.Header().Get("X-Analysis-Status"))
	assert.Equal(t, "address,amount\n"+beneficiary+",950\n"+small+",3\n", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/analyze/"+protocol+"/intermediaries.csv", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "address,amount\n"+relay+",1000\n", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/analyze/0xnope/beneficiaries.csv", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) StartAnalysis(ctx context.Context, input temporal.AnalyzeProtocolInput) (string, string, error) {
	args := m.Called(ctx, input)
	return args.String(0), args.String(1), args.Error(2)
}

func TestHandleStartAnalysis(t *testing.T) {
	starter := new(MockStarter)
	starter.On("StartAnalysis", mock.Anything, temporal.AnalyzeProtocolInput{ProtocolAddress: protocol, Publish: true}).
		Return("analyze-"+protocol, "run-1", nil)

	srv := New(":0", fixtureEngine(t), nil, testLogger()).WithWorkflows(starter)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/analyze",
		strings.NewReader(`{"protocol_addr":"`+protocol+`","publish":true}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var body workflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	starter.AssertExpectations(t)
}

func TestHandleListPartitions(t *testing.T) {
	mem := transfers.NewMemory()
	mem.Add("proto", ledger.TransferRecord{Timestamp: time.Now(), TxHash: "0x01", From: protocol, To: relay, RawAmount: "1"})

	srv := New(":0", fixtureEngine(t), nil, testLogger()).WithPartitions(mem)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/partitions", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"proto"`)
}

func TestServerRoutes(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	handler := New(":0", fixtureEngine(t), m, testLogger()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/analyze", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows/analyze", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "workflow route disabled without a starter")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
