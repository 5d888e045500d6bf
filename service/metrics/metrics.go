package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application. It is passed
// explicitly to every component that records metrics; components accept a
// nil *Metrics and skip recording.
type Metrics struct {
	// Analysis run metrics
	analysisRunsTotal   *prometheus.CounterVec
	analysisRunDuration *prometheus.HistogramVec
	addressesClassified *prometheus.CounterVec
	walkHops            *prometheus.HistogramVec
	recordsSkippedTotal *prometheus.CounterVec

	// Transfer store metrics
	storeQueryDuration *prometheus.HistogramVec
	storeQueriesTotal  *prometheus.CounterVec
	storeRetriesTotal  *prometheus.CounterVec

	// Rewards API metrics
	campaignAPICallsTotal   *prometheus.CounterVec
	campaignAPICallDuration *prometheus.HistogramVec
	campaignAPIRetriesTotal *prometheus.CounterVec
	campaignsFetchedTotal   *prometheus.CounterVec

	// Workflow metrics
	workflowDuration *prometheus.HistogramVec
	activityDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		analysisRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analysis_runs_total",
				Help: "Total number of protocol analysis runs by outcome",
			},
			[]string{"status"},
		),
		analysisRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analysis_run_duration_seconds",
				Help:    "Wall-clock duration of protocol analysis runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		addressesClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walker_addresses_classified_total",
				Help: "Total number of addresses classified by the relay walker",
			},
			[]string{"role"},
		),
		walkHops: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walker_hops",
				Help:    "Number of hop levels visited per walk",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"partial"},
		),
		recordsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_skipped_total",
				Help: "Total number of transfer or campaign records skipped",
			},
			[]string{"source", "reason"},
		),

		storeQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_query_duration_seconds",
				Help:    "Duration of transfer store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),
		storeQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_queries_total",
				Help: "Total number of transfer store queries",
			},
			[]string{"operation", "status"},
		),
		storeRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_retries_total",
				Help: "Total number of transfer store retry attempts",
			},
			[]string{"operation"},
		),

		campaignAPICallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_api_calls_total",
				Help: "Total number of rewards API calls by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		campaignAPICallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaign_api_call_duration_seconds",
				Help:    "Duration of rewards API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		campaignAPIRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_api_retries_total",
				Help: "Total number of rewards API retry attempts",
			},
			[]string{"endpoint", "reason"},
		),
		campaignsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigns_fetched_total",
				Help: "Total number of campaigns fetched by completeness",
			},
			[]string{"complete"},
		),

		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analysis_workflow_duration_seconds",
				Help:    "Duration of analysis workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analysis_activity_duration_seconds",
				Help:    "Duration of analysis workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"activity"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"status"},
		),
	}
}

// Analysis metric helpers

// RecordAnalysisRun records one finished analysis run.
func (m *Metrics) RecordAnalysisRun(status string, duration float64) {
	m.analysisRunsTotal.WithLabelValues(status).Inc()
	m.analysisRunDuration.WithLabelValues(status).Observe(duration)
}

// RecordClassified records one address classification.
func (m *Metrics) RecordClassified(role string) {
	m.addressesClassified.WithLabelValues(role).Inc()
}

// RecordWalkHops records how many hop levels a walk visited.
func (m *Metrics) RecordWalkHops(hops int, partial bool) {
	label := "false"
	if partial {
		label = "true"
	}
	m.walkHops.WithLabelValues(label).Observe(float64(hops))
}

// RecordRecordsSkipped records skipped records by source and reason.
func (m *Metrics) RecordRecordsSkipped(source, reason string, count int) {
	if count <= 0 {
		return
	}
	m.recordsSkippedTotal.WithLabelValues(source, reason).Add(float64(count))
}

// Store metric helpers

// RecordStoreQuery records a transfer store query with duration.
func (m *Metrics) RecordStoreQuery(operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storeQueryDuration.WithLabelValues(operation).Observe(duration)
	m.storeQueriesTotal.WithLabelValues(operation, status).Inc()
}

// RecordStoreRetry records a store retry attempt.
func (m *Metrics) RecordStoreRetry(operation string) {
	m.storeRetriesTotal.WithLabelValues(operation).Inc()
}

// Rewards API metric helpers

// RecordCampaignAPICall records a rewards API call.
func (m *Metrics) RecordCampaignAPICall(endpoint string, statusCode int, duration float64) {
	m.campaignAPICallsTotal.WithLabelValues(endpoint, statusCodeToString(statusCode)).Inc()
	m.campaignAPICallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordCampaignAPIRetry records a rewards API retry attempt.
func (m *Metrics) RecordCampaignAPIRetry(endpoint, reason string) {
	m.campaignAPIRetriesTotal.WithLabelValues(endpoint, reason).Inc()
}

// RecordCampaignsFetched records the campaigns returned by one fetch.
func (m *Metrics) RecordCampaignsFetched(count int, complete bool) {
	label := "true"
	if !complete {
		label = "false"
	}
	m.campaignsFetchedTotal.WithLabelValues(label).Add(float64(count))
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.workflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(status).Inc()
	m.natsPublishDuration.WithLabelValues(status).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code == 0:
		return "transport_error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code == 429:
		return "429"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
