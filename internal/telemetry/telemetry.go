// Package telemetry exposes the acquisition pipeline's operational
// counters as Prometheus metrics, and a dedicated /metrics HTTP handler.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	blocksProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_blocks_processed_total",
		Help: "Total board read blocks processed by the acquisition runner.",
	})
	samplesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_samples_read_total",
		Help: "Total per-channel samples read off the board.",
	})
	samplesEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_samples_enqueued_total",
		Help: "Total samples handed to sinks.",
	})
	samplesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_samples_sent_total",
		Help: "Total samples successfully written by the database sink.",
	})
	httpRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_http_retries_total",
		Help: "Total retried database sink write attempts.",
	})
	httpRetryLinesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_http_retry_lines_total",
		Help: "Total line-protocol lines carried by retried write attempts.",
	})
	queueOverrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_queue_overruns_total",
		Help: "Total times the database sink's bounded queue was full on enqueue.",
	})
	droppedSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_dropped_samples_total",
		Help: "Total samples dropped due to queue overrun or unrecoverable send failure.",
	})
	hardwareOverrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqedge_hardware_overruns_total",
		Help: "Total board read calls that reported a hardware or buffer overrun.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daqedge_database_sink_queue_depth",
		Help: "Current number of line-protocol lines buffered in the database sink's queue.",
	})
)

func init() {
	prometheus.MustRegister(
		blocksProcessedTotal,
		samplesReadTotal,
		samplesEnqueuedTotal,
		samplesSentTotal,
		httpRetriesTotal,
		httpRetryLinesTotal,
		queueOverrunsTotal,
		droppedSamplesTotal,
		hardwareOverrunsTotal,
		queueDepth,
	)
}

// Recorder is the write side of the acquisition pipeline's metrics: every
// counter from the original accumulator, backed by Prometheus instead of
// a periodic JSON log line.
type Recorder struct{}

// NewRecorder returns a Recorder writing to the package's registered
// Prometheus collectors.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordBlock accounts for one board read block of blockLen samples
// across channelCount channels.
func (r *Recorder) RecordBlock(blockLen, channelCount int) {
	if blockLen < 0 {
		blockLen = 0
	}
	if channelCount < 0 {
		channelCount = 0
	}
	total := float64(blockLen * channelCount)
	blocksProcessedTotal.Inc()
	samplesReadTotal.Add(total)
	samplesEnqueuedTotal.Add(total)
}

// IncrementSamplesSent accounts for count samples successfully written.
func (r *Recorder) IncrementSamplesSent(count int) {
	if count <= 0 {
		return
	}
	samplesSentTotal.Add(float64(count))
}

// IncrementHTTPRetry accounts for one retried write attempt carrying
// retriedLines lines.
func (r *Recorder) IncrementHTTPRetry(retriedLines int) {
	httpRetriesTotal.Inc()
	if retriedLines > 0 {
		httpRetryLinesTotal.Add(float64(retriedLines))
	}
}

// ReportQueueOverrun accounts for one queue-full event that dropped
// dropped samples.
func (r *Recorder) ReportQueueOverrun(dropped int) {
	queueOverrunsTotal.Inc()
	if dropped > 0 {
		droppedSamplesTotal.Add(float64(dropped))
	}
}

// IncrementDroppedSamples accounts for count samples dropped outside a
// queue-overrun event (e.g. an unrecoverable send failure).
func (r *Recorder) IncrementDroppedSamples(count int) {
	if count <= 0 {
		return
	}
	droppedSamplesTotal.Add(float64(count))
}

// IncrementHardwareOverrun accounts for one board read that reported a
// hardware or buffer overrun.
func (r *Recorder) IncrementHardwareOverrun() {
	hardwareOverrunsTotal.Inc()
}

// SetQueueDepth reports the database sink's current queue occupancy.
func (r *Recorder) SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// Handler returns the http.Handler serving /metrics in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeMux returns a dedicated mux exposing only /metrics, suitable for
// a standalone metrics listener the way the reference implementation's
// churn module starts one when MetricsAddr is set.
func ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return mux
}

// ListenAndServe starts a dedicated metrics HTTP server on addr in a
// background goroutine. Errors are delivered on the returned channel;
// callers that don't care can discard it.
func ListenAndServe(addr string) <-chan error {
	errCh := make(chan error, 1)
	server := &http.Server{Addr: addr, Handler: ServeMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		errCh <- server.ListenAndServe()
	}()
	return errCh
}
