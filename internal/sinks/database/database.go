// Package database implements the database Sink: a bounded-queue,
// background-worker sender that batches line-protocol lines and writes
// them to an InfluxDB v2 HTTP write endpoint, retrying transient
// failures with exponential backoff and jitter.
package database

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/lineprotocol"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
	"github.com/multiverse-hardware-labs/daqedge/internal/telemetry"
)

// bodyTruncateLimit is how many characters of a failed response body get
// logged before truncation.
const bodyTruncateLimit = 512

// Sink writes calibrated samples to an InfluxDB v2 bucket. HandleSample
// only enqueues; a background worker goroutine drains the queue in
// batches and performs the HTTP write, so a slow or unavailable database
// never blocks the acquisition loop.
type Sink struct {
	Settings config.Storage
	Client   *http.Client
	Logger   *log.Logger
	Metrics  *telemetry.Recorder

	writeURL string
	queue    chan string

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a database Sink from storage settings. Call Open before
// HandleSample.
func New(settings config.Storage) *Sink {
	return &Sink{
		Settings: settings,
		Client:   &http.Client{},
		Logger:   log.Default(),
		Metrics:  telemetry.NewRecorder(),
	}
}

// Open starts the background drain/send worker. Idempotent.
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.writeURL = fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		strings.TrimRight(s.Settings.URL, "/"), s.Settings.Org, s.Settings.Bucket)
	s.queue = make(chan string, s.Settings.QueueMaxSize)
	s.done = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.worker()
	return nil
}

// HandleSample encodes sample s to line protocol and enqueues it,
// dropping the oldest queued line if the queue is full.
func (s *Sink) HandleSample(sm sample.Sample) error {
	line := lineprotocol.Encode(sm)
	s.enqueueLine(line, "handle_sample")
	return nil
}

// Close stops the worker, waits for it to drain, and releases the HTTP
// client's idle connections. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.Client.CloseIdleConnections()
	return nil
}

func (s *Sink) enqueueLine(line, context string) {
	select {
	case s.queue <- line:
		s.Metrics.SetQueueDepth(len(s.queue))
		return
	default:
	}
	s.handleQueueFull(line, context)
}

// handleQueueFull implements the original sender's overflow policy:
// repeatedly drop the oldest queued line to make room, until the new
// line fits or the queue is observed empty (a benign race with the
// worker, in which case the new line is simply dropped).
func (s *Sink) handleQueueFull(line, context string) {
	s.Metrics.ReportQueueOverrun(1)
	for {
		select {
		case s.queue <- line:
			return
		default:
		}
		select {
		case <-s.queue:
			s.Logger.Printf("database sink: queue full during %s; dropping oldest line to relieve congestion", context)
		default:
			s.Logger.Printf("database sink: queue overflow during %s but queue observed empty; dropping line", context)
			s.Metrics.IncrementDroppedSamples(1)
			s.Logger.Printf("database sink: dropped line: %s", spew.Sdump(line))
			return
		}
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.drainRemaining()
			return
		default:
		}

		lines := s.drainBatch()
		if len(lines) == 0 {
			continue
		}
		if !s.sendWithRetries(lines) {
			s.Logger.Printf("database sink: dropping %d lines after exhausting retries", len(lines))
			s.Metrics.IncrementDroppedSamples(len(lines))
		} else {
			s.Metrics.IncrementSamplesSent(len(lines))
		}
	}
}

// drainRemaining flushes whatever is left in the queue once Close has
// been requested, best-effort, without blocking indefinitely.
func (s *Sink) drainRemaining() {
	for {
		lines := s.drainBatchNonBlocking()
		if len(lines) == 0 {
			return
		}
		if !s.sendWithRetries(lines) {
			s.Logger.Printf("database sink: dropping %d lines on shutdown after exhausting retries", len(lines))
			s.Metrics.IncrementDroppedSamples(len(lines))
		} else {
			s.Metrics.IncrementSamplesSent(len(lines))
		}
	}
}

// drainBatch blocks up to one second for the first line, then drains up
// to BatchSize-1 more without blocking.
func (s *Sink) drainBatch() []string {
	var lines []string
	select {
	case line := <-s.queue:
		lines = append(lines, line)
	case <-time.After(time.Second):
		return nil
	}
	for len(lines) < s.Settings.BatchSize {
		select {
		case line := <-s.queue:
			lines = append(lines, line)
		default:
			return lines
		}
	}
	return lines
}

func (s *Sink) drainBatchNonBlocking() []string {
	var lines []string
	for len(lines) < s.Settings.BatchSize {
		select {
		case line := <-s.queue:
			lines = append(lines, line)
		default:
			return lines
		}
	}
	return lines
}

// sendWithRetries POSTs lines as one newline-joined batch, retrying
// transient transport errors and retriable HTTP statuses with
// exponential backoff plus jitter, up to Settings.Retry.MaxAttempts.
func (s *Sink) sendWithRetries(lines []string) bool {
	data := strings.Join(lines, "\n")
	maxAttempts := s.Settings.Retry.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, s.writeURL, bytes.NewReader([]byte(data)))
		if err != nil {
			s.Logger.Printf("database sink: building request: %v", err)
			return false
		}
		req.Header.Set("Authorization", "Token "+s.Settings.Token)

		resp, err := s.Client.Do(req)
		if err != nil {
			if attempt == maxAttempts {
				s.Logger.Printf("database sink: write failed after %d/%d attempts (%v)", attempt, maxAttempts, err)
				return false
			}
			delay := s.computeBackoff(attempt)
			s.Logger.Printf("database sink: write attempt %d/%d raised %v; retrying in %s", attempt, maxAttempts, err, delay)
			s.Metrics.IncrementHTTPRetry(len(lines))
			time.Sleep(delay)
			continue
		}

		status := resp.StatusCode
		if status < 300 {
			resp.Body.Close()
			if attempt > 1 {
				s.Logger.Printf("database sink: write succeeded after %d attempts", attempt)
			}
			return true
		}

		body := extractBody(resp.Body)
		resp.Body.Close()
		shouldRetry := lineprotocol.RetriableStatus[status] || status >= 500

		if !shouldRetry || attempt == maxAttempts {
			s.Logger.Printf("database sink: write attempt %d/%d failed (HTTP %d) headers=%v: %s", attempt, maxAttempts, status, resp.Header, body)
			return false
		}

		delay := s.computeBackoff(attempt)
		s.Logger.Printf("database sink: write attempt %d/%d failed (HTTP %d) headers=%v; retrying in %s: %s", attempt, maxAttempts, status, resp.Header, delay, body)
		s.Metrics.IncrementHTTPRetry(len(lines))
		time.Sleep(delay)
	}
	return false
}

func (s *Sink) computeBackoff(attempt int) time.Duration {
	base := s.Settings.Retry.BaseDelayS
	expDelay := base * float64(int64(1)<<uint(attempt-1))
	if s.Settings.Retry.MaxBackoffS != nil {
		if max := *s.Settings.Retry.MaxBackoffS; expDelay > max {
			expDelay = max
		}
	}
	jitter := 0.0
	if base > 0 {
		jitter = rand.Float64() * base
	}
	total := expDelay + jitter
	if s.Settings.Retry.MaxBackoffS != nil {
		if max := *s.Settings.Retry.MaxBackoffS; total > max {
			total = max
		}
	}
	return time.Duration(total * float64(time.Second))
}

func extractBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, bodyTruncateLimit+1))
	if err != nil {
		return fmt.Sprintf("<unable to read body: %v>", err)
	}
	if len(data) <= bodyTruncateLimit {
		return string(data)
	}
	return fmt.Sprintf("%s... [truncated]", string(data[:bodyTruncateLimit]))
}
