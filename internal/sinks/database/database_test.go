package database

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

func testStorage(url string) config.Storage {
	s := config.DefaultStorage()
	s.URL = url
	s.Org = "org"
	s.Bucket = "bucket"
	s.Token = "tok"
	s.BatchSize = 10
	s.QueueMaxSize = 100
	backoff := 0.01
	s.Retry = config.Retry{MaxAttempts: 3, BaseDelayS: 0.01, MaxBackoffS: &backoff}
	return s
}

func TestSinkSendsSamples(t *testing.T) {
	var receivedBodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		mu.Lock()
		receivedBodies = append(receivedBodies, string(buf[:n]))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := New(testStorage(srv.URL))
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s := sample.Sample{
		Channel:          0,
		TimestampNs:      1000,
		CalibratedValues: map[string]float64{"valor": 1.5},
		Metadata:         sample.Metadata{Measurement: "lvdt"},
	}
	if err := sink.HandleSample(s); err != nil {
		t.Fatalf("HandleSample: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(receivedBodies) != 1 {
		t.Fatalf("server received %d requests, want 1", len(receivedBodies))
	}
	if receivedBodies[0] == "" {
		t.Error("received empty body")
	}
}

func TestSinkRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := New(testStorage(srv.URL))
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := sample.Sample{Channel: 0, TimestampNs: 1, CalibratedValues: map[string]float64{"valor": 1}}
	_ = sink.HandleSample(s)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Errorf("server saw %d attempts, want >= 2", got)
	}
}

func TestSinkDropsAfterQueueOverflow(t *testing.T) {
	blocking := make(chan struct{})
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		<-blocking
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	storage := testStorage(srv.URL)
	storage.QueueMaxSize = 2
	storage.BatchSize = 1
	sink := New(storage)
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 10; i++ {
		s := sample.Sample{Channel: 0, TimestampNs: int64(i), CalibratedValues: map[string]float64{"valor": float64(i)}}
		_ = sink.HandleSample(s)
	}

	close(blocking)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// BatchSize 1 means one request per line: with one write in flight and
	// a 2-line queue, at most 3 of the 10 lines can reach the server.
	if got := atomic.LoadInt32(&received); got >= 10 {
		t.Errorf("server received %d lines, want fewer than 10 (oldest lines dropped on overflow)", got)
	}
}

func TestComputeBackoffRespectsMax(t *testing.T) {
	max := 1.0
	sink := &Sink{Settings: config.Storage{Retry: config.Retry{BaseDelayS: 1.0, MaxBackoffS: &max}}}
	d := sink.computeBackoff(10)
	if d > time.Duration(max*float64(time.Second)) {
		t.Errorf("computeBackoff(10) = %v, want <= %v", d, time.Duration(max*float64(time.Second)))
	}
}
