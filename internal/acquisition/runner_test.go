package acquisition

import (
	"errors"
	"sync"
	"testing"

	"github.com/multiverse-hardware-labs/daqedge/internal/board"
	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

type recordingSink struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	samples []sample.Sample
	openErr error
}

func (s *recordingSink) Open() error {
	s.opened = true
	return s.openErr
}

func (s *recordingSink) HandleSample(sm sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sm)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func testStation() config.Station {
	st := config.Station{
		StationID: "station-01",
		Acquisition: config.Acquisition{
			SampleRateHz: 1000,
			BlockSize:    10,
			TotalSamples: intPtr(30),
		},
		Channels: []config.Channel{
			{Index: 0, Name: "lvdt-a", Unit: "mm", VoltageRange: 10, Calibration: config.DefaultCalibration()},
		},
	}
	return st
}

func intPtr(v int) *int { return &v }

func TestRunnerRunDeliversCalibratedSamples(t *testing.T) {
	station := testStation()
	drv := board.NewSimulated()
	sink := &recordingSink{}
	r := New(station, drv, []sample.Sink{sink})

	if err := r.Run(ModeTimed); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sink.opened || !sink.closed {
		t.Errorf("sink opened=%v closed=%v, want both true", sink.opened, sink.closed)
	}
	if len(sink.samples) != 30 {
		t.Fatalf("got %d samples, want 30", len(sink.samples))
	}
	for _, s := range sink.samples {
		if s.Metadata.Measurement != "lvdt" {
			t.Errorf("measurement = %q, want lvdt", s.Metadata.Measurement)
		}
		if s.Metadata.Tags["pi"] != "station-01" {
			t.Errorf("tag pi = %q, want station-01", s.Metadata.Tags["pi"])
		}
	}
	for i := 1; i < len(sink.samples); i++ {
		if sink.samples[i].TimestampNs <= sink.samples[i-1].TimestampNs {
			t.Errorf("timestamps not strictly increasing at index %d: %d <= %d",
				i, sink.samples[i].TimestampNs, sink.samples[i-1].TimestampNs)
		}
	}
}

func TestRunnerRunStopsOnRequest(t *testing.T) {
	station := testStation()
	station.Acquisition.TotalSamples = nil
	drv := board.NewSimulated()
	sink := &recordingSink{}
	r := New(station, drv, []sample.Sink{sink})

	r.RequestStop()
	if err := r.Run(ModeContinuous); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.samples) != 0 {
		t.Errorf("got %d samples after immediate stop, want 0", len(sink.samples))
	}
}

func TestRunnerRunSurfacesBoardError(t *testing.T) {
	station := testStation()
	station.Acquisition.TotalSamples = nil
	drv := board.NewSimulated()
	drv.FailNextRead = board.ErrOverrun
	r := New(station, drv, nil)

	err := r.Run(ModeContinuous)
	if !errors.Is(err, board.ErrOverrun) {
		t.Errorf("Run() = %v, want wrapped ErrOverrun", err)
	}
}

func TestRunnerIsolatesPanickingSink(t *testing.T) {
	station := testStation()
	drv := board.NewSimulated()
	panicky := &panickingSink{}
	sink := &recordingSink{}
	r := New(station, drv, []sample.Sink{panicky, sink})

	if err := r.Run(ModeTimed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.samples) != 30 {
		t.Errorf("got %d samples on the well-behaved sink, want 30", len(sink.samples))
	}
}

type panickingSink struct{}

func (panickingSink) Open() error { return nil }
func (panickingSink) HandleSample(sample.Sample) error {
	panic("boom")
}
func (panickingSink) Close() error { return nil }
