package board

import (
	"math"
	"sync"
	"time"
)

// Simulated is a synthetic continuous analog source used in place of
// real hardware for tests and for running the acquisition pipeline
// without an MCC128 attached. Each channel produces a triangle wave at a
// configurable peak amplitude and period, the same kind of deterministic
// waveform the teacher's own non-hardware sources generate for testing.
type Simulated struct {
	mu      sync.Mutex
	cfg     ScanConfig
	started bool
	closed  bool

	// AmplitudeV is the peak triangle amplitude per channel: values span
	// -AmplitudeV..+AmplitudeV.
	AmplitudeV float64
	// PeriodS is the triangle wave period in seconds.
	PeriodS float64

	// FailNextRead, when non-nil, is returned (and then cleared) by the
	// next ReadBlock call, letting tests exercise error paths.
	FailNextRead error

	sampleIndex int64
	nowNs       func() int64
}

// NewSimulated constructs a Simulated driver with reasonable defaults.
func NewSimulated() *Simulated {
	return &Simulated{
		AmplitudeV: 5.0,
		PeriodS:    1.0,
		nowNs:      func() int64 { return time.Now().UnixNano() },
	}
}

func (s *Simulated) StartScan(cfg ScanConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cfg.Channels) == 0 {
		return ErrConfigMismatch
	}
	if cfg.SampleRateHz <= 0 || cfg.BlockSamples <= 0 {
		return ErrConfigMismatch
	}
	if len(cfg.VoltageRanges) > 0 {
		want := cfg.VoltageRanges[0]
		for _, r := range cfg.VoltageRanges {
			if r != want {
				return ErrConfigMismatch
			}
		}
	}
	s.cfg = cfg
	s.started = true
	s.closed = false
	s.sampleIndex = 0
	return nil
}

func (s *Simulated) ReadBlock(timeout time.Duration) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextRead != nil {
		err := s.FailNextRead
		s.FailNextRead = nil
		return ReadResult{}, err
	}
	if !s.started || s.closed {
		return ReadResult{}, ErrHardwareUnavailable
	}

	out := make(map[int][]float64, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		values := make([]float64, s.cfg.BlockSamples)
		for i := 0; i < s.cfg.BlockSamples; i++ {
			t := float64(s.sampleIndex+int64(i)) / s.cfg.SampleRateHz
			values[i] = triangleWave(t, s.PeriodS, s.AmplitudeV, ch)
		}
		out[ch] = values
	}
	s.sampleIndex += int64(s.cfg.BlockSamples)

	return ReadResult{ValuesByChannel: out, CapturedAtNs: s.nowNs()}, nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// triangleWave evaluates a triangle wave at time t, offset per channel so
// distinct channels are visibly distinguishable in a preview stream.
func triangleWave(t, periodS, amplitudeV float64, channel int) float64 {
	phase := math.Mod(t+float64(channel)*periodS/8, periodS) / periodS
	// phase in [0,1): ramp up for the first half, down for the second.
	if phase < 0.5 {
		return amplitudeV * (4*phase - 1)
	}
	return amplitudeV * (3 - 4*phase)
}
