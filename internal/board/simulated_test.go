package board

import (
	"errors"
	"testing"
	"time"
)

func TestSimulatedStartScanRejectsBadConfig(t *testing.T) {
	s := NewSimulated()
	if err := s.StartScan(ScanConfig{}); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("StartScan(empty) = %v, want ErrConfigMismatch", err)
	}
	if err := s.StartScan(ScanConfig{Channels: []int{0}, SampleRateHz: 0, BlockSamples: 10}); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("StartScan(rate=0) = %v, want ErrConfigMismatch", err)
	}
}

func TestSimulatedStartScanRejectsMixedVoltageRanges(t *testing.T) {
	s := NewSimulated()
	cfg := ScanConfig{
		Channels:      []int{0, 1},
		SampleRateHz:  1000,
		BlockSamples:  10,
		VoltageRanges: []float64{10.0, 5.0},
	}
	if err := s.StartScan(cfg); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("StartScan(mixed voltage ranges) = %v, want ErrConfigMismatch", err)
	}
}

func TestSimulatedReadBlockBeforeStart(t *testing.T) {
	s := NewSimulated()
	if _, err := s.ReadBlock(time.Second); !errors.Is(err, ErrHardwareUnavailable) {
		t.Errorf("ReadBlock before StartScan = %v, want ErrHardwareUnavailable", err)
	}
}

func TestSimulatedReadBlockShape(t *testing.T) {
	s := NewSimulated()
	cfg := ScanConfig{Channels: []int{0, 1}, SampleRateHz: 1000, BlockSamples: 50}
	if err := s.StartScan(cfg); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	res, err := s.ReadBlock(time.Second)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(res.ValuesByChannel) != 2 {
		t.Fatalf("got %d channels, want 2", len(res.ValuesByChannel))
	}
	for _, ch := range cfg.Channels {
		if got := len(res.ValuesByChannel[ch]); got != cfg.BlockSamples {
			t.Errorf("channel %d: got %d samples, want %d", ch, got, cfg.BlockSamples)
		}
	}
}

func TestSimulatedFailNextRead(t *testing.T) {
	s := NewSimulated()
	cfg := ScanConfig{Channels: []int{0}, SampleRateHz: 1000, BlockSamples: 10}
	if err := s.StartScan(cfg); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	s.FailNextRead = ErrOverrun
	if _, err := s.ReadBlock(time.Second); !errors.Is(err, ErrOverrun) {
		t.Errorf("ReadBlock = %v, want ErrOverrun", err)
	}
	if _, err := s.ReadBlock(time.Second); err != nil {
		t.Errorf("ReadBlock after injected failure cleared = %v, want nil", err)
	}
}

func TestBlockTimeout(t *testing.T) {
	got := BlockTimeout(1000, 1000)
	want := time.Second + DefaultTimeoutMargin
	if got != want {
		t.Errorf("BlockTimeout(1000, 1000) = %v, want %v", got, want)
	}
	if got := BlockTimeout(100, 0); got != DefaultTimeoutMargin {
		t.Errorf("BlockTimeout with zero rate = %v, want %v", got, DefaultTimeoutMargin)
	}
}
