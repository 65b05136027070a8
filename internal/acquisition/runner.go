// Package acquisition implements the Runner that drives a board.Driver's
// continuous scan and delivers calibrated samples to a set of sinks,
// reconstructing per-sample timestamps from the configured sample rate
// instead of trusting one timestamp per driver call.
package acquisition

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/board"
	"github.com/multiverse-hardware-labs/daqedge/internal/calibration"
	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
	"github.com/multiverse-hardware-labs/daqedge/internal/telemetry"
)

// Mode selects whether Run stops only on explicit request ("continuous")
// or also honors the station's configured duration/total-sample limits
// ("timed").
type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeTimed      Mode = "timed"
	// ModeTest behaves like ModeContinuous (no deadline or sample budget)
	// but is the mode the Session Manager selects whenever preview is
	// requested, so callers can distinguish a preview-carrying run in
	// logs without inspecting the Preview field.
	ModeTest Mode = "test"
)

// Clock abstracts time.Now().UnixNano() so tests can drive the runner
// with a deterministic clock instead of the wall clock.
type Clock func() int64

func systemClock() int64 { return time.Now().UnixNano() }

// Runner coordinates board scans and delivers calibrated samples to the
// configured sinks. The zero value is not usable; construct with New.
type Runner struct {
	Station config.Station
	Driver  board.Driver
	Sinks   []sample.Sink
	Logger  *log.Logger
	Clock   Clock
	Metrics *telemetry.Recorder

	// Preview, when non-nil, receives one PreviewMessage per processed
	// block plus a terminal sentinel (nil Block) when Run returns. A full
	// channel has its oldest message dropped to make room, matching the
	// original's drop-oldest preview queue.
	Preview chan<- sample.PreviewMessage

	mu            sync.Mutex
	stopRequested bool
	activeSinks   []sample.Sink
}

// New constructs a Runner with sensible defaults for Logger, Clock, and
// Metrics when left unset.
func New(station config.Station, driver board.Driver, sinks []sample.Sink) *Runner {
	return &Runner{
		Station: station,
		Driver:  driver,
		Sinks:   sinks,
		Logger:  log.Default(),
		Clock:   systemClock,
		Metrics: telemetry.NewRecorder(),
	}
}

// RequestStop signals the run loop to stop after completing its current
// iteration. Safe to call from another goroutine.
func (r *Runner) RequestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
}

func (r *Runner) stopRequestedLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

// Run drives the acquisition loop until stop is requested, the
// configured duration/sample budget (in ModeTimed) is exhausted, or an
// unrecoverable board error occurs. It always opens and closes sinks
// exactly once, even on error.
func (r *Runner) Run(mode Mode) error {
	if mode != ModeContinuous && mode != ModeTimed && mode != ModeTest {
		return fmt.Errorf("acquisition: unsupported mode %q", mode)
	}

	r.activeSinks = r.initializeSinks()
	defer r.shutdownSinks()
	defer r.publishPreviewSentinel()

	channels := r.Station.Channels
	if len(channels) == 0 {
		r.Logger.Printf("acquisition: no channels configured; skipping run")
		return nil
	}
	channelIndices := make([]int, len(channels))
	for i, ch := range channels {
		channelIndices[i] = ch.Index
	}

	acq := r.Station.Acquisition
	cfg := board.ScanConfig{
		Channels:     channelIndices,
		SampleRateHz: acq.SampleRateHz,
		BlockSamples: acq.BlockSize,
	}
	if len(channels) > 0 {
		cfg.VoltageRange = channels[0].VoltageRange
		cfg.VoltageRanges = make([]float64, len(channels))
		for i, ch := range channels {
			cfg.VoltageRanges[i] = ch.VoltageRange
		}
	}
	if err := r.Driver.StartScan(cfg); err != nil {
		return fmt.Errorf("acquisition: starting scan: %w", err)
	}
	defer r.Driver.Close()

	tsStep := int64(1e9 / acq.SampleRateHz)
	nextTsNs := r.Clock()

	var driftThresholdNs *int64
	if acq.DriftDetection.CorrectionThresholdNs != nil {
		driftThresholdNs = acq.DriftDetection.CorrectionThresholdNs
	}

	var deadlineNs *int64
	if mode == ModeTimed && acq.DurationS != nil {
		d := nextTsNs + int64(*acq.DurationS*1e9)
		deadlineNs = &d
	}

	var remainingSamples *int
	if mode == ModeTimed && acq.TotalSamples != nil {
		n := *acq.TotalSamples
		remainingSamples = &n
	}

	timeout := board.BlockTimeout(acq.BlockSize, acq.SampleRateHz)

	for {
		if r.stopRequestedLocked() {
			r.Logger.Printf("acquisition: stop requested; ending loop")
			return nil
		}
		if deadlineNs != nil && r.Clock() >= *deadlineNs {
			r.Logger.Printf("acquisition: duration exhausted; stopping scan")
			return nil
		}

		result, err := r.Driver.ReadBlock(timeout)
		if err != nil {
			if err == board.ErrOverrun {
				r.Metrics.IncrementHardwareOverrun()
			}
			return fmt.Errorf("acquisition: reading block: %w", err)
		}
		blockCapturedNs := result.CapturedAtNs

		blockLen := 0
		if len(channelIndices) > 0 {
			blockLen = len(result.ValuesByChannel[channelIndices[0]])
		}
		if blockLen == 0 {
			continue
		}

		if remainingSamples != nil && blockLen > *remainingSamples {
			blockLen = *remainingSamples
			for ch, vals := range result.ValuesByChannel {
				if len(vals) > blockLen {
					result.ValuesByChannel[ch] = vals[:blockLen]
				}
			}
		}

		timestamps, candidateNextTsNs := consumeBlockTimestamps(nextTsNs, blockLen, tsStep)

		blk := sample.Block{
			TimestampsNs:    timestamps,
			ValuesByChannel: result.ValuesByChannel,
			CapturedAtNs:    blockCapturedNs,
		}
		r.Metrics.RecordBlock(blockLen, len(channelIndices))
		r.handleBlock(blk)
		r.publishPreview(blk)

		expectedNextTsNs := blockCapturedNs + tsStep
		driftNs := expectedNextTsNs - candidateNextTsNs
		absDriftNs := driftNs
		if absDriftNs < 0 {
			absDriftNs = -absDriftNs
		}

		if driftThresholdNs != nil && absDriftNs > *driftThresholdNs {
			r.Logger.Printf("acquisition: drift detected after %d-sample block: adjusting by %+d ns", blockLen, driftNs)
			nextTsNs = expectedNextTsNs
		} else {
			nextTsNs = candidateNextTsNs
		}

		if remainingSamples != nil {
			*remainingSamples -= blockLen
			if *remainingSamples <= 0 {
				r.Logger.Printf("acquisition: sample budget exhausted; stopping scan")
				return nil
			}
		}
		if deadlineNs != nil && blockCapturedNs >= *deadlineNs {
			r.Logger.Printf("acquisition: duration exhausted after delivering block")
			return nil
		}
	}
}

// consumeBlockTimestamps returns the per-sample timestamps for a block of
// blockLen samples starting at nextTsNs, stepping by tsStep, plus the
// accumulator value for the following block.
func consumeBlockTimestamps(nextTsNs int64, blockLen int, tsStep int64) ([]int64, int64) {
	timestamps := make([]int64, blockLen)
	for i := 0; i < blockLen; i++ {
		timestamps[i] = nextTsNs + int64(i)*tsStep
	}
	return timestamps, nextTsNs + int64(blockLen)*tsStep
}

func (r *Runner) initializeSinks() []sample.Sink {
	if len(r.Sinks) == 0 {
		r.Logger.Printf("acquisition: no sinks configured; samples will not be stored")
		return nil
	}
	ready := make([]sample.Sink, 0, len(r.Sinks))
	for _, sink := range r.Sinks {
		if err := r.openSink(sink); err != nil {
			r.Logger.Printf("acquisition: error initializing sink: %v", err)
			continue
		}
		ready = append(ready, sink)
	}
	if len(ready) == 0 {
		r.Logger.Printf("acquisition: no sink could be initialized")
	}
	return ready
}

func (r *Runner) openSink(sink sample.Sink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink open panicked: %v", rec)
		}
	}()
	return sink.Open()
}

func (r *Runner) shutdownSinks() {
	for _, sink := range r.activeSinks {
		if err := r.closeSink(sink); err != nil {
			r.Logger.Printf("acquisition: error closing sink: %v", err)
		}
	}
	r.activeSinks = nil
}

func (r *Runner) closeSink(sink sample.Sink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink close panicked: %v", rec)
		}
	}()
	return sink.Close()
}

func (r *Runner) handleBlock(blk sample.Block) {
	if len(r.activeSinks) == 0 {
		return
	}
	stationID := r.Station.StationID
	for _, channel := range r.Station.Channels {
		values := blk.ValuesByChannel[channel.Index]
		calibrated := calibration.Apply(values, channel.Calibration.Gain, channel.Calibration.Offset)
		for i, v := range calibrated {
			if i >= len(blk.TimestampsNs) {
				break
			}
			s := sample.Sample{
				Channel:     channel.Index,
				TimestampNs: blk.TimestampsNs[i],
				CalibratedValues: map[string]float64{
					"valor": v,
				},
				Metadata: sample.Metadata{
					Measurement: "lvdt",
					Tags: map[string]string{
						"pi":     stationID,
						"sensor": channel.Name,
						"unidad": channel.Unit,
					},
					StationID:  stationID,
					SensorName: channel.Name,
					Unit:       channel.Unit,
				},
			}
			r.dispatchSample(s)
		}
	}
}

// publishPreview builds a CalibratedBlock from blk and enqueues it onto
// the preview channel, if one is configured, dropping the oldest queued
// message to make room when the channel is full.
func (r *Runner) publishPreview(blk sample.Block) {
	if r.Preview == nil {
		return
	}
	channels := make(map[int]sample.CalibratedChannel, len(r.Station.Channels))
	for _, channel := range r.Station.Channels {
		values := blk.ValuesByChannel[channel.Index]
		calibrated := calibration.Apply(values, channel.Calibration.Gain, channel.Calibration.Offset)
		channels[channel.Index] = sample.CalibratedChannel{
			Index:  channel.Index,
			Name:   channel.Name,
			Unit:   channel.Unit,
			Values: calibrated,
		}
	}
	msg := sample.PreviewMessage{
		Block: &sample.CalibratedBlock{
			StationID:    r.Station.StationID,
			TimestampsNs: blk.TimestampsNs,
			Channels:     channels,
			CapturedAtNs: blk.CapturedAtNs,
		},
	}
	r.enqueuePreview(msg)
}

func (r *Runner) publishPreviewSentinel() {
	if r.Preview == nil {
		return
	}
	r.enqueuePreview(sample.PreviewMessage{})
}

func (r *Runner) enqueuePreview(msg sample.PreviewMessage) {
	select {
	case r.Preview <- msg:
		return
	default:
	}
	select {
	case <-r.Preview:
		r.Logger.Printf("acquisition: preview channel full; dropping oldest block")
	default:
	}
	select {
	case r.Preview <- msg:
	default:
		r.Logger.Printf("acquisition: preview channel still unavailable; dropping block")
	}
}

func (r *Runner) dispatchSample(s sample.Sample) {
	for _, sink := range r.activeSinks {
		if err := r.handleSample(sink, s); err != nil {
			r.Logger.Printf("acquisition: sink rejected sample: %v", err)
		}
	}
}

func (r *Runner) handleSample(sink sample.Sink, s sample.Sample) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink handle_sample panicked: %v", rec)
		}
	}()
	return sink.HandleSample(s)
}
