// Package preview implements the Preview Streamer: it consumes a
// session's preview channel and turns Calibrated Blocks into
// downsampled, channel-filtered Frames for a single external consumer
// (the control plane's SSE endpoint).
package preview

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

// FrameChannel is one channel's downsampled values within a Frame.
type FrameChannel struct {
	Index  int
	Name   string
	Unit   string
	Values []float64
}

// Frame is one emitted preview message: a downsampled, channel-filtered
// view of one Calibrated Block.
type Frame struct {
	StationID    string
	CapturedAtNs int64
	TimestampsNs []int64
	Channels     []FrameChannel
}

// ErrUnknownChannel is returned when a configured channel index is not
// present in an incoming block.
type ErrUnknownChannel struct {
	Index int
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("preview: unknown channel index %d", e.Index)
}

// Options configures one streaming pass.
type Options struct {
	// ChannelIndices selects which channels to include, in the given
	// order; duplicates are dropped. Empty means "every channel in the
	// block".
	ChannelIndices []int
	// Step is the integer downsampling stride applied to timestamps and
	// values; must be >= 1.
	Step int
	// MaxDurationS bounds the cumulative span of delivered timestamps
	// (last emitted minus first emitted). Zero or negative disables the
	// bound.
	MaxDurationS float64
}

// Streamer consumes a session's preview channel and emits Frames until a
// terminal sentinel, the max-duration bound, or a transport disconnect
// (signaled by ctx) ends the stream.
type Streamer struct {
	Source  <-chan sample.PreviewMessage
	Options Options
	Logger  *log.Logger
}

// New constructs a Streamer over source with the given options. Step is
// clamped to 1 if not positive.
func New(source <-chan sample.PreviewMessage, opts Options) *Streamer {
	if opts.Step < 1 {
		opts.Step = 1
	}
	return &Streamer{
		Source:  source,
		Options: opts,
		Logger:  log.Default(),
	}
}

// Stream calls emit for every non-empty Frame derived from the source
// channel, in arrival order. It returns nil when the stream ends
// normally (sentinel, max duration reached, or the source channel
// closes) and ctx.Err() if ctx is canceled first. A non-nil error from
// emit stops the stream and is returned.
func (s *Streamer) Stream(ctx context.Context, emit func(Frame) error) error {
	var sawFirst bool
	var firstTs int64
	maxDurationNs := int64(s.Options.MaxDurationS * 1e9)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.Source:
			if !ok || msg.Block == nil {
				return nil
			}

			frame, err := s.filterBlock(msg.Block)
			if err != nil {
				return err
			}
			if frame == nil {
				continue
			}

			if !sawFirst {
				firstTs = frame.TimestampsNs[0]
				sawFirst = true
			}
			lastTs := frame.TimestampsNs[len(frame.TimestampsNs)-1]

			if err := emit(*frame); err != nil {
				return err
			}

			if maxDurationNs > 0 && lastTs-firstTs >= maxDurationNs {
				return nil
			}
		}
	}
}

// filterBlock selects the configured channels, applies downsampling, and
// returns nil (no error) when the result would be empty.
func (s *Streamer) filterBlock(block *sample.CalibratedBlock) (*Frame, error) {
	indices, err := s.selectChannels(block)
	if err != nil {
		return nil, err
	}

	step := s.Options.Step
	n := len(block.TimestampsNs)
	var sampledIndices []int
	for i := 0; i < n; i += step {
		sampledIndices = append(sampledIndices, i)
	}
	if len(sampledIndices) == 0 {
		return nil, nil
	}

	timestamps := make([]int64, len(sampledIndices))
	for j, i := range sampledIndices {
		timestamps[j] = block.TimestampsNs[i]
	}

	channels := make([]FrameChannel, 0, len(indices))
	for _, idx := range indices {
		ch := block.Channels[idx]
		values := make([]float64, len(sampledIndices))
		for j, i := range sampledIndices {
			if i < len(ch.Values) {
				values[j] = ch.Values[i]
			}
		}
		channels = append(channels, FrameChannel{
			Index:  ch.Index,
			Name:   ch.Name,
			Unit:   ch.Unit,
			Values: values,
		})
	}

	return &Frame{
		StationID:    block.StationID,
		CapturedAtNs: block.CapturedAtNs,
		TimestampsNs: timestamps,
		Channels:     channels,
	}, nil
}

// selectChannels returns the de-duplicated channel indices to include,
// in first-seen order, failing if a requested index is absent from
// block.
func (s *Streamer) selectChannels(block *sample.CalibratedBlock) ([]int, error) {
	requested := s.Options.ChannelIndices
	if len(requested) == 0 {
		indices := make([]int, 0, len(block.Channels))
		for idx := range block.Channels {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		return indices, nil
	}

	seen := make(map[int]bool, len(requested))
	indices := make([]int, 0, len(requested))
	for _, idx := range requested {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if _, ok := block.Channels[idx]; !ok {
			return nil, &ErrUnknownChannel{Index: idx}
		}
		indices = append(indices, idx)
	}
	return indices, nil
}
