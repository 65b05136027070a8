// Package sample defines the immutable Sample record and the Sink
// capability every downstream consumer of the acquisition pipeline
// implements.
package sample

// Metadata carries the tags and identifying fields attached to a Sample.
// Extra, sink-specific fields go through Fields rather than being bolted
// onto the struct, per the "no duck-typed sample dicts" design note.
type Metadata struct {
	Measurement string
	Tags        map[string]string
	StationID   string
	SensorName  string
	Unit        string
	// Fields carries additional numeric fields beyond the sample's own
	// CalibratedValues, e.g. derived quantities a sink may want to record
	// alongside the primary reading.
	Fields map[string]float64
}

// Sample is one calibrated reading at one instant, for one channel.
// Immutable after construction; ownership transfers from the Runner to
// whichever sinks receive it.
type Sample struct {
	Channel          int
	TimestampNs      int64
	CalibratedValues map[string]float64
	Metadata         Metadata
}

// Sink is the capability every terminal consumer of Samples implements.
// Open is called once before the first sample; Close is always called,
// even on abnormal termination, and must be idempotent.
type Sink interface {
	Open() error
	HandleSample(s Sample) error
	Close() error
}

// Block is a contiguous group of raw, uncalibrated per-channel samples
// returned by one Board Driver read.
type Block struct {
	TimestampsNs    []int64
	ValuesByChannel map[int][]float64
	CapturedAtNs    int64
}

// Len returns the number of samples in the block (len of TimestampsNs).
func (b Block) Len() int {
	return len(b.TimestampsNs)
}

// CalibratedChannel holds one channel's calibrated values plus the static
// metadata a preview consumer needs to label it.
type CalibratedChannel struct {
	Index  int
	Name   string
	Unit   string
	Values []float64
}

// CalibratedBlock is the preview-path counterpart of Block: same shape,
// calibration applied, channel metadata attached.
type CalibratedBlock struct {
	StationID    string
	TimestampsNs []int64
	Channels     map[int]CalibratedChannel
	CapturedAtNs int64
}

// PreviewMessage is what the Runner publishes on a session's preview
// channel. A nil Block is the terminal sentinel marking the end of the
// stream, mirroring the original's None-terminated preview queue.
type PreviewMessage struct {
	Block *CalibratedBlock
}
