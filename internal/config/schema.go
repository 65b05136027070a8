// Package config defines the YAML-backed configuration schema for a
// station (sensors.yaml) and its storage backend (storage.yaml), plus a
// Store for serializing concurrent rewrites of those files.
package config

import (
	"fmt"
)

// ErrInvalid wraps a validation failure in any config type's Validate
// method. Callers branch on it with errors.As (through fmt.Errorf's %w
// wrapping), or simply surface err.Error() since the message is
// self-describing.
type ErrInvalid struct {
	Field  string
	Detail string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Detail)
}

func invalid(field, detail string) error {
	return &ErrInvalid{Field: field, Detail: detail}
}

// Calibration is the linear gain/offset applied to one channel's raw
// readings.
type Calibration struct {
	Gain   float64 `yaml:"gain"`
	Offset float64 `yaml:"offset"`
}

// DefaultCalibration is the identity transform, used when a channel omits
// a calibration block.
func DefaultCalibration() Calibration {
	return Calibration{Gain: 1.0, Offset: 0.0}
}

// DriftDetection controls when the acquisition runner snaps its
// reconstructed timestamp back to the expected schedule instead of
// accumulating wall-clock drift. A nil CorrectionThresholdNs disables
// snapping (every block free-runs off the accumulated schedule).
type DriftDetection struct {
	CorrectionThresholdNs *int64 `yaml:"correction_threshold_ns,omitempty"`
}

func (d DriftDetection) Validate() error {
	if d.CorrectionThresholdNs != nil && *d.CorrectionThresholdNs < 0 {
		return invalid("drift_detection.correction_threshold_ns", "must be >= 0")
	}
	return nil
}

// Acquisition describes one run's sample rate, block size, and optional
// stop conditions.
type Acquisition struct {
	SampleRateHz   float64        `yaml:"sample_rate_hz"`
	BlockSize      int            `yaml:"block_size"`
	DurationS      *float64       `yaml:"duration_s,omitempty"`
	TotalSamples   *int           `yaml:"total_samples,omitempty"`
	DriftDetection DriftDetection `yaml:"drift_detection,omitempty"`
}

func (a Acquisition) Validate() error {
	if a.SampleRateHz <= 0 {
		return invalid("sample_rate_hz", "must be > 0")
	}
	if a.BlockSize <= 0 {
		return invalid("block_size", "must be > 0")
	}
	if a.DurationS != nil && *a.DurationS <= 0 {
		return invalid("duration_s", "must be > 0")
	}
	if a.TotalSamples != nil && *a.TotalSamples <= 0 {
		return invalid("total_samples", "must be > 0")
	}
	return a.DriftDetection.Validate()
}

// Channel describes one analog input channel: its board index, display
// name, unit, expected voltage range, and calibration.
type Channel struct {
	Index        int         `yaml:"index"`
	Name         string      `yaml:"name"`
	Unit         string      `yaml:"unit"`
	VoltageRange float64     `yaml:"voltage_range"`
	Calibration  Calibration `yaml:"calibration,omitempty"`
}

func (c Channel) Validate() error {
	if c.Index < 0 {
		return invalid("channels[].index", "must be >= 0")
	}
	if c.Name == "" {
		return invalid("channels[].name", "is required")
	}
	if c.VoltageRange <= 0 {
		return invalid("channels[].voltage_range", "must be > 0")
	}
	return nil
}

// Normalize fills in the identity calibration when the channel's YAML
// omitted a calibration block (a zero-value Gain of exactly 0.0 would
// otherwise always read out as 0, which is never the intent).
func (c Channel) Normalize() Channel {
	if c.Calibration.Gain == 0 && c.Calibration.Offset == 0 {
		c.Calibration = DefaultCalibration()
	}
	return c
}

// Station is the top-level station configuration: identity, acquisition
// parameters, and the channel list.
type Station struct {
	StationID   string      `yaml:"station_id"`
	Description string      `yaml:"description,omitempty"`
	Acquisition Acquisition `yaml:"acquisition"`
	Channels    []Channel   `yaml:"channels"`
}

// Validate checks every field and cross-field invariant (unique channel
// indices) a Station requires before it can drive an acquisition run,
// and fills each channel's default calibration in place.
func (s *Station) Validate() error {
	if s.StationID == "" {
		return invalid("station_id", "is required")
	}
	if err := s.Acquisition.Validate(); err != nil {
		return err
	}
	seen := make(map[int]bool, len(s.Channels))
	for i, ch := range s.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
		if seen[ch.Index] {
			return invalid("channels[].index", fmt.Sprintf("duplicate channel index %d", ch.Index))
		}
		seen[ch.Index] = true
		s.Channels[i] = ch.Normalize()
	}
	if len(s.Channels) > 0 {
		want := s.Channels[0].VoltageRange
		for _, ch := range s.Channels {
			if ch.VoltageRange != want {
				return invalid("channels[].voltage_range", "all channels must share the same voltage range; the board applies one global range per scan")
			}
		}
	}
	return nil
}

// Retry controls the database sink's send-retry policy.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelayS  float64  `yaml:"base_delay_s"`
	MaxBackoffS *float64 `yaml:"max_backoff_s,omitempty"`
}

// DefaultRetry mirrors the original sender's defaults.
func DefaultRetry() Retry {
	backoff := 30.0
	return Retry{MaxAttempts: 5, BaseDelayS: 1.0, MaxBackoffS: &backoff}
}

func (r Retry) Validate() error {
	if r.MaxAttempts < 1 {
		return invalid("retry.max_attempts", "must be >= 1")
	}
	if r.BaseDelayS < 0 {
		return invalid("retry.base_delay_s", "must be >= 0")
	}
	if r.MaxBackoffS != nil && *r.MaxBackoffS < 0 {
		return invalid("retry.max_backoff_s", "must be >= 0")
	}
	return nil
}

// CSVRotation selects when the CSV sink opens a new file.
type CSVRotation string

const (
	RotationSession CSVRotation = "session"
	RotationDaily   CSVRotation = "daily"
)

// CSVSink configures the local CSV sink.
type CSVSink struct {
	Enabled         bool        `yaml:"enabled"`
	Directory       string      `yaml:"directory"`
	Rotation        CSVRotation `yaml:"rotation"`
	FilenamePrefix  string      `yaml:"filename_prefix"`
	TimestampFormat string      `yaml:"timestamp_format"`
	Delimiter       string      `yaml:"delimiter"`
	Decimal         string      `yaml:"decimal"`
	WriteHeaders    bool        `yaml:"write_headers"`
}

// DefaultCSVSink mirrors the original sink's field defaults.
func DefaultCSVSink() CSVSink {
	return CSVSink{
		Directory:       "./data",
		Rotation:        RotationSession,
		FilenamePrefix:  "samples",
		TimestampFormat: "2006-01-02T15:04:05.000000000Z",
		Delimiter:       ",",
		Decimal:         ".",
		WriteHeaders:    true,
	}
}

func (c CSVSink) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Rotation {
	case RotationSession, RotationDaily, "date":
	default:
		return invalid("csv.rotation", "must be 'session' or 'daily'")
	}
	return nil
}

// Normalize returns c with "date" folded into RotationDaily, the one
// normalization the original schema applies post-validation.
func (c CSVSink) Normalize() CSVSink {
	if c.Rotation == "date" {
		c.Rotation = RotationDaily
	}
	return c
}

// FTPProtocol selects the upload transport.
type FTPProtocol string

const (
	ProtocolFTP  FTPProtocol = "ftp"
	ProtocolSFTP FTPProtocol = "sftp"
)

// FTPRotation selects when the FTP sink uploads its CSV output.
type FTPRotation string

const (
	UploadSession  FTPRotation = "session"
	UploadPeriodic FTPRotation = "periodic"
)

// FTPSink configures the optional remote-upload sink, which wraps a
// CSVSink as its local staging writer.
type FTPSink struct {
	Enabled         bool        `yaml:"enabled"`
	Protocol        FTPProtocol `yaml:"protocol"`
	Host            string      `yaml:"host,omitempty"`
	Port            *int        `yaml:"port,omitempty"`
	Username        string      `yaml:"username,omitempty"`
	Password        string      `yaml:"password,omitempty"`
	RemoteDir       string      `yaml:"remote_dir"`
	Rotation        FTPRotation `yaml:"rotation"`
	UploadIntervalS *float64    `yaml:"upload_interval_s,omitempty"`
	Passive         bool        `yaml:"passive"`
}

// DefaultFTPSink mirrors the original sink's field defaults.
func DefaultFTPSink() FTPSink {
	return FTPSink{Protocol: ProtocolFTP, RemoteDir: "/", Rotation: UploadSession, Passive: true}
}

func (f FTPSink) Validate() error {
	if !f.Enabled {
		return nil
	}
	switch f.Protocol {
	case ProtocolFTP, ProtocolSFTP:
	default:
		return invalid("ftp.protocol", "must be 'ftp' or 'sftp'")
	}
	switch f.Rotation {
	case UploadSession, UploadPeriodic:
	default:
		return invalid("ftp.rotation", "must be 'session' or 'periodic'")
	}
	if f.Rotation == UploadPeriodic {
		if f.UploadIntervalS == nil || *f.UploadIntervalS <= 0 {
			return invalid("ftp.upload_interval_s", "must be > 0 when rotation is 'periodic'")
		}
	}
	return nil
}

// Storage is the top-level storage configuration: the database sink's
// connection/retry/queue settings plus the optional CSV and FTP sinks.
type Storage struct {
	Driver       string   `yaml:"driver"`
	URL          string   `yaml:"url"`
	Org          string   `yaml:"org"`
	Bucket       string   `yaml:"bucket"`
	Token        string   `yaml:"token"`
	BatchSize    int      `yaml:"batch_size"`
	TimeoutS     float64  `yaml:"timeout_s"`
	QueueMaxSize int      `yaml:"queue_max_size"`
	VerifySSL    bool     `yaml:"verify_ssl"`
	Retry        Retry    `yaml:"retry,omitempty"`
	Sinks        []string `yaml:"sinks,omitempty"`
	CSV          CSVSink  `yaml:"csv,omitempty"`
	FTP          FTPSink  `yaml:"ftp,omitempty"`
}

// DefaultStorage mirrors the original schema's field defaults.
func DefaultStorage() Storage {
	return Storage{
		Driver:       "influxdb_v2",
		BatchSize:    5,
		TimeoutS:     5.0,
		QueueMaxSize: 1000,
		VerifySSL:    true,
		Retry:        DefaultRetry(),
		CSV:          DefaultCSVSink(),
		FTP:          DefaultFTPSink(),
	}
}

// Validate checks every field and fills Sinks with []string{Driver} when
// empty, matching the original's "no explicit sinks means just the
// primary driver" default.
func (s *Storage) Validate() error {
	if s.URL == "" {
		return invalid("url", "is required")
	}
	if s.Org == "" {
		return invalid("org", "is required")
	}
	if s.Bucket == "" {
		return invalid("bucket", "is required")
	}
	if s.Token == "" {
		return invalid("token", "is required")
	}
	if s.BatchSize < 1 {
		return invalid("batch_size", "must be >= 1")
	}
	if s.TimeoutS <= 0 {
		return invalid("timeout_s", "must be > 0")
	}
	if s.QueueMaxSize < 1 {
		return invalid("queue_max_size", "must be >= 1")
	}
	if err := s.Retry.Validate(); err != nil {
		return err
	}
	if err := s.CSV.Validate(); err != nil {
		return err
	}
	if err := s.FTP.Validate(); err != nil {
		return err
	}
	s.CSV = s.CSV.Normalize()
	if len(s.Sinks) == 0 {
		s.Sinks = []string{s.Driver}
	}
	return nil
}
