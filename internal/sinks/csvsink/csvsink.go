// Package csvsink implements the local CSV sink: rotating files keyed
// by session start or sample date, each with a header pinned at first
// write and every subsequent row shaped to match it.
package csvsink

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

// Sink writes calibrated samples to rotating CSV files under
// Settings.Directory. HandleSample, Close, Flush, ListFiles and
// SetStateLabel all serialize on an internal mutex, so concurrent calls
// are safe.
type Sink struct {
	Settings  config.CSVSink
	Logger    *log.Logger
	StationID string

	sessionKey string

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*csv.Writer
	headers map[string][]string
}

// New constructs a CSV Sink from its settings. The session rotation key
// is fixed at construction time, mirroring the original sink's
// per-instance session id.
func New(settings config.CSVSink, stationID string) *Sink {
	return &Sink{
		Settings:   settings,
		Logger:     log.Default(),
		StationID:  stationID,
		sessionKey: time.Now().UTC().Format("20060102T150405Z"),
		files:      make(map[string]*os.File),
		writers:    make(map[string]*csv.Writer),
		headers:    make(map[string][]string),
	}
}

// Open creates the sink's output directory.
func (s *Sink) Open() error {
	return os.MkdirAll(s.Settings.Directory, 0o755)
}

// HandleSample appends one row to the file for sm's rotation key,
// writing the pinned header first if this is the first row for that
// key.
func (s *Sink) HandleSample(sm sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.rotationKey(sm)
	w, err := s.ensureWriter(key, sm)
	if err != nil {
		return err
	}

	headers, row := s.prepareRow(sm)
	stored, ok := s.headers[key]
	if !ok {
		stored = headers
		s.headers[key] = headers
		if s.Settings.WriteHeaders {
			if err := w.Write(stored); err != nil {
				return fmt.Errorf("csvsink: writing header: %w", err)
			}
		}
	}

	values := make([]string, len(stored))
	for i, col := range stored {
		values[i] = row[col]
	}
	if err := w.Write(values); err != nil {
		return fmt.Errorf("csvsink: writing row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Close flushes and closes every open file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, w := range s.writers {
		w.Flush()
		if err := w.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
		if f, ok := s.files[key]; ok {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.files = make(map[string]*os.File)
	s.writers = make(map[string]*csv.Writer)
	return firstErr
}

// Flush flushes every open file without closing it, for callers (like
// the FTP sink) that need the on-disk contents current before an
// upload.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, w := range s.writers {
		w.Flush()
		if err := w.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListFiles returns the full paths of every rotation file opened so
// far, in no particular order.
func (s *Sink) ListFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for _, f := range s.files {
		paths = append(paths, f.Name())
	}
	return paths
}

// SetStateLabel appends a (unix_nanos, label) line to a per-rotation-key
// sidecar state file, the CSV sink's experiment-state annotation hook.
func (s *Sink) SetStateLabel(key, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.Settings.Directory, fmt.Sprintf("%s_%s_state.txt", s.Settings.FilenamePrefix, key))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvsink: opening state file: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\t%s\n", time.Now().UnixNano(), label)
	return err
}

func (s *Sink) rotationKey(sm sample.Sample) string {
	if s.Settings.Rotation == config.RotationDaily {
		return time.Unix(0, sm.TimestampNs).UTC().Format("20060102")
	}
	return s.sessionKey
}

func (s *Sink) ensureWriter(key string, sm sample.Sample) (*csv.Writer, error) {
	if w, ok := s.writers[key]; ok {
		return w, nil
	}
	filename := s.filenameForKey(key)
	path := filepath.Join(s.Settings.Directory, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csvsink: creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csvsink: opening %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if s.Settings.Delimiter != "" {
		w.Comma = rune(s.Settings.Delimiter[0])
	}
	s.files[key] = f
	s.writers[key] = w
	return w, nil
}

func (s *Sink) filenameForKey(key string) string {
	parts := []string{s.Settings.FilenamePrefix}
	if station := sanitizeStation(s.StationID); station != "" {
		parts = append(parts, station)
	}
	parts = append(parts, key)
	return strings.Join(parts, "_") + ".csv"
}

func sanitizeStation(station string) string {
	if station == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range station {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

// prepareRow builds the ordered header list and the column->value map
// for one sample, following the original sink's fixed column ordering:
// timestamp, timestamp_ns, channel, then value_<name> (sorted), then
// measurement, then tag_<k> (sorted), then meta_<k> (sorted), then
// extra_<k> (sorted).
func (s *Sink) prepareRow(sm sample.Sample) ([]string, map[string]string) {
	ts := time.Unix(0, sm.TimestampNs).UTC()
	timestampText := ts.Format(goTimestampLayout(s.Settings.TimestampFormat))

	headers := []string{"timestamp", "timestamp_ns", "channel"}
	row := map[string]string{
		"timestamp":    timestampText,
		"timestamp_ns": strconv.FormatInt(sm.TimestampNs, 10),
		"channel":      strconv.Itoa(sm.Channel),
	}

	valueNames := sortedKeys(sm.CalibratedValues)
	for _, name := range valueNames {
		header := "value_" + name
		headers = append(headers, header)
		row[header] = s.formatFloat(sm.CalibratedValues[name])
	}

	if sm.Metadata.Measurement != "" {
		headers = append(headers, "measurement")
		row["measurement"] = sm.Metadata.Measurement
	}

	for _, name := range sortedKeys(sm.Metadata.Tags) {
		header := "tag_" + name
		headers = append(headers, header)
		row[header] = sm.Metadata.Tags[name]
	}

	meta := map[string]string{}
	if sm.Metadata.SensorName != "" {
		meta["sensor_name"] = sm.Metadata.SensorName
	}
	if sm.Metadata.StationID != "" {
		meta["station_id"] = sm.Metadata.StationID
	}
	if sm.Metadata.Unit != "" {
		meta["unit"] = sm.Metadata.Unit
	}
	for _, name := range sortedKeys(meta) {
		header := "meta_" + name
		if !contains(headers, header) {
			headers = append(headers, header)
		}
		row[header] = meta[name]
	}

	for _, name := range sortedKeys(sm.Metadata.Fields) {
		header := "extra_" + name
		if !contains(headers, header) {
			headers = append(headers, header)
		}
		row[header] = s.formatFloat(sm.Metadata.Fields[name])
	}

	return headers, row
}

func (s *Sink) formatFloat(v float64) string {
	text := strconv.FormatFloat(v, 'g', 15, 64)
	if s.Settings.Decimal != "" && s.Settings.Decimal != "." {
		text = strings.ReplaceAll(text, ".", s.Settings.Decimal)
	}
	return text
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// goTimestampLayout maps the original sink's strftime-style format to a
// Go reference-time layout. Every input, recognized or not, yields the
// same fixed UTC layout with nine fractional digits, so the configured
// TimestampFormat does not change the output.
func goTimestampLayout(pyFormat string) string {
	if pyFormat == "%Y-%m-%dT%H:%M:%S.%fZ" {
		return "2006-01-02T15:04:05.000000000Z"
	}
	return "2006-01-02T15:04:05.000000000Z"
}
