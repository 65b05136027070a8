package csvsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

func TestSinkWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	settings := config.DefaultCSVSink()
	settings.Directory = dir
	settings.Rotation = config.RotationSession

	sink := New(settings, "station-01")
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s1 := sample.Sample{
		Channel:          0,
		TimestampNs:      1_700_000_000_000_000_000,
		CalibratedValues: map[string]float64{"valor": 1.5},
		Metadata: sample.Metadata{
			Measurement: "lvdt",
			Tags:        map[string]string{"sensor": "a"},
			StationID:   "station-01",
			SensorName:  "lvdt-a",
			Unit:        "mm",
		},
	}
	if err := sink.HandleSample(s1); err != nil {
		t.Fatalf("HandleSample: %v", err)
	}
	if err := sink.HandleSample(s1); err != nil {
		t.Fatalf("HandleSample (2nd): %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "samples_station-01_") {
		t.Errorf("filename = %q, want samples_station-01_* prefix", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines (incl header), want 3", len(lines))
	}
	header := lines[0]
	for _, want := range []string{"timestamp", "timestamp_ns", "channel", "value_valor", "measurement", "tag_sensor", "meta_sensor_name", "meta_station_id", "meta_unit"} {
		if !strings.Contains(header, want) {
			t.Errorf("header %q missing column %q", header, want)
		}
	}
}

func TestSinkDailyRotation(t *testing.T) {
	dir := t.TempDir()
	settings := config.DefaultCSVSink()
	settings.Directory = dir
	settings.Rotation = config.RotationDaily

	sink := New(settings, "station-01")
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	day1 := sample.Sample{Channel: 0, TimestampNs: 1_700_000_000_000_000_000, CalibratedValues: map[string]float64{"valor": 1}}
	day2 := sample.Sample{Channel: 0, TimestampNs: 1_700_100_000_000_000_000, CalibratedValues: map[string]float64{"valor": 2}}
	_ = sink.HandleSample(day1)
	_ = sink.HandleSample(day2)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d files, want 2 (one per UTC day)", len(entries))
	}
}

func TestSinkPinsHeaderAcrossHeterogeneousSamples(t *testing.T) {
	dir := t.TempDir()
	settings := config.DefaultCSVSink()
	settings.Directory = dir
	settings.Rotation = config.RotationSession

	sink := New(settings, "station-01")
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := sample.Sample{
		Channel:          0,
		TimestampNs:      1_700_000_000_000_000_000,
		CalibratedValues: map[string]float64{"valor": 1.5},
		Metadata: sample.Metadata{
			Measurement: "lvdt",
			Tags:        map[string]string{"sensor": "a"},
			StationID:   "station-01",
			SensorName:  "lvdt-a",
			Unit:        "mm",
		},
	}
	second := sample.Sample{
		Channel:          1,
		TimestampNs:      1_700_000_001_000_000_000,
		CalibratedValues: map[string]float64{"other": 9.9},
		Metadata: sample.Metadata{
			StationID: "station-01",
			Fields:    map[string]float64{"extra_reading": 42},
		},
	}
	if err := sink.HandleSample(first); err != nil {
		t.Fatalf("HandleSample (1st): %v", err)
	}
	if err := sink.HandleSample(second); err != nil {
		t.Fatalf("HandleSample (2nd): %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines (incl header), want 3", len(lines))
	}

	header := strings.Split(lines[0], ",")
	columnIndex := func(name string) int {
		for i, col := range header {
			if col == name {
				return i
			}
		}
		return -1
	}
	if columnIndex("value_other") != -1 {
		t.Errorf("header %v should not gain a column for the second sample's new field", header)
	}
	if columnIndex("extra_extra_reading") != -1 {
		t.Errorf("header %v should not gain a column for the second sample's extra field", header)
	}

	secondRow := strings.Split(lines[2], ",")
	valueCol := columnIndex("value_valor")
	if valueCol == -1 {
		t.Fatalf("header %v missing value_valor pinned from the first sample", header)
	}
	if got := secondRow[valueCol]; got != "" {
		t.Errorf("second row's value_valor = %q, want blank (not present in that sample)", got)
	}
	tagCol := columnIndex("tag_sensor")
	if tagCol == -1 {
		t.Fatalf("header %v missing tag_sensor pinned from the first sample", header)
	}
	if got := secondRow[tagCol]; got != "" {
		t.Errorf("second row's tag_sensor = %q, want blank (not present in that sample)", got)
	}
}

func TestSetStateLabel(t *testing.T) {
	dir := t.TempDir()
	settings := config.DefaultCSVSink()
	settings.Directory = dir
	sink := New(settings, "station-01")
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sink.SetStateLabel("20260101", "baseline"); err != nil {
		t.Fatalf("SetStateLabel: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "samples_20260101_state.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "baseline") {
		t.Errorf("state file content = %q, want it to contain %q", data, "baseline")
	}
}
