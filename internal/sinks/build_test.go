package sinks

import (
	"log"
	"testing"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
)

func baseStorage() config.Storage {
	s := config.DefaultStorage()
	s.URL = "http://influx.invalid:8086"
	s.Org = "org"
	s.Bucket = "bucket"
	s.Token = "tok"
	return s
}

func TestBuildDefaultsToDriverOnly(t *testing.T) {
	settings := baseStorage()
	settings.Sinks = nil

	built := Build(settings, "station-01", log.Default())
	if len(built) != 1 {
		t.Fatalf("got %d sinks, want 1 (driver only)", len(built))
	}
}

func TestBuildSkipsDisabledCSVAndFTP(t *testing.T) {
	settings := baseStorage()
	settings.Sinks = []string{"influxdb_v2", "csv", "ftp"}
	settings.CSV.Enabled = false
	settings.FTP.Enabled = false

	built := Build(settings, "station-01", log.Default())
	if len(built) != 1 {
		t.Fatalf("got %d sinks, want 1 (csv/ftp disabled)", len(built))
	}
}

func TestBuildIncludesEnabledCSVAndFTP(t *testing.T) {
	settings := baseStorage()
	settings.Sinks = []string{"influxdb_v2", "csv", "sftp"}
	settings.CSV.Enabled = true
	settings.CSV.Directory = t.TempDir()
	settings.FTP.Enabled = true
	settings.FTP.Host = "ftp.invalid"

	built := Build(settings, "station-01", log.Default())
	if len(built) != 3 {
		t.Fatalf("got %d sinks, want 3", len(built))
	}
}

func TestBuildDeduplicatesNames(t *testing.T) {
	settings := baseStorage()
	settings.Sinks = []string{"influxdb_v2", "influx", "InfluxDB_V2"}

	built := Build(settings, "station-01", log.Default())
	if len(built) != 1 {
		t.Fatalf("got %d sinks, want 1 (deduplicated)", len(built))
	}
}

func TestBuildSkipsUnsupportedName(t *testing.T) {
	settings := baseStorage()
	settings.Sinks = []string{"unsupported-thing"}

	built := Build(settings, "station-01", log.Default())
	if len(built) != 0 {
		t.Fatalf("got %d sinks, want 0", len(built))
	}
}
