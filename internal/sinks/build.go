// Package sinks builds the set of sample.Sink implementations a storage
// configuration's Sinks list names, matching the original sink
// registry's name-to-constructor table.
package sinks

import (
	"log"
	"strings"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
	"github.com/multiverse-hardware-labs/daqedge/internal/sinks/csvsink"
	"github.com/multiverse-hardware-labs/daqedge/internal/sinks/database"
	"github.com/multiverse-hardware-labs/daqedge/internal/sinks/ftpsink"
)

// Build constructs one sample.Sink per name in settings.Sinks (falling
// back to just the primary driver when empty, though Storage.Validate
// already fills that in), skipping duplicate names and sinks whose
// enabling flag is off, logging each skip the way the original registry
// does.
func Build(settings config.Storage, stationID string, logger *log.Logger) []sample.Sink {
	if logger == nil {
		logger = log.Default()
	}
	names := settings.Sinks
	if len(names) == 0 {
		names = []string{settings.Driver}
	}

	var built []sample.Sink
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "influx", "influxdb", "influxdb_v2":
			built = append(built, database.New(settings))
		case "csv":
			if settings.CSV.Enabled {
				built = append(built, csvsink.New(settings.CSV, stationID))
			} else {
				logger.Printf("sinks: csv sink requested but disabled in configuration; skipping")
			}
		case "ftp", "sftp":
			if !settings.FTP.Enabled {
				logger.Printf("sinks: ftp sink requested but disabled in configuration; skipping")
				continue
			}
			ftpSettings := settings.FTP
			if name == "sftp" {
				ftpSettings.Protocol = config.ProtocolSFTP
			}
			if ftpSettings.Host == "" {
				logger.Printf("sinks: ftp sink enabled but no host configured; skipping")
				continue
			}
			built = append(built, ftpsink.New(ftpSettings, settings.CSV, stationID))
		default:
			logger.Printf("sinks: sink %q is not supported and will be ignored", name)
		}
	}
	return built
}
