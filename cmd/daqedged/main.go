// Command daqedged runs the edge data-acquisition daemon: it loads the
// station and storage configuration, exposes the HTTP control plane
// described by the station's operators manual, and drives acquisition
// sessions against a board.Driver on request.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/acquisition"
	"github.com/multiverse-hardware-labs/daqedge/internal/board"
	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/controlplane"
	"github.com/multiverse-hardware-labs/daqedge/internal/session"
	"github.com/multiverse-hardware-labs/daqedge/internal/sinks"
	"github.com/multiverse-hardware-labs/daqedge/internal/telemetry"
)

func main() {
	sensorsPath := flag.String("sensors", "sensors.yaml", "path to the station (sensors) config file")
	storagePath := flag.String("storage", "storage.yaml", "path to the storage config file")
	addr := flag.String("addr", ":8080", "HTTP control-plane listen address")
	token := flag.String("token", "", "bearer token required on every control-plane request (empty disables auth)")
	logTail := flag.Int("log_tail_capacity", 500, "number of recent log lines kept in memory for GET /logs")
	metrics := flag.Bool("metrics", true, "mount GET /metrics with Prometheus-format counters")
	flag.Parse()

	logRing := controlplane.NewLogRing(*logTail)
	log.SetOutput(io.MultiWriter(os.Stderr, logRing))
	logger := log.Default()

	stationStore := config.NewStore(*sensorsPath)
	storageStore := config.NewStore(*storagePath)

	if _, err := stationStore.LoadStation(); err != nil {
		logger.Fatalf("daqedged: loading station config %s: %v", *sensorsPath, err)
	}
	if _, err := storageStore.LoadStorage(); err != nil {
		logger.Fatalf("daqedged: loading storage config %s: %v", *storagePath, err)
	}

	factory := func(station config.Station, storage config.Storage) (*acquisition.Runner, error) {
		drv := board.NewSimulated()
		sinkSet := sinks.Build(storage, station.StationID, logger)
		runner := acquisition.New(station, drv, sinkSet)
		runner.Logger = logger
		return runner, nil
	}
	sessionManager := session.NewManager(factory, stationStore.LoadStation, storageStore.LoadStorage)
	sessionManager.Logger = logger

	var metricsHandler http.Handler
	if *metrics {
		metricsHandler = telemetry.Handler()
	}

	server := controlplane.NewServer(stationStore, storageStore, sessionManager, logRing, metricsHandler)
	server.Logger = logger
	server.BearerToken = *token

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("daqedged: control plane listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("daqedged: control plane: %v", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logger.Printf("daqedged: shutting down")
	if active, ok := sessionManager.Current(); ok {
		logger.Printf("daqedged: stopping active session (station %s)", active.StationID)
		if _, err := sessionManager.Stop(); err != nil {
			logger.Printf("daqedged: error stopping active session: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatalf("daqedged: graceful shutdown failed: %v", err)
	}
	fmt.Fprintln(os.Stderr, "daqedged: stopped")
}
