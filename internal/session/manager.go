// Package session implements the single-slot Session Manager: it starts
// and stops exactly one acquisition Runner at a time, snapshotting
// config at start and exposing the active or last-finished session's
// summary to the control plane.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/acquisition"
	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

// ErrConflict is returned by Start, Stop, and AcquirePreview when the
// single-slot or single-subscriber invariant is violated.
type ErrConflict struct {
	Detail string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("session: %s", e.Detail)
}

// Status is one point in a session's lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// StartRequest is the Start call's input.
type StartRequest struct {
	Mode    acquisition.Mode
	Preview bool
}

// Summary is a session's externally visible state.
type Summary struct {
	Mode       acquisition.Mode
	Preview    bool
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time
	StationID  string
	Error      string
}

// previewQueueCapacity matches the original's bounded preview queue
// size.
const previewQueueCapacity = 4

// stopJoinTimeout bounds how long Stop waits for the runner goroutine
// to finish before giving up and logging an orphan warning.
const stopJoinTimeout = 10 * time.Second

// RunnerFactory builds the Runner a session will drive, wiring whatever
// sinks the caller's storage settings require. Tests substitute a
// factory backed by a board.Simulated and in-memory sinks.
type RunnerFactory func(station config.Station, storage config.Storage) (*acquisition.Runner, error)

// Manager coordinates session lifecycle and enforces the single active
// session invariant.
type Manager struct {
	RunnerFactory RunnerFactory
	LoadStation   func() (config.Station, error)
	LoadStorage   func() (config.Storage, error)
	Logger        *log.Logger

	mu          sync.Mutex
	active      *activeSession
	lastSummary *Summary
}

// NewManager constructs a Manager. factory, loadStation, and loadStorage
// must be non-nil.
func NewManager(factory RunnerFactory, loadStation func() (config.Station, error), loadStorage func() (config.Storage, error)) *Manager {
	return &Manager{
		RunnerFactory: factory,
		LoadStation:   loadStation,
		LoadStorage:   loadStorage,
		Logger:        log.Default(),
	}
}

type activeSession struct {
	runner    *acquisition.Runner
	station   config.Station
	mode      acquisition.Mode
	preview   bool
	previewCh chan sample.PreviewMessage

	mu               sync.Mutex
	status           Status
	errText          string
	startedAt        time.Time
	finishedAt       *time.Time
	done             chan struct{}
	previewConsumers int

	stopOnce sync.Once
}

func (s *activeSession) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Mode:       s.mode,
		Preview:    s.preview,
		Status:     s.status,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		StationID:  s.station.StationID,
		Error:      s.errText,
	}
}

func (s *activeSession) isActive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *activeSession) start(logger *log.Logger) {
	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		requestedMode := s.mode
		runMode := requestedMode
		if s.preview {
			runMode = acquisition.ModeTest
		}
		logger.Printf("session: starting acquisition (mode=%s preview=%v)", requestedMode, s.preview)

		err := s.runner.Run(runMode)

		s.mu.Lock()
		now := time.Now()
		s.finishedAt = &now
		if err != nil {
			s.status = StatusFailed
			s.errText = err.Error()
		} else if s.status == StatusRunning {
			s.status = StatusFinished
		}
		finalStatus := s.status
		s.mu.Unlock()

		logger.Printf("session: acquisition finished (status=%s)", finalStatus)
	}()
}

// requestStop asks the runner to stop and waits up to stopJoinTimeout
// for it to terminate, logging (but not failing on) a timeout.
func (s *activeSession) requestStop(logger *log.Logger) {
	s.stopOnce.Do(func() {
		s.runner.RequestStop()
		select {
		case <-s.done:
		case <-time.After(stopJoinTimeout):
			logger.Printf("session: timeout waiting for acquisition to stop; it may become an orphan")
		}

		s.mu.Lock()
		if s.finishedAt == nil {
			now := time.Now()
			s.finishedAt = &now
		}
		if s.status == StatusRunning || s.status == StatusFinished {
			s.status = StatusStopped
		}
		s.mu.Unlock()
	})
}

func (s *activeSession) acquirePreview() (<-chan sample.PreviewMessage, error) {
	if !s.preview || s.previewCh == nil {
		return nil, &ErrConflict{Detail: "current session does not expose a preview"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.previewConsumers >= 1 {
		return nil, &ErrConflict{Detail: "a client is already consuming the preview"}
	}
	s.previewConsumers++
	return s.previewCh, nil
}

func (s *activeSession) releasePreview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.previewConsumers > 0 {
		s.previewConsumers--
	}
}

// cleanupFinishedLocked moves a finished active session into
// lastSummary. Callers must hold m.mu.
func (m *Manager) cleanupFinishedLocked() {
	if m.active != nil && !m.active.isActive() {
		summary := m.active.summary()
		m.lastSummary = &summary
		m.active = nil
	}
}

// Start begins a new session if none is active. It snapshots the
// current station/storage config, builds a Runner via RunnerFactory,
// and launches it in a background goroutine.
func (m *Manager) Start(req StartRequest) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFinishedLocked()

	if m.active != nil {
		return Summary{}, &ErrConflict{Detail: "a session is already running"}
	}

	station, err := m.LoadStation()
	if err != nil {
		return Summary{}, fmt.Errorf("session: loading station config: %w", err)
	}
	storage, err := m.LoadStorage()
	if err != nil {
		return Summary{}, fmt.Errorf("session: loading storage config: %w", err)
	}

	runner, err := m.RunnerFactory(station, storage)
	if err != nil {
		return Summary{}, fmt.Errorf("session: building runner: %w", err)
	}

	sess := &activeSession{
		runner:    runner,
		station:   station,
		mode:      req.Mode,
		preview:   req.Preview,
		status:    StatusStarting,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if req.Preview {
		sess.previewCh = make(chan sample.PreviewMessage, previewQueueCapacity)
		runner.Preview = sess.previewCh
	}

	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	sess.start(logger)

	m.active = sess
	m.lastSummary = nil
	return sess.summary(), nil
}

// Stop requests the active session to stop and waits (bounded) for it
// to terminate.
func (m *Manager) Stop() (Summary, error) {
	m.mu.Lock()
	m.cleanupFinishedLocked()
	sess := m.active
	if sess == nil {
		m.mu.Unlock()
		return Summary{}, &ErrConflict{Detail: "no active session"}
	}
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	m.mu.Unlock()

	sess.requestStop(logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	summary := sess.summary()
	m.lastSummary = &summary
	m.active = nil
	return summary, nil
}

// Current returns the active session's summary, or ok=false if none is
// active.
func (m *Manager) Current() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFinishedLocked()
	if m.active == nil {
		return Summary{}, false
	}
	return m.active.summary(), true
}

// Last returns the most recently finished session's summary, if no
// session is currently active.
func (m *Manager) Last() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFinishedLocked()
	if m.active != nil || m.lastSummary == nil {
		return Summary{}, false
	}
	return *m.lastSummary, true
}

// AcquirePreview returns the active session's preview channel for a
// single subscriber, failing with ErrConflict if no session exposes a
// preview or one is already subscribed.
func (m *Manager) AcquirePreview() (<-chan sample.PreviewMessage, error) {
	m.mu.Lock()
	m.cleanupFinishedLocked()
	sess := m.active
	m.mu.Unlock()

	if sess == nil {
		return nil, &ErrConflict{Detail: "no session with preview available"}
	}
	return sess.acquirePreview()
}

// ReleasePreview releases a preview subscription acquired with
// AcquirePreview. Safe to call even after the session has finished.
func (m *Manager) ReleasePreview(ch <-chan sample.PreviewMessage) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess != nil && sess.previewCh == ch {
		sess.releasePreview()
	}
}
