package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/mediamtx"
)

var (
	// ErrAlreadyRecording means the remote path already has recording enabled.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording means a stop was requested while the remote path had
	// recording disabled. The stop is still applied (it is harmless).
	ErrNotRecording = errors.New("not recording")
)

// PathService is the slice of the path manager the recording manager needs.
type PathService interface {
	EnsurePath(ctx context.Context, name string, config mediamtx.PathConfig) error
	PatchPath(ctx context.Context, name string, config mediamtx.PathConfig) error
	GetPathConfig(ctx context.Context, name string) (*mediamtx.PathConfig, error)
}

// Handle identifies a started recording session.
type Handle struct {
	ID         string
	DeviceID   string
	PathName   string
	StartedAt  time.Time
	AutoStopAt *time.Time // nil for unlimited recordings
}

// Summary reports the outcome of a stop request.
type Summary struct {
	DeviceID     string
	PathName     string
	StoppedAt    time.Time
	WasRecording bool
}

// timerEntry is the only in-memory recording state: the armed auto-stop.
// Whether a path is actually recording is always re-read from the remote
// server, never cached here.
type timerEntry struct {
	handleID   string
	timer      *time.Timer
	autoStopAt time.Time
}

// Manager drives recording on remote paths. State machine per device:
// Idle -> Recording -> Idle, with the remote path configuration as the only
// source of truth.
type Manager struct {
	paths     PathService
	opTimeout time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // path name -> session lock
	timers map[string]*timerEntry // path name -> armed auto-stop
}

// NewManager creates a recording manager.
func NewManager(paths PathService, opTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		paths:     paths,
		opTimeout: opTimeout,
		logger:    logger.With(zap.String("component", "recording_manager")),
		locks:     make(map[string]*sync.Mutex),
		timers:    make(map[string]*timerEntry),
	}
}

// sessionLock serializes the read-then-patch sequences of Start, Stop and
// the auto-stop callback for one path, so a state read and the patch it
// decides stay one atomic step. Locks persist for the process lifetime; the
// set of paths is small and stable.
func (m *Manager) sessionLock(pathName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, exists := m.locks[pathName]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[pathName] = lock
	}
	return lock
}

// Start enables recording on the path, creating it first if needed. A
// positive duration arms an auto-stop timer; zero means unlimited.
func (m *Manager) Start(ctx context.Context, deviceID, pathName string, pathConfig mediamtx.PathConfig, duration time.Duration, format string) (*Handle, error) {
	lock := m.sessionLock(pathName)
	lock.Lock()
	defer lock.Unlock()

	if err := m.paths.EnsurePath(ctx, pathName, pathConfig); err != nil {
		return nil, err
	}

	current, err := m.paths.GetPathConfig(ctx, pathName)
	if err != nil && !errors.Is(err, mediamtx.ErrPathNotFound) {
		return nil, err
	}
	if current != nil && current.Record != nil && *current.Record {
		return nil, fmt.Errorf("%w: path %s", ErrAlreadyRecording, pathName)
	}

	enabled := true
	patch := mediamtx.PathConfig{Record: &enabled}
	if format != "" {
		patch.RecordFormat = format
	}
	if err := m.paths.PatchPath(ctx, pathName, patch); err != nil {
		return nil, err
	}

	handle := &Handle{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		PathName:  pathName,
		StartedAt: time.Now(),
	}

	if duration > 0 {
		autoStopAt := handle.StartedAt.Add(duration)
		handle.AutoStopAt = &autoStopAt
		m.armTimer(handle.ID, deviceID, pathName, duration, autoStopAt)
	}

	m.logger.Info("Recording started",
		zap.String("device_id", deviceID),
		zap.String("path", pathName),
		zap.Duration("duration", duration),
	)

	return handle, nil
}

// Stop disables recording and cancels any armed auto-stop. Stopping an
// already-stopped recording patches false again (the remote server is the
// source of truth and the patch is harmless) and reports ErrNotRecording
// alongside the summary.
func (m *Manager) Stop(ctx context.Context, deviceID, pathName string) (*Summary, error) {
	lock := m.sessionLock(pathName)
	lock.Lock()
	defer lock.Unlock()

	wasRecording := false
	pathExists := true

	current, err := m.paths.GetPathConfig(ctx, pathName)
	if err != nil {
		if !errors.Is(err, mediamtx.ErrPathNotFound) {
			return nil, err
		}
		pathExists = false
	} else if current.Record != nil && *current.Record {
		wasRecording = true
	}

	// A path that was never created has nothing to patch; retrying the 404
	// would only stall the caller.
	if pathExists {
		disabled := false
		if err := m.paths.PatchPath(ctx, pathName, mediamtx.PathConfig{Record: &disabled}); err != nil &&
			!errors.Is(err, mediamtx.ErrPathNotFound) {
			return nil, err
		}
	}

	m.cancelTimer(pathName)

	summary := &Summary{
		DeviceID:     deviceID,
		PathName:     pathName,
		StoppedAt:    time.Now(),
		WasRecording: wasRecording,
	}

	m.logger.Info("Recording stopped",
		zap.String("device_id", deviceID),
		zap.String("path", pathName),
		zap.Bool("was_recording", wasRecording),
	)

	if !wasRecording {
		return summary, ErrNotRecording
	}
	return summary, nil
}

// IsRecording re-reads the remote path configuration. A missing path means
// nothing has ever recorded there.
func (m *Manager) IsRecording(ctx context.Context, pathName string) (bool, error) {
	config, err := m.paths.GetPathConfig(ctx, pathName)
	if err != nil {
		if errors.Is(err, mediamtx.ErrPathNotFound) {
			return false, nil
		}
		return false, err
	}
	return config.Record != nil && *config.Record, nil
}

// Shutdown cancels all armed timers without touching remote state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pathName, entry := range m.timers {
		entry.timer.Stop()
		delete(m.timers, pathName)
	}
}

// armTimer schedules the auto-stop, replacing any previous timer for the
// same path.
func (m *Manager) armTimer(handleID, deviceID, pathName string, duration time.Duration, autoStopAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.timers[pathName]; exists {
		old.timer.Stop()
	}

	entry := &timerEntry{handleID: handleID, autoStopAt: autoStopAt}
	entry.timer = time.AfterFunc(duration, func() {
		m.autoStop(handleID, deviceID, pathName)
	})
	m.timers[pathName] = entry
}

// cancelTimer removes the auto-stop for a path if one is armed. Safe against
// a concurrently firing timer: the double patch to record=false is harmless.
func (m *Manager) cancelTimer(pathName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.timers[pathName]; exists {
		entry.timer.Stop()
		delete(m.timers, pathName)
	}
}

// autoStop fires on timer expiry. It may only patch while it still owns the
// timer entry for its own session: a manual stop or a newer session on the
// same path removes or replaces the entry, and a stale callback that finds
// itself disowned must return without touching remote state. The session
// lock is held across the ownership check and the patch, so a stop or start
// that is racing this callback always observes its effect in order.
func (m *Manager) autoStop(handleID, deviceID, pathName string) {
	lock := m.sessionLock(pathName)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	entry, exists := m.timers[pathName]
	if !exists || entry.handleID != handleID {
		m.mu.Unlock()
		m.logger.Debug("Stale auto-stop superseded, skipping",
			zap.String("device_id", deviceID),
			zap.String("path", pathName),
		)
		return
	}
	delete(m.timers, pathName)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	disabled := false
	if err := m.paths.PatchPath(ctx, pathName, mediamtx.PathConfig{Record: &disabled}); err != nil {
		m.logger.Error("Auto-stop patch failed",
			zap.String("device_id", deviceID),
			zap.String("path", pathName),
			zap.Error(err),
		)
		return
	}

	m.logger.Info("Recording auto-stopped",
		zap.String("device_id", deviceID),
		zap.String("path", pathName),
	)
}
