package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scanner enumerates the video sources that exist right now. It is the
// polling fallback used when no push source is delivering events; it only
// reports paths it actually observed.
type Scanner interface {
	Scan() ([]string, error)
}

// DirScanner lists device nodes under a directory that carry a given prefix
// (e.g. /dev with prefix "video").
type DirScanner struct {
	Dir    string
	Prefix string
}

// Scan returns the matching device paths currently present.
func (s DirScanner) Scan() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), s.Prefix) {
			paths = append(paths, filepath.Join(s.Dir, entry.Name()))
		}
	}
	return paths, nil
}

// DeltaHandler receives settled registry deltas. Implementations must be
// fast and non-blocking: slow remote-server work never happens on the event
// delivery path.
type DeltaHandler interface {
	OnDeviceDelta(delta Delta)
}

// MonitorConfig configures event debouncing and the poll fallback.
type MonitorConfig struct {
	DebounceWindow time.Duration
	ScanInterval   time.Duration
	Scanner        Scanner // nil disables the poll fallback
}

// Monitor ingests raw device events, collapses bursts on the same source
// path within the debounce window into a single settled event, applies them
// to the registry and forwards the deltas. A periodic reconciliation scan
// synthesizes the same event shape for drift the push source missed, so
// downstream components never know which source was active.
type Monitor struct {
	registry *Registry
	handler  DeltaHandler
	config   MonitorConfig
	logger   *zap.Logger

	events chan Event
	flush  chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor feeding the given registry and handler.
func NewMonitor(registry *Registry, handler DeltaHandler, config MonitorConfig, logger *zap.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		registry: registry,
		handler:  handler,
		config:   config,
		logger:   logger.With(zap.String("component", "device_monitor")),
		events:   make(chan Event, 64),
		flush:    make(chan string, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the event loop and, when a scanner is configured, the
// reconciliation ticker.
func (m *Monitor) Start() {
	go m.run()

	if m.config.Scanner != nil {
		go m.runReconciler()
	}
}

// Stop shuts the monitor down and waits for the event loop to drain.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

// Push delivers a raw device event. It never blocks the caller: if the
// buffer is full the event is dropped and the next reconciliation scan will
// repair the drift.
func (m *Monitor) Push(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("Event buffer full, dropping event; reconciler will catch up",
			zap.String("source_path", event.SourcePath),
		)
	}
}

// run is the single goroutine that owns the pending-event state.
func (m *Monitor) run() {
	defer close(m.done)

	pending := make(map[string]Event)
	timers := make(map[string]*time.Timer)

	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return

		case event := <-m.events:
			// Latest event per source path wins; the timer restarts so a
			// rapid add/remove burst settles into one delta.
			pending[event.SourcePath] = event

			if timer, exists := timers[event.SourcePath]; exists {
				timer.Stop()
			}
			path := event.SourcePath
			timers[path] = time.AfterFunc(m.config.DebounceWindow, func() {
				select {
				case m.flush <- path:
				case <-m.ctx.Done():
				}
			})

		case path := <-m.flush:
			event, exists := pending[path]
			if !exists {
				continue
			}
			delete(pending, path)
			delete(timers, path)

			if delta, changed := m.registry.Apply(event); changed {
				m.handler.OnDeviceDelta(delta)
			}
		}
	}
}

// runReconciler periodically compares the scanner's view with the registry
// and synthesizes add/remove events for any drift.
func (m *Monitor) runReconciler() {
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

// reconcile synthesizes events for paths that appeared or vanished since the
// last settled registry state.
func (m *Monitor) reconcile() {
	observed, err := m.config.Scanner.Scan()
	if err != nil {
		m.logger.Warn("Device scan failed", zap.Error(err))
		return
	}

	known := m.registry.KnownPaths()

	seen := make(map[string]bool, len(observed))
	for _, path := range observed {
		seen[path] = true
		if !known[path] {
			m.Push(Event{Type: EventAdd, SourcePath: path})
		}
	}

	for path := range known {
		if !seen[path] {
			m.Push(Event{Type: EventRemove, SourcePath: path})
		}
	}
}
