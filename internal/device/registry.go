package device

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the presence state of a video device.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// EventType classifies a device presence notification.
type EventType string

const (
	EventAdd    EventType = "add"
	EventRemove EventType = "remove"
	EventChange EventType = "change"
)

// Metadata describes what a device reported about itself when observed.
type Metadata struct {
	Name        string   `json:"name,omitempty"`
	Formats     []string `json:"formats,omitempty"`
	Resolutions []string `json:"resolutions,omitempty"`
}

// Event is a single device presence notification. Push sources and the poll
// reconciler both produce this shape.
type Event struct {
	Type       EventType `json:"type"`
	SourcePath string    `json:"source_path"`
	Metadata   Metadata  `json:"metadata"`
}

// Device is the registry record for one observed video source. Devices are
// only ever created from observed events, never guessed from naming
// conventions.
type Device struct {
	SourcePath  string
	Status      Status
	Name        string
	Formats     []string
	Resolutions []string
	LastSeen    time.Time
}

// Delta is the settled change the registry emits to the controller after
// debouncing.
type Delta struct {
	Type       EventType
	SourcePath string
	Device     Device
}

// Registry is the authoritative in-memory map of discovered devices.
// Mutations go through Apply; reads take snapshot copies so no lock is held
// during response serialization.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	logger  *zap.Logger

	now func() time.Time
}

// NewRegistry creates an empty device registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]Device),
		logger:  logger.With(zap.String("component", "device_registry")),
		now:     time.Now,
	}
}

// Apply updates the registry from a settled event and returns the resulting
// delta. The second return value is false when the event changed nothing
// (e.g. a remove for an unknown path).
func (r *Registry) Apply(event Event) (Delta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case EventAdd, EventChange:
		existing, known := r.devices[event.SourcePath]

		dev := Device{
			SourcePath:  event.SourcePath,
			Status:      StatusConnected,
			Name:        event.Metadata.Name,
			Formats:     event.Metadata.Formats,
			Resolutions: event.Metadata.Resolutions,
			LastSeen:    r.now(),
		}
		if dev.Name == "" && known {
			dev.Name = existing.Name
		}
		r.devices[event.SourcePath] = dev

		deltaType := EventAdd
		if known && existing.Status == StatusConnected {
			deltaType = EventChange
		}

		r.logger.Info("Device registered",
			zap.String("source_path", event.SourcePath),
			zap.String("delta", string(deltaType)),
		)
		return Delta{Type: deltaType, SourcePath: event.SourcePath, Device: dev}, true

	case EventRemove:
		dev, known := r.devices[event.SourcePath]
		if !known {
			return Delta{}, false
		}
		delete(r.devices, event.SourcePath)

		dev.Status = StatusDisconnected
		r.logger.Info("Device removed",
			zap.String("source_path", event.SourcePath),
		)
		return Delta{Type: EventRemove, SourcePath: event.SourcePath, Device: dev}, true

	default:
		return Delta{}, false
	}
}

// Get returns the device for a source path.
func (r *Registry) Get(sourcePath string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, exists := r.devices[sourcePath]
	return dev, exists
}

// Snapshot returns a copy of all current devices.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	return devices
}

// KnownPaths returns the set of currently registered source paths.
func (r *Registry) KnownPaths() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make(map[string]bool, len(r.devices))
	for path := range r.devices {
		paths[path] = true
	}
	return paths
}
