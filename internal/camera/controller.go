package camera

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/capture"
	"github.com/yourusername/camagent/internal/device"
	"github.com/yourusername/camagent/internal/mediamtx"
	"github.com/yourusername/camagent/internal/recording"
	"github.com/yourusername/camagent/internal/snapshot"
)

// Summary is one entry of the camera listing. It is assembled purely from
// local state; listing never touches the remote server.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	Formats     []string  `json:"formats,omitempty"`
	Resolutions []string  `json:"resolutions,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Status extends Summary with the recording state re-read from the remote
// server at query time.
type Status struct {
	Summary
	Recording bool `json:"recording"`
}

// Config carries controller tunables from the application configuration.
type Config struct {
	// PublishCommand is the runOnDemand command template installed on new
	// paths; {source} expands to the device node, {url} to the path's RTSP
	// URL on the remote server.
	PublishCommand string
	// RTSPBaseURL is the remote server's RTSP endpoint, without a path.
	RTSPBaseURL string
	// RecordPathPattern and RecordFormat are the defaults for new paths.
	RecordPathPattern string
	RecordFormat      string
	// Per-operation deadlines for remote calls.
	RecordTimeout   time.Duration
	SnapshotTimeout time.Duration
	StatusTimeout   time.Duration
}

// Controller owns the externalId <-> sourcePath mapping and is the only
// component exposed to the command surface. Raw device paths never cross
// this boundary: callers and all remote-server calls see only externalId
// space and path names.
type Controller struct {
	registry *device.Registry
	recorder *recording.Manager
	selector *snapshot.Selector
	config   Config
	logger   *zap.Logger

	mu     sync.RWMutex
	byID   map[string]string // externalId -> sourcePath
	byPath map[string]string // sourcePath -> externalId
}

// NewController creates the controller.
func NewController(registry *device.Registry, recorder *recording.Manager, selector *snapshot.Selector, config Config, logger *zap.Logger) *Controller {
	return &Controller{
		registry: registry,
		recorder: recorder,
		selector: selector,
		config:   config,
		logger:   logger.With(zap.String("component", "controller")),
		byID:     make(map[string]string),
		byPath:   make(map[string]string),
	}
}

// OnDeviceDelta maintains the identifier mapping from settled registry
// deltas. This runs on the event delivery path, so it only mutates the
// in-memory table.
func (c *Controller) OnDeviceDelta(delta device.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch delta.Type {
	case device.EventAdd:
		if _, mapped := c.byPath[delta.SourcePath]; mapped {
			return
		}
		id := c.nextIDLocked()
		c.byID[id] = delta.SourcePath
		c.byPath[delta.SourcePath] = id

		c.logger.Info("Camera identifier assigned",
			zap.String("id", id),
			zap.String("source_path", delta.SourcePath),
		)

	case device.EventRemove:
		id, mapped := c.byPath[delta.SourcePath]
		if !mapped {
			return
		}
		delete(c.byID, id)
		delete(c.byPath, delta.SourcePath)

		// The remote path outlives the mapping: it is reused if the
		// device comes back.
		c.logger.Info("Camera identifier retired",
			zap.String("id", id),
			zap.String("source_path", delta.SourcePath),
		)
	}
}

// nextIDLocked assigns the lowest unused camera index.
func (c *Controller) nextIDLocked() string {
	for i := 0; ; i++ {
		id := fmt.Sprintf("camera%d", i)
		if _, taken := c.byID[id]; !taken {
			return id
		}
	}
}

// resolve maps an external identifier to its device record.
func (c *Controller) resolve(id string) (device.Device, string, error) {
	c.mu.RLock()
	sourcePath, mapped := c.byID[id]
	c.mu.RUnlock()

	if !mapped {
		return device.Device{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	dev, exists := c.registry.Get(sourcePath)
	if !exists {
		return device.Device{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return dev, sourcePath, nil
}

// ListCameras returns a snapshot of all mapped cameras, sorted by
// identifier. It never touches the remote server.
func (c *Controller) ListCameras() []Summary {
	c.mu.RLock()
	ids := make(map[string]string, len(c.byID))
	for id, path := range c.byID {
		ids[id] = path
	}
	c.mu.RUnlock()

	summaries := make([]Summary, 0, len(ids))
	for id, path := range ids {
		dev, exists := c.registry.Get(path)
		if !exists {
			continue
		}
		summaries = append(summaries, c.summarize(id, dev))
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// GetCameraStatus returns the camera snapshot plus the recording state
// re-read from the remote server. Recording truth is never cached locally.
func (c *Controller) GetCameraStatus(ctx context.Context, id string) (*Status, error) {
	dev, _, err := c.resolve(id)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.StatusTimeout)
	defer cancel()

	isRecording, err := c.recorder.IsRecording(opCtx, id)
	if err != nil {
		return nil, err
	}

	return &Status{
		Summary:   c.summarize(id, dev),
		Recording: isRecording,
	}, nil
}

// TakeSnapshot captures one still frame via the tier selector.
func (c *Controller) TakeSnapshot(ctx context.Context, id, format string, quality int) (*snapshot.Result, error) {
	dev, sourcePath, err := c.resolve(id)
	if err != nil {
		return nil, err
	}

	if format == "" {
		format = "jpg"
	}
	if quality <= 0 {
		quality = 2
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.SnapshotTimeout)
	defer cancel()

	req := snapshot.Request{
		DeviceID:   id,
		SourcePath: sourcePath,
		PathName:   id,
		PathConfig: c.pathConfig(id, sourcePath),
		Format:     format,
		Quality:    quality,
	}

	if dev.Status != device.StatusConnected {
		// The device node is gone; only the remote tiers can help.
		req.SourcePath = ""
	}

	return c.selector.Take(opCtx, req)
}

// StartRecording enables recording for the camera. A zero duration records
// until stopped.
func (c *Controller) StartRecording(ctx context.Context, id string, duration time.Duration, format string) (*recording.Handle, error) {
	_, sourcePath, err := c.resolve(id)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.RecordTimeout)
	defer cancel()

	return c.recorder.Start(opCtx, id, id, c.pathConfig(id, sourcePath), duration, format)
}

// StopRecording disables recording for the camera.
func (c *Controller) StopRecording(ctx context.Context, id string) (*recording.Summary, error) {
	if _, _, err := c.resolve(id); err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.RecordTimeout)
	defer cancel()

	return c.recorder.Stop(opCtx, id, id)
}

// pathConfig builds the remote path configuration for a device. The path is
// named after the external identifier; the publish command is the only place
// the raw source path appears.
func (c *Controller) pathConfig(name, sourcePath string) mediamtx.PathConfig {
	return mediamtx.PathConfig{
		RunOnDemand: capture.ExpandCommand(c.config.PublishCommand, map[string]string{
			"source": sourcePath,
			"url":    strings.TrimSuffix(c.config.RTSPBaseURL, "/") + "/" + name,
		}),
		RunOnDemandRestart:    false,
		RunOnDemandCloseAfter: "10s",
		RecordPath:            c.config.RecordPathPattern,
		RecordFormat:          c.config.RecordFormat,
	}
}

func (c *Controller) summarize(id string, dev device.Device) Summary {
	return Summary{
		ID:          id,
		Name:        dev.Name,
		Status:      string(dev.Status),
		Formats:     dev.Formats,
		Resolutions: dev.Resolutions,
		LastSeen:    dev.LastSeen,
	}
}
