package mediamtx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PathManager owns all writes to remote path configuration. Operations on a
// given path name are serialized through a per-path mutex so concurrent
// recording start/stop calls cannot interleave their PATCH requests; paths
// with different names proceed fully in parallel.
//
// A path is created once and reused across sessions: normal recording
// start/stop never deletes it.
type PathManager struct {
	client *Client
	retry  RetryPolicy
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathManager creates a path manager on top of the control API client.
func NewPathManager(client *Client, retry RetryPolicy, logger *zap.Logger) *PathManager {
	return &PathManager{
		client: client,
		retry:  retry,
		logger: logger.With(zap.String("component", "path_manager")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// pathLock returns the mutex for a path name, creating it on first use.
// Locks are never removed: the set of path names is small and stable.
func (pm *PathManager) pathLock(name string) *sync.Mutex {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	lock, exists := pm.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		pm.locks[name] = lock
	}
	return lock
}

// validateName rejects names the remote server cannot accept. These fail
// immediately and are never retried.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: path name is empty", ErrRejected)
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%w: path name %q contains whitespace", ErrRejected, name)
	}
	return nil
}

// EnsurePath creates the path if it does not exist. "Already exists" is
// success, not an error: creation is idempotent.
func (pm *PathManager) EnsurePath(ctx context.Context, name string, config PathConfig) error {
	if err := validateName(name); err != nil {
		return err
	}

	lock := pm.pathLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := pm.retry.Do(ctx, func(ctx context.Context) error {
		err := pm.client.CreatePath(ctx, name, config)
		if err != nil && isAlreadyExists(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return pm.classify(name, "create", err)
	}

	pm.logger.Debug("Path ensured", zap.String("path", name))
	return nil
}

// PatchPath applies a partial configuration change with bounded backoff.
// No existence pre-check is done: an on-demand path may still be activating
// on the remote side, so a 404/409 is retried rather than failed.
func (pm *PathManager) PatchPath(ctx context.Context, name string, config PathConfig) error {
	if err := validateName(name); err != nil {
		return err
	}

	lock := pm.pathLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := pm.retry.Do(ctx, func(ctx context.Context) error {
		return pm.client.PatchPath(ctx, name, config)
	})
	if err != nil {
		return pm.classify(name, "patch", err)
	}

	pm.logger.Debug("Path patched", zap.String("path", name))
	return nil
}

// GetPathConfig reads the configured state of a path from the remote server.
func (pm *PathManager) GetPathConfig(ctx context.Context, name string) (*PathConfig, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return pm.client.GetPathConfig(ctx, name)
}

// IsLive reports whether the remote server currently has an active relay
// for the path.
func (pm *PathManager) IsLive(ctx context.Context, name string) (bool, error) {
	status, err := pm.client.GetPathStatus(ctx, name)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) {
			return false, nil
		}
		return false, err
	}
	return status.Ready, nil
}

// classify maps exhausted-retry and validation errors onto the caller-facing
// taxonomy.
func (pm *PathManager) classify(name, op string, err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, ErrPathNotFound) {
		pm.logger.Warn("Path still missing after retries",
			zap.String("path", name),
			zap.String("op", op),
		)
		return err
	}

	if IsTransient(err) {
		// Retries exhausted on a transient failure.
		pm.logger.Warn("Path operation retries exhausted",
			zap.String("path", name),
			zap.String("op", op),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, name, err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return fmt.Errorf("%w: %w", ErrRejected, apiErr)
	}

	return err
}
