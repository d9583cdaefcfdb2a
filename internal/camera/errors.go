package camera

import (
	"errors"

	"github.com/yourusername/camagent/internal/mediamtx"
	"github.com/yourusername/camagent/internal/recording"
	"github.com/yourusername/camagent/internal/snapshot"
)

// ErrNotFound means no camera with the given external identifier exists.
var ErrNotFound = errors.New("camera not found")

// Re-exported component errors so the transport adapter can classify every
// controller failure with errors.Is against a single package.
var (
	ErrAlreadyRecording = recording.ErrAlreadyRecording
	ErrNotRecording     = recording.ErrNotRecording
	ErrUnavailable      = mediamtx.ErrUnavailable
	ErrRejected         = mediamtx.ErrRejected
	ErrCaptureFailed    = snapshot.ErrCaptureFailed
)
