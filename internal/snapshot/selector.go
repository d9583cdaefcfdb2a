package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/capture"
	"github.com/yourusername/camagent/internal/mediamtx"
)

// ErrCaptureFailed means every viable capture tier was exhausted.
var ErrCaptureFailed = errors.New("all capture tiers failed")

// Tier identifies the capture strategy that produced a frame.
type Tier int

const (
	// TierDirect copies one frame straight off the local device, without
	// transcoding or the remote server.
	TierDirect Tier = iota
	// TierTranscode spawns a local frame-capture process against the device.
	TierTranscode
	// TierStreamReuse pulls a frame from a relay that is already live on the
	// remote server.
	TierStreamReuse
	// TierOnDemand ensures the path to trigger on-demand activation, waits
	// for the relay and then captures. Failure here is terminal.
	TierOnDemand
)

// Request describes one snapshot capture.
type Request struct {
	DeviceID   string
	SourcePath string // resolved by the controller; empty for remote-only sources
	PathName   string
	PathConfig mediamtx.PathConfig
	Format     string
	Quality    int
}

// Result reports a successful capture. It is created fresh per request and
// never persisted.
type Result struct {
	DeviceID        string
	FilePath        string
	SizeBytes       int64
	TierUsed        Tier
	CaptureDuration time.Duration
}

// PathService is the slice of the path manager the selector needs.
type PathService interface {
	EnsurePath(ctx context.Context, name string, config mediamtx.PathConfig) error
	IsLive(ctx context.Context, name string) (bool, error)
}

// Config holds tier timeouts and capture command templates.
type Config struct {
	OutputDir        string
	RTSPBaseURL      string
	DirectTimeout    time.Duration
	TranscodeTimeout time.Duration
	StreamTimeout    time.Duration
	OnDemandTimeout  time.Duration
	DirectCommand    string
	TranscodeCommand string
	StreamCommand    string
}

// Selector tries capture strategies in strictly increasing cost, stopping at
// the first success. A tier that errors or times out falls through to the
// next; only Tier 3 failure fails the request.
type Selector struct {
	runner capture.Runner
	paths  PathService
	prober Prober
	config Config
	logger *zap.Logger

	now func() time.Time
}

// NewSelector creates a tier selector.
func NewSelector(runner capture.Runner, paths PathService, prober Prober, config Config, logger *zap.Logger) *Selector {
	return &Selector{
		runner: runner,
		paths:  paths,
		prober: prober,
		config: config,
		logger: logger.With(zap.String("component", "snapshot_selector")),
		now:    time.Now,
	}
}

// Take captures a single still frame for the request.
func (s *Selector) Take(ctx context.Context, req Request) (*Result, error) {
	if err := os.MkdirAll(s.config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	outPath := filepath.Join(s.config.OutputDir,
		fmt.Sprintf("%s_%d.%s", req.DeviceID, s.now().UnixNano(), req.Format))

	start := s.now()

	local := req.SourcePath != ""

	if local {
		if err := s.tryLocal(ctx, TierDirect, s.config.DirectCommand, s.config.DirectTimeout, req, outPath); err == nil {
			return s.result(req, outPath, TierDirect, start)
		}

		if err := s.tryLocal(ctx, TierTranscode, s.config.TranscodeCommand, s.config.TranscodeTimeout, req, outPath); err == nil {
			return s.result(req, outPath, TierTranscode, start)
		}
	}

	if err := s.tryStreamReuse(ctx, req, outPath); err == nil {
		return s.result(req, outPath, TierStreamReuse, start)
	}

	if err := s.tryOnDemand(ctx, req, outPath); err != nil {
		if errors.Is(err, mediamtx.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	return s.result(req, outPath, TierOnDemand, start)
}

// tryLocal runs tiers 0 and 1 against the local device node.
func (s *Selector) tryLocal(ctx context.Context, tier Tier, template string, timeout time.Duration, req Request, outPath string) error {
	if template == "" {
		return fmt.Errorf("tier %d not configured", tier)
	}

	tierCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := capture.ExpandCommand(template, map[string]string{
		"source":  req.SourcePath,
		"output":  outPath,
		"quality": strconv.Itoa(req.Quality),
	})

	if err := s.runner.Run(tierCtx, command); err != nil {
		s.logger.Debug("Capture tier failed, falling through",
			zap.Int("tier", int(tier)),
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		return err
	}

	return s.verifyOutput(tier, outPath)
}

// verifyOutput treats a command that exited cleanly without writing the
// output file as a tier failure, so the next tier still gets its turn.
func (s *Selector) verifyOutput(tier Tier, outPath string) error {
	if _, err := os.Stat(outPath); err != nil {
		s.logger.Debug("Capture tier produced no file, falling through",
			zap.Int("tier", int(tier)),
			zap.Error(err),
		)
		return fmt.Errorf("tier %d produced no output file: %w", tier, err)
	}
	return nil
}

// tryStreamReuse pulls one frame from an already-active relay. When the
// relay is not live (or liveness cannot be determined) it falls through.
func (s *Selector) tryStreamReuse(ctx context.Context, req Request, outPath string) error {
	tierCtx, cancel := context.WithTimeout(ctx, s.config.StreamTimeout)
	defer cancel()

	live, err := s.paths.IsLive(tierCtx, req.PathName)
	if err != nil {
		s.logger.Debug("Relay liveness check failed, falling through",
			zap.String("path", req.PathName),
			zap.Error(err),
		)
		return err
	}
	if !live {
		return fmt.Errorf("relay for %s is not live", req.PathName)
	}

	return s.captureFromRelay(tierCtx, TierStreamReuse, req, outPath)
}

// tryOnDemand ensures the path to trigger the remote server's on-demand
// relay start, waits for the relay to come up, then captures.
func (s *Selector) tryOnDemand(ctx context.Context, req Request, outPath string) error {
	tierCtx, cancel := context.WithTimeout(ctx, s.config.OnDemandTimeout)
	defer cancel()

	if err := s.paths.EnsurePath(tierCtx, req.PathName, req.PathConfig); err != nil {
		return err
	}

	if err := s.prober.WaitLive(tierCtx, req.PathName); err != nil {
		return fmt.Errorf("relay for %s did not come up: %w", req.PathName, err)
	}

	return s.captureFromRelay(tierCtx, TierOnDemand, req, outPath)
}

func (s *Selector) captureFromRelay(ctx context.Context, tier Tier, req Request, outPath string) error {
	command := capture.ExpandCommand(s.config.StreamCommand, map[string]string{
		"url":     s.config.RTSPBaseURL + "/" + req.PathName,
		"output":  outPath,
		"quality": strconv.Itoa(req.Quality),
	})

	if err := s.runner.Run(ctx, command); err != nil {
		s.logger.Debug("Relay capture failed",
			zap.Int("tier", int(tier)),
			zap.String("path", req.PathName),
			zap.Error(err),
		)
		return err
	}

	return s.verifyOutput(tier, outPath)
}

// result stats the captured file and assembles the response.
func (s *Selector) result(req Request, outPath string, tier Tier, start time.Time) (*Result, error) {
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: capture reported success but produced no file: %v", ErrCaptureFailed, err)
	}

	elapsed := s.now().Sub(start)

	s.logger.Info("Snapshot captured",
		zap.String("device_id", req.DeviceID),
		zap.Int("tier", int(tier)),
		zap.Int64("size_bytes", info.Size()),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		DeviceID:        req.DeviceID,
		FilePath:        outPath,
		SizeBytes:       info.Size(),
		TierUsed:        tier,
		CaptureDuration: elapsed,
	}, nil
}
