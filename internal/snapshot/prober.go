package snapshot

import (
	"context"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"go.uber.org/zap"
)

// Prober waits until the remote server's relay for a path is accepting
// readers. Tier 3 uses it to detect when on-demand activation has finished.
type Prober interface {
	WaitLive(ctx context.Context, pathName string) error
}

// RTSPProber issues DESCRIBE requests against the relay until one succeeds.
// On an on-demand path the DESCRIBE itself triggers activation, so the probe
// doubles as the activation kick.
type RTSPProber struct {
	baseURL  string // e.g. rtsp://127.0.0.1:8554
	interval time.Duration
	logger   *zap.Logger
}

// NewRTSPProber creates a prober for the given RTSP base URL.
func NewRTSPProber(baseURL string, logger *zap.Logger) *RTSPProber {
	return &RTSPProber{
		baseURL:  baseURL,
		interval: 500 * time.Millisecond,
		logger:   logger.With(zap.String("component", "rtsp_prober")),
	}
}

// WaitLive probes until the relay answers DESCRIBE or the context expires.
func (p *RTSPProber) WaitLive(ctx context.Context, pathName string) error {
	for {
		err := p.describe(pathName)
		if err == nil {
			return nil
		}

		p.logger.Debug("Relay not live yet",
			zap.String("path", pathName),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// describe performs a single DESCRIBE round trip.
func (p *RTSPProber) describe(pathName string) error {
	u, err := base.ParseURL(p.baseURL + "/" + pathName)
	if err != nil {
		return err
	}

	client := &gortsplib.Client{
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return err
	}
	defer client.Close()

	_, _, err = client.Describe(u)
	return err
}
