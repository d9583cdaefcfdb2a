package snapshot

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/mediamtx"
)

// fakeRunner succeeds for commands carrying one of its ok markers and writes
// the output file the way a real capture process would. The last
// whitespace-separated token of each command is the output path. A phantom
// marker exits cleanly without writing anything.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	ok       map[string]bool
	phantom  map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, command string) error {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()

	marker := strings.Fields(command)[0]
	if r.phantom[marker] {
		return nil
	}
	if !r.ok[marker] {
		return errors.New("capture failed")
	}

	fields := strings.Fields(command)
	return os.WriteFile(fields[len(fields)-1], []byte("frame"), 0o644)
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fakePathService struct {
	mu          sync.Mutex
	ensured     []string
	live        bool
	ensureErr   error
	livenessErr error
}

func (p *fakePathService) EnsurePath(_ context.Context, name string, _ mediamtx.PathConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured = append(p.ensured, name)
	return p.ensureErr
}

func (p *fakePathService) IsLive(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, p.livenessErr
}

type fakeProber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakeProber) WaitLive(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func newTestSelector(t *testing.T, runner *fakeRunner, paths *fakePathService, prober *fakeProber) *Selector {
	t.Helper()

	config := Config{
		OutputDir:        t.TempDir(),
		RTSPBaseURL:      "rtsp://127.0.0.1:8554",
		DirectTimeout:    time.Second,
		TranscodeTimeout: time.Second,
		StreamTimeout:    time.Second,
		OnDemandTimeout:  time.Second,
		DirectCommand:    "tier0 {source} {output}",
		TranscodeCommand: "tier1 {quality} {source} {output}",
		StreamCommand:    "stream {quality} {url} {output}",
	}

	return NewSelector(runner, paths, prober, config, zap.NewNop())
}

func localRequest() Request {
	return Request{
		DeviceID:   "camera0",
		SourcePath: "/dev/video0",
		PathName:   "camera0",
		Format:     "jpg",
		Quality:    2,
	}
}

func TestDirectTierShortCircuits(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{"tier0": true}}
	paths := &fakePathService{}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	result, err := sel.Take(context.Background(), localRequest())

	require.NoError(t, err)
	assert.Equal(t, TierDirect, result.TierUsed)
	assert.Positive(t, result.SizeBytes)

	require.Len(t, runner.ran(), 1)
	assert.Empty(t, paths.ensured, "no remote call for a direct capture")
	assert.Zero(t, prober.calls)
}

func TestStreamReuseBeforeOnDemand(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{"stream": true}}
	paths := &fakePathService{live: true}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	result, err := sel.Take(context.Background(), localRequest())

	require.NoError(t, err)
	assert.Equal(t, TierStreamReuse, result.TierUsed)

	commands := runner.ran()
	require.Len(t, commands, 3)
	assert.True(t, strings.HasPrefix(commands[0], "tier0"))
	assert.True(t, strings.HasPrefix(commands[1], "tier1"))
	assert.True(t, strings.HasPrefix(commands[2], "stream"))
	assert.Contains(t, commands[2], "rtsp://127.0.0.1:8554/camera0")

	assert.Empty(t, paths.ensured, "stream reuse must not create the path")
}

func TestOnDemandActivation(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{"stream": true}}
	paths := &fakePathService{live: false}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	result, err := sel.Take(context.Background(), localRequest())

	require.NoError(t, err)
	assert.Equal(t, TierOnDemand, result.TierUsed)
	assert.Equal(t, []string{"camera0"}, paths.ensured)
	assert.Equal(t, 1, prober.calls)
}

func TestPhantomSuccessFallsThrough(t *testing.T) {
	// A capture command that exits 0 without writing the output file counts
	// as that tier failing, not as a captured frame.
	runner := &fakeRunner{
		ok:      map[string]bool{"tier1": true},
		phantom: map[string]bool{"tier0": true},
	}
	paths := &fakePathService{}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	result, err := sel.Take(context.Background(), localRequest())

	require.NoError(t, err)
	assert.Equal(t, TierTranscode, result.TierUsed)
	assert.Positive(t, result.SizeBytes)

	commands := runner.ran()
	require.Len(t, commands, 2)
	assert.True(t, strings.HasPrefix(commands[0], "tier0"))
	assert.True(t, strings.HasPrefix(commands[1], "tier1"))
}

func TestOnDemandFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{}}
	paths := &fakePathService{live: false}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	_, err := sel.Take(context.Background(), localRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureFailed)
}

func TestRemoteOnlySourceSkipsLocalTiers(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{"stream": true}}
	paths := &fakePathService{live: true}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	req := localRequest()
	req.SourcePath = ""

	result, err := sel.Take(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, TierStreamReuse, result.TierUsed)

	commands := runner.ran()
	require.Len(t, commands, 1)
	assert.True(t, strings.HasPrefix(commands[0], "stream"))
}

func TestRemoteUnavailableSurfaces(t *testing.T) {
	runner := &fakeRunner{ok: map[string]bool{}}
	paths := &fakePathService{
		livenessErr: mediamtx.ErrUnavailable,
		ensureErr:   mediamtx.ErrUnavailable,
	}
	prober := &fakeProber{}
	sel := newTestSelector(t, runner, paths, prober)

	_, err := sel.Take(context.Background(), localRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, mediamtx.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrCaptureFailed)
}
