package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/api"
	"github.com/yourusername/camagent/internal/breaker"
	"github.com/yourusername/camagent/internal/camera"
	"github.com/yourusername/camagent/internal/capture"
	"github.com/yourusername/camagent/internal/device"
	"github.com/yourusername/camagent/internal/mediamtx"
	"github.com/yourusername/camagent/internal/recording"
	"github.com/yourusername/camagent/internal/snapshot"
)

// fakeMediaServer emulates the remote media server's control API closely
// enough to drive the whole agent in-process.
type fakeMediaServer struct {
	mu    sync.Mutex
	paths map[string]map[string]interface{}
	live  map[string]bool
}

func newFakeMediaServer() *fakeMediaServer {
	return &fakeMediaServer{
		paths: make(map[string]map[string]interface{}),
		live:  make(map[string]bool),
	}
}

func (f *fakeMediaServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v3/config/paths/add/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var config map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.paths[name]; exists {
			http.Error(w, `{"error":"path already exists"}`, http.StatusConflict)
			return
		}
		f.paths[name] = config
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("PATCH /v3/config/paths/patch/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var patch map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		config, exists := f.paths[name]
		if !exists {
			http.Error(w, `{"error":"path not found"}`, http.StatusNotFound)
			return
		}
		for key, value := range patch {
			config[key] = value
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /v3/config/paths/get/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		config, exists := f.paths[r.PathValue("name")]
		if !exists {
			http.Error(w, `{"error":"path not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(config)
	})

	mux.HandleFunc("GET /v3/paths/get/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.paths[name]; !exists {
			http.Error(w, `{"error":"path not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":  name,
			"ready": f.live[name],
		})
	})

	return mux
}

func (f *fakeMediaServer) recordEnabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	config, exists := f.paths[name]
	if !exists {
		return false
	}
	record, _ := config["record"].(bool)
	return record
}

// agent bundles the fully wired components for one test run.
type agent struct {
	deviceDir string
	media     *fakeMediaServer
	server    *httptest.Server
	monitor   *device.Monitor
	recorder  *recording.Manager
}

func startAgent(t *testing.T) *agent {
	t.Helper()
	logger := zap.NewNop()

	media := newFakeMediaServer()
	mediaSrv := httptest.NewServer(media.handler())
	t.Cleanup(mediaSrv.Close)

	brk := breaker.New("mediamtx", breaker.DefaultConfig(), logger)
	client := mediamtx.NewClient(mediaSrv.URL, brk, logger)
	paths := mediamtx.NewPathManager(client, mediamtx.DefaultRetryPolicy(), logger)

	recorder := recording.NewManager(paths, 2*time.Second, logger)
	t.Cleanup(recorder.Shutdown)

	deviceDir := t.TempDir()
	outputDir := t.TempDir()

	runner := capture.NewShellRunner(logger)
	selector := snapshot.NewSelector(runner, paths, snapshot.NewRTSPProber("rtsp://127.0.0.1:1", logger), snapshot.Config{
		OutputDir:        outputDir,
		RTSPBaseURL:      "rtsp://127.0.0.1:1",
		DirectTimeout:    2 * time.Second,
		TranscodeTimeout: 2 * time.Second,
		StreamTimeout:    2 * time.Second,
		OnDemandTimeout:  2 * time.Second,
		DirectCommand:    "cp {source} {output}",
		TranscodeCommand: "cp {source} {output}",
		StreamCommand:    "false {url} {output}",
	}, logger)

	registry := device.NewRegistry(logger)
	controller := camera.NewController(registry, recorder, selector, camera.Config{
		PublishCommand:    "ffmpeg -f v4l2 -i {source} -f rtsp {url}",
		RTSPBaseURL:       "rtsp://127.0.0.1:1",
		RecordPathPattern: "recordings/%path/%Y-%m-%d_%H-%M-%S-%f",
		RecordFormat:      "fmp4",
		RecordTimeout:     2 * time.Second,
		SnapshotTimeout:   5 * time.Second,
		StatusTimeout:     2 * time.Second,
	}, logger)

	monitor := device.NewMonitor(registry, controller, device.MonitorConfig{
		DebounceWindow: 20 * time.Millisecond,
		ScanInterval:   30 * time.Millisecond,
		Scanner:        device.DirScanner{Dir: deviceDir, Prefix: "video"},
	}, logger)
	monitor.Start()
	t.Cleanup(monitor.Stop)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       0,
		Production: true,
		Logger:     logger,
		Controller: controller,
	})
	server := httptest.NewServer(apiServer.Handler())
	t.Cleanup(server.Close)

	return &agent{
		deviceDir: deviceDir,
		media:     media,
		server:    server,
		monitor:   monitor,
		recorder:  recorder,
	}
}

func (a *agent) plugDevice(t *testing.T, name string) {
	t.Helper()
	path := filepath.Join(a.deviceDir, name)
	require.NoError(t, os.WriteFile(path, []byte("frame-data"), 0o644))
}

func (a *agent) unplugDevice(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(a.deviceDir, name)))
}

func (a *agent) request(t *testing.T, method, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, a.server.URL+path, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// cameraCount polls the listing without failing the test; it runs inside
// Eventually conditions.
func (a *agent) cameraCount() int {
	resp, err := http.Get(a.server.URL + "/api/v1/cameras")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	var body struct {
		Cameras []json.RawMessage `json:"cameras"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) != nil {
		return -1
	}
	return len(body.Cameras)
}

func TestAgentEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}

	a := startAgent(t)

	// A device node appears; the reconciler picks it up and the camera shows
	// up under its external identifier.
	a.plugDevice(t, "video0")
	require.Eventually(t, func() bool {
		return a.cameraCount() == 1
	}, 5*time.Second, 25*time.Millisecond)

	status, body := a.request(t, http.MethodGet, "/api/v1/cameras", nil)
	require.Equal(t, http.StatusOK, status)
	cameras := body["cameras"].([]interface{})
	first := cameras[0].(map[string]interface{})
	assert.Equal(t, "camera0", first["id"])

	t.Run("Snapshot", func(t *testing.T) {
		status, body := a.request(t, http.MethodPost, "/api/v1/cameras/camera0/snapshot",
			map[string]interface{}{"format": "jpg", "quality": 2})
		require.Equal(t, http.StatusOK, status)

		assert.Equal(t, float64(0), body["tier"])
		filePath, _ := body["file_path"].(string)
		assert.FileExists(t, filePath)
	})

	t.Run("RecordingLifecycle", func(t *testing.T) {
		status, body := a.request(t, http.MethodPost, "/api/v1/cameras/camera0/recording/start",
			map[string]interface{}{"format": "fmp4"})
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, body["recording_id"])
		assert.True(t, a.media.recordEnabled("camera0"))

		// Starting again while recording conflicts.
		status, _ = a.request(t, http.MethodPost, "/api/v1/cameras/camera0/recording/start", nil)
		assert.Equal(t, http.StatusConflict, status)

		// The camera status reflects the remote truth.
		status, body = a.request(t, http.MethodGet, "/api/v1/cameras/camera0", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["recording"])

		status, body = a.request(t, http.MethodPost, "/api/v1/cameras/camera0/recording/stop", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["was_recording"])
		assert.False(t, a.media.recordEnabled("camera0"))

		// Stopping an idle camera conflicts but stays harmless.
		status, _ = a.request(t, http.MethodPost, "/api/v1/cameras/camera0/recording/stop", nil)
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("TimedRecordingAutoStops", func(t *testing.T) {
		status, body := a.request(t, http.MethodPost, "/api/v1/cameras/camera0/recording/start",
			map[string]interface{}{"duration_sec": 1})
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, body["auto_stop_at"])

		assert.Eventually(t, func() bool {
			return !a.media.recordEnabled("camera0")
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("UnknownCamera", func(t *testing.T) {
		status, _ := a.request(t, http.MethodGet, "/api/v1/cameras/camera9", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = a.request(t, http.MethodPost, "/api/v1/cameras/camera9/snapshot", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("DeviceRemoval", func(t *testing.T) {
		a.unplugDevice(t, "video0")
		require.Eventually(t, func() bool {
			return a.cameraCount() == 0
		}, 5*time.Second, 25*time.Millisecond)

		status, _ := a.request(t, http.MethodGet, "/api/v1/cameras/camera0", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestAgentHealth(t *testing.T) {
	a := startAgent(t)

	status, body := a.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAgentIdentifierReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}

	a := startAgent(t)

	a.plugDevice(t, "video0")
	a.plugDevice(t, "video2")
	require.Eventually(t, func() bool {
		return a.cameraCount() == 2
	}, 5*time.Second, 25*time.Millisecond)

	a.unplugDevice(t, "video0")
	require.Eventually(t, func() bool {
		return a.cameraCount() == 1
	}, 5*time.Second, 25*time.Millisecond)

	// The freed identifier is handed to the next device.
	a.plugDevice(t, "video5")
	require.Eventually(t, func() bool {
		return a.cameraCount() == 2
	}, 5*time.Second, 25*time.Millisecond)

	status, body := a.request(t, http.MethodGet, "/api/v1/cameras", nil)
	require.Equal(t, http.StatusOK, status)

	ids := make(map[string]bool, 2)
	for _, entry := range body["cameras"].([]interface{}) {
		cam := entry.(map[string]interface{})
		ids[fmt.Sprint(cam["id"])] = true
	}
	assert.True(t, ids["camera0"] && ids["camera1"])
}
