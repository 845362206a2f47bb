package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/livedetect/pkg/www"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/livedetect/server/streamer"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const side = 64

// stubEngine sees one person in the middle of every frame
type stubEngine struct {
	forwards atomic.Int64
	closed   atomic.Bool
}

func (e *stubEngine) Load(modelPath string) error                       { return nil }
func (e *stubEngine) To(device engine.Device, dtype engine.DType) error { return nil }
func (e *stubEngine) Eval() error                                       { return nil }
func (e *stubEngine) InputSize() nn.Size                                { return nn.MakeSize(side, side) }
func (e *stubEngine) Close()                                            { e.closed.Store(true) }

// A yolov8 style [1, 84, 100] prediction
func (e *stubEngine) Forward(input tensor.Tensor) (tensor.Tensor, error) {
	e.forwards.Add(1)
	const channels, n = 84, 100
	data := make([]float32, channels*n)
	row := make([]float32, channels)
	copy(row, []float32{32, 32, 10, 20, 0.9}) // class 0 = person
	for k, v := range row {
		data[k*n+3] = v
	}
	return tensor.New(tensor.WithShape(1, channels, n), tensor.WithBacking(data)), nil
}

func frame() *pump.Frame {
	return &pump.Frame{
		Pixels:      make([]byte, side*side*3),
		Width:       side,
		Height:      side,
		PixelFormat: pump.PixelFormatRGB,
	}
}

type testServer struct {
	*Server
	source *pump.ChanSource
	engine *stubEngine
	events *event.ChanListener
	http   *httptest.Server
}

func newTestServer(t *testing.T, modify ...func(cfg *config.Config)) *testServer {
	cfg := config.Default()
	cfg.Source.Pipeline = "unused"
	cfg.Model.Path = "yolov8n.onnx"
	cfg.DBPath = filepath.Join(t.TempDir(), "detections.sqlite")
	cfg.PullTimeoutMS = 10
	for _, m := range modify {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	ts := &testServer{
		source: pump.NewChanSource(8),
		engine: &stubEngine{},
		events: event.NewChanListener(100),
	}
	s, err := NewServerWithParts(logs.NewTestingLog(t), cfg, Parts{Source: ts.source, Engine: ts.engine})
	require.NoError(t, err)
	ts.Server = s
	s.Events().AddListener(ts.events)
	ts.http = httptest.NewServer(s.Handler())
	require.NoError(t, s.Start())
	return ts
}

func (ts *testServer) close(t *testing.T) {
	ts.http.Close()
	ts.Shutdown()
	require.NoError(t, <-ts.ShutdownComplete)
	require.True(t, ts.engine.closed.Load())
}

func (ts *testServer) write(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, ts.source.Write(t.Context(), frame()))
	}
}

func (ts *testServer) waitDetections(t *testing.T, n int) []*nn.FrameDetections {
	var all []*nn.FrameDetections
	timeout := time.After(5 * time.Second)
	for len(all) < n {
		select {
		case ev := <-ts.events.C:
			if d, ok := ev.(pump.NewDetections); ok {
				all = append(all, d.Result)
			}
		case <-timeout:
			t.Fatalf("Only received %v of %v detection events", len(all), n)
		}
	}
	return all
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) post(t *testing.T, path, body string) (int, string) {
	resp, err := http.Post(ts.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestDetectAndQuery(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close(t)

	ts.write(t, 3)
	dets := ts.waitDetections(t, 3)
	for i, d := range dets {
		require.EqualValues(t, i+1, d.FrameID)
		require.Len(t, d.Detections, 1)
		require.Equal(t, "person", d.Detections[0].Label)
		require.InDelta(t, 27, d.Detections[0].Box.X, 1)
	}

	stats := StatsJSON{}
	require.Equal(t, 200, ts.get(t, "/api/stats", &stats))
	require.EqualValues(t, 3, stats.Pump.Processed)
	require.EqualValues(t, 3, stats.Detector.Detections)
	require.Equal(t, "running", stats.Pump.State)
	require.NotNil(t, stats.Recorder)

	require.Eventually(t, func() bool {
		var recent []map[string]any
		return ts.get(t, "/api/recent?limit=10", &recent) == 200 && len(recent) == 3
	}, 5*time.Second, 50*time.Millisecond)

	labels := map[string]int{}
	require.Equal(t, 200, ts.get(t, "/api/labels", &labels))
	require.Equal(t, 3, labels["person"])

	require.Equal(t, 400, ts.get(t, "/api/recent?limit=0", nil))

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(metrics), `livedetect_detections_total{label="person"} 3`)
}

func TestControl(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close(t)

	code, _ := ts.post(t, "/api/pause/on", "")
	require.Equal(t, 200, code)
	require.True(t, ts.Pump.IsPaused())
	code, _ = ts.post(t, "/api/pause/toggle", "")
	require.Equal(t, 200, code)
	require.False(t, ts.Pump.IsPaused())
	code, _ = ts.post(t, "/api/pause/maybe", "")
	require.Equal(t, 400, code)

	code, _ = ts.post(t, "/api/thresholds", `{"confidenceThreshold": 0.95}`)
	require.Equal(t, 200, code)
	code, _ = ts.post(t, "/api/thresholds", `{"confidenceThreshold": 2}`)
	require.Equal(t, 400, code)
	code, _ = ts.post(t, "/api/thresholds", `not json`)
	require.Equal(t, 400, code)

	// Updates are applied by the pump before its next pull
	require.Eventually(t, func() bool {
		return ts.Detector.Params().ConfidenceThreshold == 0.95
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, nn.DefaultNmsIouThreshold, ts.Detector.Params().NmsIouThreshold)

	// Our person has confidence 0.9, which is now below the threshold
	ts.write(t, 1)
	dets := ts.waitDetections(t, 1)
	require.Len(t, dets[0].Detections, 0)

	code, _ = ts.post(t, "/api/model", `{}`)
	require.Equal(t, 400, code)
}

func TestStartPaused(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.StartPaused = true })
	defer ts.close(t)

	ts.write(t, 2)
	time.Sleep(50 * time.Millisecond)
	require.True(t, ts.Pump.IsPaused())
	require.Zero(t, ts.engine.forwards.Load())
	require.Zero(t, ts.Pump.Stats().Pulled)

	code, _ := ts.post(t, "/api/pause/off", "")
	require.Equal(t, 200, code)
	ts.waitDetections(t, 2)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close(t)

	limited := 0
	for i := 0; i < controlRateLimit+5; i++ {
		code, _ := ts.post(t, "/api/alignCenter/on", "")
		if code == http.StatusTooManyRequests {
			limited++
		}
	}
	require.NotZero(t, limited)
	// Read-only routes are not limited
	for i := 0; i < controlRateLimit+5; i++ {
		require.Equal(t, 200, ts.get(t, "/api/ping", nil))
	}
}

func TestWebSocket(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close(t)

	ts.write(t, 1)
	ts.waitDetections(t, 1)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/detections"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	// The most recent detection is sent on connect
	msg := streamer.Message{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "detection", msg.Type)
	require.Equal(t, "person", msg.Detection.Detections[0].Label)

	ts.write(t, 1)
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "detection", msg.Type)
	require.EqualValues(t, 2, msg.Detection.FrameID)

	conn.Close()
	require.Eventually(t, func() bool { return ts.Hub.NumClients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClientHelpers(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close(t)

	stats := pump.Stats{}
	require.NoError(t, www.PostJSON(ts.http.URL+"/api/pause/on", nil, &stats))
	require.Equal(t, "paused", stats.State)
	require.NoError(t, www.PostJSON(ts.http.URL+"/api/thresholds", nn.DetectionParams{MaxDetections: 5}, nil))
	require.Error(t, www.PostJSON(ts.http.URL+"/api/pause/maybe", nil, nil))
}

func TestDetectorOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = "m.onnx"
	modelCfg := &nn.ModelConfig{Architecture: "yolov5", Classes: []string{"a", "b"}, NumMasks: 32}
	opt := detectorOptions(cfg, modelCfg)
	require.Equal(t, nn.VersionV5, opt.Version)
	require.Equal(t, []string{"a", "b"}, opt.Classes)
	require.Equal(t, 32, opt.NumMasks)
	require.True(t, opt.AlignCenter)

	cfg.Model.Version = "yolov8"
	cfg.Model.NumMasks = 0
	no := false
	cfg.AlignCenter = &no
	opt = detectorOptions(cfg, modelCfg)
	require.Equal(t, nn.VersionV8, opt.Version)
	require.False(t, opt.AlignCenter)
}
