package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/livedetect/pkg/reconfig"
	"github.com/cyclopcam/livedetect/pkg/www"
	"github.com/cyclopcam/livedetect/server/detector"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Control requests per client IP, per second
const controlRateLimit = 10

// Largest JSON body we accept on control requests
const maxControlBody = 64 * 1024

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()
	protected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}
	control := func(method, route string, handle httprouter.Handle) {
		www.HandleLimited(s.Log, router, method, route, handle, controlRateLimit, time.Second)
	}

	protected("GET", "/api/ping", s.httpPing)
	protected("GET", "/api/stats", s.httpStats)
	protected("GET", "/api/detections", s.httpDetections)
	protected("GET", "/api/recent", s.httpRecent)
	protected("GET", "/api/labels", s.httpLabels)
	control("POST", "/api/pause/:state", s.httpPause)
	control("POST", "/api/thresholds", s.httpThresholds)
	control("POST", "/api/alignCenter/:state", s.httpAlignCenter)
	control("POST", "/api/device/:device", s.httpDevice)
	control("POST", "/api/dtype/:dtype", s.httpDType)
	control("POST", "/api/model", s.httpModel)
	router.Handler("GET", "/metrics", s.Metrics.Handler())

	s.httpRouter = router
}

// StatsJSON is the response of GET /api/stats
type StatsJSON struct {
	Pump     pump.Stats         `json:"pump"`
	Detector detector.Stats     `json:"detector"`
	Params   nn.DetectionParams `json:"params"`
	Clients  int                `json:"clients"`
	Recorder *RecorderStatsJSON `json:"recorder,omitempty"`
}

type RecorderStatsJSON struct {
	Session string `json:"session"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

// ModelJSON is the body of POST /api/model
type ModelJSON struct {
	Path    string `json:"path"`
	Classes string `json:"classes"` // Optional class file
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats := StatsJSON{
		Pump:     s.Pump.Stats(),
		Detector: s.Detector.Stats(),
		Params:   s.Detector.Params(),
		Clients:  s.Hub.NumClients(),
	}
	if s.Recorder != nil {
		stats.Recorder = &RecorderStatsJSON{
			Session: s.Recorder.Session(),
			Written: s.Recorder.Written(),
			Dropped: s.Recorder.Dropped(),
		}
	}
	www.CacheNever(w)
	www.SendJSON(w, &stats)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) httpDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.Hub.Run(conn)
}

func (s *Server) requireRecorder() {
	if s.Recorder == nil {
		www.Panic(http.StatusNotFound, "Detection recording is disabled")
	}
}

func (s *Server) httpRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireRecorder()
	limit := www.QueryInt(r, "limit", 100)
	if limit <= 0 || limit > 10000 {
		www.PanicBadRequestf("limit must be between 1 and 10000")
	}
	frames, err := s.Recorder.Recent(limit)
	www.Check(err)
	www.SendJSON(w, frames)
}

func (s *Server) httpLabels(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireRecorder()
	seconds := www.QueryInt(r, "seconds", 3600)
	if seconds <= 0 {
		www.PanicBadRequestf("seconds must be positive")
	}
	counts, err := s.Recorder.LabelCounts(time.Now().Add(-time.Duration(seconds) * time.Second))
	www.Check(err)
	www.SendJSON(w, counts)
}

// state is "on", "off", or "toggle"
func (s *Server) httpPause(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := params.ByName("state")
	if state == "toggle" {
		s.Pump.TogglePause()
	} else {
		paused, err := www.ParseBool(state)
		www.CheckClient(err)
		s.Pump.Pause(paused)
	}
	www.SendJSON(w, s.Pump.Stats())
}

// Zero fields in the body keep their current value
func (s *Server) httpThresholds(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	update := nn.DetectionParams{}
	www.ReadJSON(w, r, &update, maxControlBody)
	if update.ConfidenceThreshold < 0 || update.ConfidenceThreshold > 1 {
		www.PanicBadRequestf("confidenceThreshold must be between 0 and 1")
	}
	if update.NmsIouThreshold < 0 || update.NmsIouThreshold > 1 {
		www.PanicBadRequestf("nmsIouThreshold must be between 0 and 1")
	}
	if update.MaxDetections < 0 {
		www.PanicBadRequestf("maxDetections may not be negative")
	}
	s.Pump.UpdateLater(reconfig.SetThresholds(update))
	www.SendOK(w)
}

func (s *Server) httpAlignCenter(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	align, err := www.ParseBool(params.ByName("state"))
	www.CheckClient(err)
	s.Pump.UpdateLater(reconfig.SetAlignCenter(align))
	www.SendOK(w)
}

func (s *Server) httpDevice(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Pump.UpdateLater(reconfig.SetDevice(params.ByName("device")))
	www.SendOK(w)
}

func (s *Server) httpDType(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Pump.UpdateLater(reconfig.SetDType(params.ByName("dtype")))
	www.SendOK(w)
}

// Failures surface later, as an Error on the detection websocket, because the
// model is only loaded when the pump gets around to it.
func (s *Server) httpModel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	m := ModelJSON{}
	www.ReadJSON(w, r, &m, maxControlBody)
	if m.Path == "" {
		www.PanicBadRequestf("path is required")
	}
	s.Pump.UpdateLater(reconfig.LoadModel(m.Path, m.Classes))
	www.SendOK(w)
}
