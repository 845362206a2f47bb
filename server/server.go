// Package server wires a configured source, detector, and sink into a running pump,
// and exposes the results over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/livedetect/pkg/engine/onnx"
	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/gstio"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/livedetect/server/detectiondb"
	"github.com/cyclopcam/livedetect/server/detector"
	"github.com/cyclopcam/livedetect/server/metrics"
	"github.com/cyclopcam/livedetect/server/streamer"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// How long Shutdown waits for the pump to finish its current frame
const pumpCloseTimeout = 10 * time.Second

// Parts lets a caller supply components that would otherwise be built from the config.
// Tests use this to run the server without GStreamer or onnxruntime.
type Parts struct {
	Source pump.Source
	Sink   pump.Sink // Only used if Source is also supplied
	Engine engine.Engine
}

type Server struct {
	Log      logs.Log
	Config   *config.Config
	Pump     *pump.Pump
	Detector *detector.Detector
	Hub      *streamer.Hub
	Recorder *detectiondb.DetectionDB // nil if recording is disabled
	Metrics  *metrics.Metrics

	// ShutdownComplete receives the result of Shutdown, exactly once
	ShutdownComplete chan error

	events       *event.Sender
	engine       engine.Engine
	gstSource    *gstio.Source // nil if the source was supplied by the caller
	gstSink      *gstio.Sink
	signalIn     chan os.Signal
	lock         sync.Mutex
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	shutdownOnce sync.Once
}

// NewServer builds every component from the config. Nothing runs until Start.
func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	return NewServerWithParts(logger, cfg, Parts{})
}

func NewServerWithParts(logger logs.Log, cfg *config.Config, parts Parts) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan error, 1),
		events:           &event.Sender{},
	}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	modelCfg := &nn.ModelConfig{}
	if cfg.Model.ConfigPath != "" {
		var err error
		if modelCfg, err = nn.LoadModelConfig(cfg.Model.ConfigPath); err != nil {
			return nil, fmt.Errorf("Error loading model config %v: %w", cfg.Model.ConfigPath, err)
		}
	}

	s.engine = parts.Engine
	if s.engine == nil {
		inputSize := nn.MakeSize(cfg.Model.Width, cfg.Model.Height)
		if !inputSize.IsValid() {
			inputSize = modelCfg.InputSize()
		}
		eng, err := onnx.New(logger, onnx.Options{
			LibraryPath: cfg.Model.LibraryPath,
			InputSize:   inputSize,
			Threads:     cfg.Model.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("Error initializing onnxruntime: %w", err)
		}
		s.engine = eng
	}

	detOpt := detectorOptions(cfg, modelCfg)
	det, err := detector.New(logger, s.engine, s.events, detOpt)
	if err != nil {
		return nil, err
	}
	s.Detector = det

	source, sink := parts.Source, parts.Sink
	if source == nil {
		gstio.Init()
		if s.gstSource, err = gstio.NewSource(logger, cfg.Source.Pipeline, cfg.Source.SinkName); err != nil {
			return nil, err
		}
		source = s.gstSource
		if cfg.Sink.Pipeline != "" {
			if s.gstSink, err = gstio.NewSink(logger, cfg.Sink.Pipeline, cfg.Sink.SrcName); err != nil {
				return nil, err
			}
			sink = s.gstSink
		}
	}

	s.Pump, err = pump.New(logger, pump.Config{
		Source:      source,
		Worker:      det,
		Sink:        sink,
		Events:      s.events,
		PullTimeout: time.Duration(cfg.PullTimeoutMS) * time.Millisecond,
		StartPaused: cfg.StartPaused,
	})
	if err != nil {
		return nil, err
	}

	s.Hub = streamer.NewHub(logger)
	s.events.AddListener(s.Hub)

	if cfg.DBPath != "" {
		s.Recorder, err = detectiondb.Open(logger, cfg.DBPath, detectiondb.Options{SkipEmpty: !cfg.RecordEmpty})
		if err != nil {
			return nil, err
		}
		s.events.AddListener(s.Recorder)
	}

	src := metrics.Sources{
		Pump:     s.Pump.Stats,
		Detector: s.Detector.Stats,
		Clients:  s.Hub.NumClients,
	}
	if s.Recorder != nil {
		rec := s.Recorder
		src.Recorder = func() (uint64, uint64) { return rec.Written(), rec.Dropped() }
	}
	s.Metrics = metrics.New(src)
	s.events.AddListener(s.Metrics)

	s.events.AddListener(&pumpLogger{log: logger})

	s.setupHttpRoutes()
	ok = true
	return s, nil
}

func detectorOptions(cfg *config.Config, modelCfg *nn.ModelConfig) detector.Options {
	opt := detector.DefaultOptions()
	opt.ModelPath = cfg.Model.Path
	opt.ClassesPath = cfg.Model.ClassesPath
	opt.Classes = modelCfg.Classes
	opt.Device = engine.Device(cfg.Model.Device)
	opt.DType = engine.DType(cfg.Model.DType)
	opt.Params = cfg.DetectionParams()
	opt.AlignCenter = cfg.IsAlignCenter()
	opt.StrictLabels = cfg.StrictLabels
	opt.Version = nn.ParseModelVersion(cfg.Model.Version)
	if opt.Version == nn.VersionUnknown {
		opt.Version = nn.ParseModelVersion(modelCfg.Architecture)
	}
	opt.NumMasks = cfg.Model.NumMasks
	if opt.NumMasks == 0 {
		opt.NumMasks = modelCfg.NumMasks
	}
	opt.MergeMap = cfg.Model.MergeClasses
	opt.Overlay = cfg.Overlay
	opt.Verbose = cfg.Verbose
	return opt
}

// Events is the sender that carries detections, warnings, and errors from the pump
func (s *Server) Events() *event.Sender {
	return s.events
}

// Start the GStreamer pipelines and the pump.
// The pump's first job is to load the model, so a bad model is reported as a pump Error event, not here.
func (s *Server) Start() error {
	if s.gstSink != nil {
		if err := s.gstSink.Start(); err != nil {
			return fmt.Errorf("Error starting sink pipeline: %w", err)
		}
	}
	if s.gstSource != nil {
		if err := s.gstSource.Start(); err != nil {
			return fmt.Errorf("Error starting source pipeline: %w", err)
		}
	}
	s.Pump.Go()
	s.Pump.Start()
	return nil
}

// ListenHTTP blocks until the HTTP server is shut down.
// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	srv := s.httpServer
	s.lock.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler serves the HTTP API
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.lock.Lock()
	s.signalIn = make(chan os.Signal, 1)
	signalIn := s.signalIn
	s.lock.Unlock()
	signal.Notify(signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// ShutdownOnEndOfStream shuts the server down when the source runs dry, or the pump exits,
// eg after a setup failure. This suits batch runs over a file.
func (s *Server) ShutdownOnEndOfStream() {
	s.events.AddListener(&endOfStreamListener{s: s})
}

// Shutdown stops the pump, the HTTP server, and the recorder. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		s.lock.Lock()
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		httpServer := s.httpServer
		s.lock.Unlock()

		var errs []error
		if err := s.Pump.Close(pumpCloseTimeout); err != nil {
			s.Log.Errorf("Closing pump: %v", err)
			errs = append(errs, err)
		}
		if httpServer != nil {
			s.Log.Infof("Closing HTTP server")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		s.release()

		err := errors.Join(errs...)
		if err != nil {
			s.Log.Warnf("Shutdown complete, with error: %v", err)
		} else {
			s.Log.Infof("Shutdown complete")
		}
		s.ShutdownComplete <- err
	})
}

// release closes everything that does not belong to the pump goroutine.
// The engine is closed by the detector's Cleanup.
func (s *Server) release() {
	if s.gstSource != nil {
		if err := s.gstSource.Close(); err != nil {
			s.Log.Warnf("Closing source pipeline: %v", err)
		}
	}
	if s.gstSink != nil {
		if err := s.gstSink.Close(); err != nil {
			s.Log.Warnf("Closing sink pipeline: %v", err)
		}
	}
	if s.Recorder != nil {
		s.Recorder.Close()
	}
}

// pumpLogger reports pump errors that nothing else would surface
type pumpLogger struct {
	log logs.Log
}

func (l *pumpLogger) OnEvent(sender *event.Sender, ev any) {
	switch e := ev.(type) {
	case pump.Error:
		l.log.Errorf("%v", e)
	case pump.EndOfStream:
		l.log.Infof("Source reached end of stream. Pump is paused.")
	case pump.Finished:
		l.log.Infof("Pump finished after %v frames", e.NumProcessedFrames)
	}
}

type endOfStreamListener struct {
	s *Server
}

func (l *endOfStreamListener) OnEvent(sender *event.Sender, ev any) {
	switch ev.(type) {
	case pump.EndOfStream, pump.Finished:
		// Events arrive on the pump goroutine, and Shutdown waits for that goroutine to exit
		go l.s.Shutdown()
	}
}
