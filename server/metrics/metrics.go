// Package metrics exposes pump and detector statistics to Prometheus
package metrics

import (
	"net/http"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/livedetect/server/detector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sources are polled whenever metrics are scraped. Any of them may be nil.
type Sources struct {
	Pump     func() pump.Stats
	Detector func() detector.Stats
	Clients  func() int
	Recorder func() (written, dropped uint64)
}

// Metrics holds the Prometheus registry, and counts pump events
type Metrics struct {
	registry   *prometheus.Registry
	detections *prometheus.CounterVec
	warnings   prometheus.Counter
	errors     prometheus.Counter
	eos        prometheus.Counter
}

func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedetect_detections_total",
			Help: "Objects detected, by label",
		}, []string{"label"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedetect_warnings_total",
			Help: "Frames that failed to process",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedetect_errors_total",
			Help: "Setup, update, and worker panic errors",
		}),
		eos: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedetect_end_of_streams_total",
			Help: "Number of times the source reached end of stream",
		}),
	}
	m.registry.MustRegister(m.detections, m.warnings, m.errors, m.eos)
	m.registerSources(src)
	return m
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f))
}

func (m *Metrics) registerSources(src Sources) {
	if src.Pump != nil {
		m.gauge("livedetect_pump_frames_processed_total", "Frames passed to the worker", func() float64 { return float64(src.Pump().Processed) })
		m.gauge("livedetect_pump_frames_pulled_total", "Frames pulled from the source", func() float64 { return float64(src.Pump().Pulled) })
		m.gauge("livedetect_pump_frames_pushed_total", "Frames pushed to the sink", func() float64 { return float64(src.Pump().Pushed) })
		m.gauge("livedetect_pump_pull_timeouts_total", "Pulls that timed out without a frame", func() float64 { return float64(src.Pump().PullTimeouts) })
		m.gauge("livedetect_pump_pending_updates", "Reconfiguration commands waiting to be applied", func() float64 { return float64(src.Pump().PendingUpdates) })
		m.gauge("livedetect_pump_forward_seconds_avg", "Moving average of worker forward time", func() float64 { return src.Pump().AvgForward.Seconds() })
		m.gauge("livedetect_pump_forward_seconds_p95", "95th percentile of recent worker forward times", func() float64 { return src.Pump().P95Forward.Seconds() })
		m.gauge("livedetect_pump_running", "1 if the pump is running, 0 if paused or stopped", func() float64 {
			if src.Pump().State == pump.StateRunning.String() {
				return 1
			}
			return 0
		})
	}
	if src.Detector != nil {
		m.gauge("livedetect_detector_prepare_seconds_avg", "Moving average of letterbox and tensor conversion time", func() float64 { return src.Detector().AvgPrepare.Seconds() })
		m.gauge("livedetect_detector_inference_seconds_avg", "Moving average of model inference time", func() float64 { return src.Detector().AvgInference.Seconds() })
		m.gauge("livedetect_detector_postprocess_seconds_avg", "Moving average of NMS and rescale time", func() float64 { return src.Detector().AvgPostProcess.Seconds() })
	}
	if src.Clients != nil {
		m.gauge("livedetect_websocket_clients", "Connected websocket clients", func() float64 { return float64(src.Clients()) })
	}
	if src.Recorder != nil {
		m.gauge("livedetect_recorder_frames_written_total", "Frames written to the detection database", func() float64 {
			w, _ := src.Recorder()
			return float64(w)
		})
		m.gauge("livedetect_recorder_frames_dropped_total", "Frames dropped because the database fell behind", func() float64 {
			_, d := src.Recorder()
			return float64(d)
		})
	}
}

// OnEvent implements event.Listener
func (m *Metrics) OnEvent(sender *event.Sender, ev any) {
	switch e := ev.(type) {
	case pump.NewDetections:
		for _, d := range e.Result.Detections {
			label := d.Label
			if label == "" {
				label = "unknown"
			}
			m.detections.WithLabelValues(label).Inc()
		}
	case pump.Warning:
		m.warnings.Inc()
	case pump.Error:
		m.errors.Inc()
	case pump.EndOfStream:
		m.eos.Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
