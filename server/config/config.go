package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cyclopcam/livedetect/pkg/nn"
)

// Source is a GStreamer pipeline that ends in an appsink
type Source struct {
	Pipeline string `json:"pipeline"` // eg "filesrc location=a.mp4 ! decodebin ! videoconvert ! video/x-raw,format=RGB ! appsink name=detect"
	SinkName string `json:"sinkName"` // Name of the appsink element. Default "detect".
}

// Sink is a GStreamer pipeline that starts with an appsrc. Optional.
type Sink struct {
	Pipeline string `json:"pipeline"` // eg "appsrc name=overlay ! videoconvert ! autovideosink"
	SrcName  string `json:"srcName"`  // Name of the appsrc element. Default "overlay".
}

type Model struct {
	Path         string            `json:"path"`         // ONNX model file
	ConfigPath   string            `json:"configPath"`   // Optional JSON model config (nn.ModelConfig), for width, height, and classes
	ClassesPath  string            `json:"classesPath"`  // Optional text file with one class name per line. Default is COCO.
	Version      string            `json:"version"`      // "yolov5", "yolov8", or empty to deduce from the output shape
	Device       string            `json:"device"`       // "cpu", "cuda", "cuda:1"
	DType        string            `json:"dtype"`        // "float32"
	Width        int               `json:"width"`        // Only needed if the model has a dynamic input size
	Height       int               `json:"height"`       // Only needed if the model has a dynamic input size
	NumMasks     int               `json:"numMasks"`     // Segmentation mask coefficients per row
	Threads      int               `json:"threads"`      // onnxruntime intra-op threads. Zero lets onnxruntime decide.
	MergeClasses map[string]string `json:"mergeClasses"` // eg {"truck": "car"}
	LibraryPath  string            `json:"libraryPath"`  // onnxruntime shared library
}

type Config struct {
	Source              Source  `json:"source"`
	Sink                Sink    `json:"sink"`
	Model               Model   `json:"model"`
	ConfidenceThreshold float32 `json:"confidenceThreshold"` // Default 0.25
	NmsIouThreshold     float32 `json:"nmsIouThreshold"`     // Default 0.45
	MaxDetections       int     `json:"maxDetections"`       // Default 100
	AlignCenter         *bool   `json:"alignCenter"`         // Letterbox in the center (default) or top-left
	StrictLabels        bool    `json:"strictLabels"`        // Fail frames with class ids that have no name
	PullTimeoutMS       int     `json:"pullTimeoutMS"`       // Default 100
	Overlay             bool    `json:"overlay"`             // Draw boxes on frames sent to the sink
	Verbose             bool    `json:"verbose"`             // Log every detection
	DBPath              string  `json:"dbPath"`              // SQLite file for recording detections. Empty disables recording.
	RecordEmpty         bool    `json:"recordEmpty"`         // Record frames with no detections
	HTTPListen          string  `json:"httpListen"`          // eg ":8080". Empty disables the HTTP API.
	StartPaused         bool    `json:"startPaused"`
}

// Default returns a config with every optional field set to its default
func Default() *Config {
	return &Config{
		Source: Source{SinkName: "detect"},
		Sink:   Sink{SrcName: "overlay"},
		Model: Model{
			Device: "cpu",
			DType:  "float32",
		},
		ConfidenceThreshold: nn.DefaultConfidenceThreshold,
		NmsIouThreshold:     nn.DefaultNmsIouThreshold,
		MaxDetections:       nn.DefaultMaxDetections,
		PullTimeoutMS:       100,
		HTTPListen:          ":8080",
	}
}

// DefaultFilename is used when LoadConfig is given an empty filename
const DefaultFilename = "livedetect.json"

// LoadConfig reads and validates a config file
func LoadConfig(filename string) (*Config, error) {
	cfg, err := ReadConfig(filename)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ReadConfig reads a config file on top of the defaults, without validating it.
// Use this when command line flags may still fill in missing fields.
func ReadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.Pipeline) == "" {
		return errors.New("source.pipeline is required")
	}
	if c.Model.Path == "" {
		return errors.New("model.path is required")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidenceThreshold %v is outside of [0,1]", c.ConfidenceThreshold)
	}
	if c.NmsIouThreshold < 0 || c.NmsIouThreshold > 1 {
		return fmt.Errorf("nmsIouThreshold %v is outside of [0,1]", c.NmsIouThreshold)
	}
	if c.MaxDetections < 0 {
		return fmt.Errorf("maxDetections %v is negative", c.MaxDetections)
	}
	if c.Model.Version != "" && nn.ParseModelVersion(c.Model.Version) == nn.VersionUnknown {
		return fmt.Errorf("unknown model version '%v'", c.Model.Version)
	}
	return nil
}

func (c *Config) DetectionParams() nn.DetectionParams {
	return nn.DetectionParams{
		ConfidenceThreshold: c.ConfidenceThreshold,
		NmsIouThreshold:     c.NmsIouThreshold,
		MaxDetections:       c.MaxDetections,
	}.WithDefaults()
}

func (c *Config) IsAlignCenter() bool {
	return c.AlignCenter == nil || *c.AlignCenter
}
