package nn

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// Package nn turns raw object detection model output into labeled boxes.

const DefaultConfidenceThreshold = 0.25
const DefaultNmsIouThreshold = 0.45
const DefaultMaxDetections = 100

// NN object detection parameters
type DetectionParams struct {
	ConfidenceThreshold float32 `json:"confidenceThreshold"` // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold     float32 `json:"nmsIouThreshold"`     // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MaxDetections       int     `json:"maxDetections"`       // Maximum number of objects per image. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() DetectionParams {
	return DetectionParams{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
		MaxDetections:       DefaultMaxDetections,
	}
}

// Return a copy of p, with zero values replaced by defaults
func (p DetectionParams) WithDefaults() DetectionParams {
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if p.NmsIouThreshold == 0 {
		p.NmsIouThreshold = DefaultNmsIouThreshold
	}
	if p.MaxDetections <= 0 {
		p.MaxDetections = DefaultMaxDetections
	}
	return p
}

// Merge returns p, with every non-zero field of 'update' overriding the existing value
func (p DetectionParams) Merge(update DetectionParams) DetectionParams {
	if update.ConfidenceThreshold != 0 {
		p.ConfidenceThreshold = update.ConfidenceThreshold
	}
	if update.NmsIouThreshold != 0 {
		p.NmsIouThreshold = update.NmsIouThreshold
	}
	if update.MaxDetections != 0 {
		p.MaxDetections = update.MaxDetections
	}
	return p
}

// ModelVersion selects the output convention of a YOLO family model
type ModelVersion int

const (
	VersionUnknown ModelVersion = iota // Deduce from the output tensor
	VersionV5                          // Rows carry an objectness score. Candidate-major output.
	VersionV8                          // No objectness. Channel-major output.
)

func (v ModelVersion) String() string {
	switch v {
	case VersionV5:
		return "yolov5"
	case VersionV8:
		return "yolov8"
	}
	return "unknown"
}

// ParseModelVersion accepts "yolov5", "yolov8", "v5", "v8" or "" (unknown)
func ParseModelVersion(s string) ModelVersion {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yolov5", "v5", "5":
		return VersionV5
	case "yolov8", "v8", "8", "yolo11", "yolov11":
		return VersionV8
	}
	return VersionUnknown
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
	NumMasks     int      `json:"numMasks"`     // Mask coefficients per row, for segmentation models
}

func (c *ModelConfig) InputSize() Size {
	return MakeSize(c.Width, c.Height)
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
