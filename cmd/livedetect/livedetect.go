package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/livedetect/pkg/buildinfo"
	"github.com/cyclopcam/livedetect/pkg/www"
	"github.com/cyclopcam/livedetect/server"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("livedetect", "Live object detection on a video stream")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: config.DefaultFilename})
	source := parser.String("s", "source", &argparse.Options{Help: "GStreamer source pipeline, ending in an appsink named 'detect'", Default: ""})
	sink := parser.String("o", "sink", &argparse.Options{Help: "GStreamer output pipeline, starting with an appsrc named 'overlay'", Default: ""})
	model := parser.String("m", "model", &argparse.Options{Help: "ONNX model file", Default: ""})
	classes := parser.String("", "classes", &argparse.Options{Help: "Text file with one class name per line", Default: ""})
	device := parser.String("d", "device", &argparse.Options{Help: "Inference device, eg 'cpu', 'cuda:0'", Default: ""})
	confidence := parser.Float("", "conf", &argparse.Options{Help: "Confidence threshold (0 keeps the configured value)", Default: 0.0})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg ':8080'. 'off' disables HTTP.", Default: ""})
	dbPath := parser.String("", "db", &argparse.Options{Help: "SQLite file for recording detections", Default: ""})
	overlay := parser.Flag("", "overlay", &argparse.Options{Help: "Draw detections onto the output frames", Default: false})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Log every detection", Default: false})
	paused := parser.Flag("", "paused", &argparse.Options{Help: "Start paused, and wait for /api/pause/off", Default: false})
	exitOnEOS := parser.Flag("", "exit-on-eos", &argparse.Options{Help: "Exit when the source reaches end of stream", Default: false})
	status := parser.String("", "status", &argparse.Options{Help: "Print the stats of a running server, eg 'http://localhost:8080', and exit", Default: ""})
	showVersion := parser.Flag("", "version", &argparse.Options{Help: "Print version and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("livedetect %v\n", buildinfo.Version)
		return
	}
	if *status != "" {
		if err := printStatus(*status); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.ReadConfig(*configFile)
	if errors.Is(err, fs.ErrNotExist) && *configFile == config.DefaultFilename {
		// Running purely off the command line
		cfg, err = config.Default(), nil
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	// Command line flags override the config file
	if *source != "" {
		cfg.Source.Pipeline = *source
	}
	if *sink != "" {
		cfg.Sink.Pipeline = *sink
	}
	if *model != "" {
		cfg.Model.Path = *model
	}
	if *classes != "" {
		cfg.Model.ClassesPath = *classes
	}
	if *device != "" {
		cfg.Model.Device = *device
	}
	if *confidence != 0 {
		cfg.ConfidenceThreshold = float32(*confidence)
	}
	if *listen == "off" {
		cfg.HTTPListen = ""
	} else if *listen != "" {
		cfg.HTTPListen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	cfg.Overlay = cfg.Overlay || *overlay
	cfg.Verbose = cfg.Verbose || *verbose
	cfg.StartPaused = cfg.StartPaused || *paused
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Infof("livedetect %v starting", buildinfo.Version)
	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()
	if *exitOnEOS {
		srv.ShutdownOnEndOfStream()
	}
	if err := srv.Start(); err != nil {
		logger.Errorf("%v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		os.Exit(1)
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if cfg.HTTPListen != "" {
		go func() {
			if err := srv.ListenHTTP(cfg.HTTPListen); err != nil {
				logger.Errorf("ListenHTTP returned: %v", err)
				srv.Shutdown()
			}
		}()
	}

	err = <-srv.ShutdownComplete
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func printStatus(baseURL string) error {
	req, err := http.NewRequest("GET", baseURL+"/api/stats", nil)
	if err != nil {
		return err
	}
	stats := server.StatsJSON{}
	if err := www.FetchJSON(req, &stats); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(&stats, "", "  ")
	fmt.Println(string(b))
	return nil
}
