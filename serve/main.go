// Command neuralguard-serve is the neuralguard inference service.
// It loads the prompt-injection classifier once, then answers one JSON request
// per stdin line with one JSON verdict per stdout line until stdin is closed.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	neuralguard "github.com/Paranoid-AF/neuralguard"
	"github.com/Paranoid-AF/neuralguard/detect"
	"github.com/Paranoid-AF/neuralguard/model"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	configPath := flag.String("config", "", "config file (default $NEURALGUARD_CONFIG_DIR/config.toml)")
	flag.Parse()

	if *showVersion {
		fmt.Println("neuralguard-serve", Version)
		return 0
	}

	path := *configPath
	if path == "" {
		path = neuralguard.ConfigPath()
	}
	cfg, err := neuralguard.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	logger, logFile := neuralguard.NewLogger(cfg, *verbose)
	defer logFile.Close()
	slog.SetDefault(logger)

	for _, w := range neuralguard.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	device := neuralguard.ResolveDevice(cfg)
	slog.Info("loading model", "model", neuralguard.ModelID, "device", device)

	provider, err := model.Load(neuralguard.ModelID, model.Options{
		LibraryPath:  neuralguard.ResolveLibraryPath(cfg),
		Device:       device,
		CUDADeviceID: cfg.Runtime.CUDADeviceID,
		CacheDir:     neuralguard.ResolveCacheDir(cfg),
		ONNXFile:     cfg.Model.ONNXFile,
		AuthToken:    neuralguard.ResolveHFToken(),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("error loading model", "error", err)
		return 1
	}
	defer provider.Close()

	slog.Info("model loaded", "device", provider.Device())

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go exitOnSignal(sigCh, logger, os.Exit)

	srv := NewServer(detect.NewEngine(provider), logger)
	if err := srv.Serve(os.Stdin, os.Stdout); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

// exitOnSignal exits with status 0 on the first signal. The provider is not
// closed here: the main goroutine may be inside a forward pass.
func exitOnSignal(sigCh <-chan os.Signal, logger *slog.Logger, exit func(int)) {
	<-sigCh
	logger.Info("shutting down")
	exit(0)
}
