package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"go.uber.org/zap"

	"streamkit/internal/config"
	"streamkit/internal/datastream"
	"streamkit/internal/domain"
	"streamkit/internal/media"
	"streamkit/internal/monitoring"
	"streamkit/internal/publisher"
	"streamkit/internal/viewer"
)

const helpText = `streamkit - publish, view and tail AI-processed live streams

Usage:
  streamkit publish [options]   read Annex-B H264 from stdin and publish it
  streamkit view    [options]   write the processed stream to stdout as H264
  streamkit data    [options]   print the stream's data events as JSON lines

Environment Variables:
  STREAMKIT_GATEWAY_URL  Gateway base URL (required unless set in -config)
  STREAMKIT_PIPELINE     Default processing pipeline
  STREAMKIT_LOG_LEVEL    Log level (debug, info, warn, error)

Examples:
  # Publish a camera through ffmpeg
  ffmpeg -i /dev/video0 -c:v libx264 -f h264 - | streamkit publish -stream cam1

  # Watch the processed output
  streamkit view -stream cam1 | ffplay -f h264 -

  # Tail the data channel
  streamkit data -stream cam1

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Print(helpText)
		os.Exit(0)
	}
	mode := os.Args[1]

	flags := flag.NewFlagSet(mode, flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	stream := flags.String("stream", "", "stream name")
	pipeline := flags.String("pipeline", "", "processing pipeline (overrides config)")
	egressURL := flags.String("egress", "", "explicit egress URL for view mode")
	dataURL := flags.String("data-url", "", "explicit data stream URL for data mode")
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamkit: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	if *pipeline == "" {
		*pipeline = cfg.Gateway.Pipeline
	}

	var opts []config.Option
	if *pipeline != "" {
		opts = append(opts, config.WithDefaultPipeline(*pipeline))
	}
	if len(cfg.Gateway.ICEServers) > 0 {
		opts = append(opts, config.WithICEServers(cfg.Gateway.ICEServers))
	}
	gateway, err := config.NewGateway(cfg.Gateway.BaseURL, opts...)
	if err != nil {
		logger.Fatal("invalid gateway configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	metrics := monitoring.NewCollector()

	switch mode {
	case "publish":
		runPublish(ctx, gateway, metrics, logger, *stream)
	case "view":
		runView(ctx, gateway, metrics, logger, *egressURL)
	case "data":
		runData(ctx, gateway, logger, *stream, *dataURL)
	default:
		fmt.Fprintf(os.Stderr, "streamkit: unknown mode %q\n\n%s", mode, helpText)
		os.Exit(1)
	}
}

func runPublish(ctx context.Context, gateway *config.Gateway, metrics *monitoring.Collector, logger *zap.Logger, stream string) {
	src := media.NewReader(os.Stdin, logger)
	pub := publisher.New(gateway, publisher.Deps{
		Media:   src,
		Metrics: metrics,
		Handler: sessionLogger{logger},
		Logger:  logger,
	})

	desc, err := pub.Start(ctx, domain.StreamStartOptions{
		StreamName: stream,
		Capture:    domain.CaptureOptions{Video: true},
	})
	if err != nil {
		logger.Fatal("start publish", zap.Error(err))
	}
	logger.Info("publishing", zap.String("stream_id", desc.StreamID))

	<-ctx.Done()
	if err := pub.Stop(context.Background()); err != nil {
		logger.Warn("stop publish", zap.Error(err))
	}
}

func runView(ctx context.Context, gateway *config.Gateway, metrics *monitoring.Collector, logger *zap.Logger, egressURL string) {
	v := viewer.New(gateway, viewer.Deps{
		Sink:    os.Stdout,
		Metrics: metrics,
		Handler: sessionLogger{logger},
		Logger:  logger,
	})

	if err := v.Start(ctx, domain.ViewerStartOptions{EgressURL: egressURL}); err != nil {
		logger.Fatal("start view", zap.Error(err))
	}

	<-ctx.Done()
	if err := v.Stop(); err != nil {
		logger.Warn("stop view", zap.Error(err))
	}
}

func runData(ctx context.Context, gateway *config.Gateway, logger *zap.Logger, stream, dataURL string) {
	ds := datastream.New(gateway, datastream.Deps{
		Handler: entryPrinter{logger},
		Logger:  logger,
	})

	err := ds.Connect(ctx, domain.DataStreamOptions{StreamName: stream, URL: dataURL})
	if err != nil {
		logger.Fatal("connect data stream", zap.Error(err))
	}

	<-ctx.Done()
	if err := ds.Disconnect(); err != nil {
		logger.Warn("disconnect data stream", zap.Error(err))
	}
}

func buildLogger(level, format string) *zap.Logger {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = lvl
		}
	}
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamkit: build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// sessionLogger surfaces session notifications on the log.
type sessionLogger struct {
	logger *zap.Logger
}

func (h sessionLogger) OnStateChange(state domain.ConnectionState) {
	h.logger.Info("session state", zap.String("state", state.String()))
}

func (h sessionLogger) OnStats(stats domain.ConnectionStats) {
	h.logger.Debug("session stats",
		zap.Int("bitrate_kbps", stats.BitrateKbps),
		zap.Int("fps", stats.FPS),
		zap.String("resolution", stats.Resolution),
		zap.Int("latency_ms", stats.LatencyMs),
	)
}

func (h sessionLogger) OnError(err error) {
	h.logger.Error("session error", zap.Error(err))
}

// entryPrinter writes each data entry to stdout as one JSON line.
type entryPrinter struct {
	logger *zap.Logger
}

func (p entryPrinter) OnEntry(entry domain.DataLogEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		p.logger.Warn("encode data entry", zap.Error(err))
		return
	}
	fmt.Println(string(line))
}

func (p entryPrinter) OnError(err error) {
	p.logger.Error("data stream error", zap.Error(err))
}
