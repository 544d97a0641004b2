// Command pose-file runs the pose pipeline over one local video and prints
// the run summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/logging"
	"github.com/gelson12/bjj-video-analysis/internal/pipeline"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/google/uuid"
)

const barTemplate = `{{ string . "prefix" }} {{counters . "%s/%s" "%s/?"}} {{bar . }} {{percent . "%.01f%%" "?"}} {{etime . "%s elapsed"}} {{rtime . "%s remain" "%s total" "???"}}`

func main() {
	configPath := flag.String("config", "config/posed.yaml", "Path to configuration file")
	input := flag.String("input", "", "Video file to process")
	output := flag.String("output", "", "Annotated output video (default: <output_dir>/processed_<input>)")
	position := flag.String("position", "", "Position name to tag every landmark row with")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: pose-file -input <video> [-output <path>] [-position <name>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(os.Stderr, cfg.Log, *debug)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	out := *output
	if out == "" {
		out = filepath.Join(cfg.Server.OutputDir, "processed_"+filepath.Base(*input))
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		slog.Error("failed to create output directory", "path", out, "error", err)
		os.Exit(1)
	}

	var positionName *string
	if *position != "" {
		positionName = position
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := progress.New()
	defer bus.Close()

	recv, err := bus.SubscribeDropOld("progress-bar")
	if err != nil {
		slog.Error("failed to subscribe progress bar", "error", err)
		os.Exit(1)
	}
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		showProgress(recv, *input)
	}()

	controller := pipeline.NewController(cfg, pipeline.Deps{}, bus, nil, logger)
	summary, err := controller.Process(ctx, pipeline.Job{
		RunID:        uuid.NewString(),
		InputPath:    *input,
		OutputPath:   out,
		PositionName: positionName,
	})
	<-barDone

	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(summary)
	}
	if err != nil {
		slog.Error("processing failed", "input", *input, "error", err)
		closeLog()
		os.Exit(1)
	}
}

// showProgress renders the latest frame event until the run ends
func showProgress(recv progress.Receiver, name string) {
	bar := pb.ProgressBarTemplate(barTemplate).Start(0)
	bar.Set("prefix", filepath.Base(name))
	defer bar.Finish()

	for {
		ev, ok := recv.Receive()
		if !ok {
			return
		}
		switch ev.Kind {
		case progress.KindStarted:
			bar.SetTotal(int64(ev.TotalFrames))
		case progress.KindFrame:
			if ev.FramesRead > ev.TotalFrames {
				// container counts are estimates
				bar.SetTotal(int64(ev.FramesRead))
			}
			bar.SetCurrent(int64(ev.FramesRead))
		case progress.KindCompleted, progress.KindFailed:
			if ev.Summary != nil {
				bar.SetTotal(int64(ev.Summary.TotalSourceFrames))
				bar.SetCurrent(int64(ev.Summary.TotalSourceFrames))
			}
			return
		}
	}
}
