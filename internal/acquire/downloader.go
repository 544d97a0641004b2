// Package acquire fetches a time range of a remote video into a local file
// with yt-dlp, trimming with ffmpeg when section downloads are not possible.
package acquire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/google/uuid"
)

// Runner executes an external command to completion
type Runner func(ctx context.Context, name string, args ...string) error

// Downloader fetches and trims remote videos
type Downloader struct {
	cfg     config.AcquisitionConfig
	retry   RetryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	run     Runner
}

// NewDownloader creates a downloader. m may be nil.
func NewDownloader(cfg config.AcquisitionConfig, logger *slog.Logger, m *metrics.Metrics) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	d := &Downloader{cfg: cfg, retry: retry, logger: logger.With("component", "acquire"), metrics: m}
	d.run = d.execCommand
	return d
}

// Fetch downloads [start, end) seconds of url and returns the local file path.
// The caller removes the file with Cleanup. Failures match types.ErrAcquisition
// and leave no file behind.
func (d *Downloader) Fetch(ctx context.Context, url string, start, end float64) (string, error) {
	const op = "acquire.fetch"

	if url == "" || start < 0 || end <= start {
		return "", types.Errorf(types.ErrValidation, op, "invalid fetch of %q [%v, %v)", url, start, end)
	}
	if err := os.MkdirAll(d.cfg.DownloadDir, 0o755); err != nil {
		return "", types.Wrap(types.ErrAcquisition, op, err)
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	path := filepath.Join(d.cfg.DownloadDir, "temp_video_"+uuid.NewString()[:8]+".mp4")
	logger := d.logger.With("url", url, "path", path)
	logger.Info("downloading video segment", "start", start, "end", end)

	began := time.Now()
	attempts, err := RunWithRetry(ctx, func(ctx context.Context) error {
		return d.fetchOnce(ctx, url, start, end, path)
	}, d.retry, logger)
	d.metrics.Acquired(time.Since(began), err)

	if err != nil {
		d.removeArtifacts(path)
		return "", types.Wrap(types.ErrAcquisition, op, err)
	}

	logger.Info("video segment downloaded", "attempts", attempts, "elapsed", time.Since(began))
	return path, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, url string, start, end float64, path string) error {
	d.removeArtifacts(path)

	if err := d.run(ctx, d.cfg.YtDlpPath, sectionArgs(d.cfg.Format, url, start, end, path)...); err != nil {
		return fmt.Errorf("yt-dlp: %w", err)
	}
	if nonEmpty(path) {
		return nil
	}
	if !d.cfg.FFmpegTrim {
		return fmt.Errorf("downloaded file missing or empty: %s", path)
	}

	d.logger.Warn("section download produced no file, trimming locally", "path", path)

	full := fullPath(path)
	defer os.Remove(full)

	if err := d.run(ctx, d.cfg.YtDlpPath, fullArgs(d.cfg.Format, url, full)...); err != nil {
		return fmt.Errorf("yt-dlp full download: %w", err)
	}
	if !nonEmpty(full) {
		return fmt.Errorf("full download missing or empty: %s", full)
	}
	if err := d.run(ctx, d.cfg.FFmpegPath, trimArgs(full, start, end, path)...); err != nil {
		return fmt.Errorf("ffmpeg trim: %w", err)
	}
	if !nonEmpty(path) {
		return fmt.Errorf("trimmed file missing or empty: %s", path)
	}
	return nil
}

// Cleanup removes a file returned by Fetch
func (d *Downloader) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove downloaded file", "path", path, "error", err)
		return
	}
	d.logger.Debug("downloaded file removed", "path", path)
}

// removeArtifacts deletes the target and any partial files yt-dlp left beside it
func (d *Downloader) removeArtifacts(path string) {
	matches, _ := filepath.Glob(strings.TrimSuffix(path, filepath.Ext(path)) + "*")
	for _, m := range matches {
		os.Remove(m)
	}
}

func sectionArgs(format, url string, start, end float64, out string) []string {
	return []string{
		"-f", format,
		"--download-sections", fmt.Sprintf("*%s-%s", seconds(start), seconds(end)),
		"--force-keyframes-at-cuts",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", out,
		url,
	}
}

func fullArgs(format, url, out string) []string {
	return []string{
		"-f", format,
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", out,
		url,
	}
}

func trimArgs(in string, start, end float64, out string) []string {
	return []string{
		"-y",
		"-ss", seconds(start),
		"-to", seconds(end),
		"-i", in,
		"-c", "copy",
		out,
	}
}

func fullPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".full" + ext
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// execCommand runs name and forwards its output to the debug log.
// The last output line is attached to the error on failure.
func (d *Downloader) execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	d.logger.Debug("running command", "cmd", name, "args", args)

	output, err := cmd.CombinedOutput()

	var last string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		last = line
		d.logger.Debug("command output", "cmd", name, "line", line)
	}

	if err != nil {
		if last != "" {
			return fmt.Errorf("%s: %w: %s", name, err, last)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
