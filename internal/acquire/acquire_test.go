package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/types"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRunWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		attempts, err := RunWithRetry(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("HTTP Error 503")
			}
			return nil
		}, cfg, nil)
		if err != nil || attempts != 3 {
			t.Errorf("RunWithRetry() = %d, %v; want 3, nil", attempts, err)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		cause := errors.New("video unavailable")
		attempts, err := RunWithRetry(context.Background(), func(context.Context) error { return cause }, cfg, nil)
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
		if !errors.Is(err, cause) {
			t.Errorf("error = %v, want cause wrapped", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := RunWithRetry(ctx, func(context.Context) error { return nil }, cfg, nil)
		if attempts != 0 || !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithRetry() = %d, %v; want 0, context.Canceled", attempts, err)
		}
	})
}

func TestArgs(t *testing.T) {
	got := strings.Join(sectionArgs("best", "https://youtu.be/x", 12.5, 70, "downloads/temp_video_a.mp4"), " ")
	for _, want := range []string{
		"-f best",
		`--download-sections *12.5-70`,
		"--force-keyframes-at-cuts",
		"-o downloads/temp_video_a.mp4 https://youtu.be/x",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("sectionArgs() = %q, missing %q", got, want)
		}
	}

	trim := strings.Join(trimArgs("in.full.mp4", 0, 3.25, "out.mp4"), " ")
	if trim != "-y -ss 0 -to 3.25 -i in.full.mp4 -c copy out.mp4" {
		t.Errorf("trimArgs() = %q", trim)
	}

	if got := fullPath("downloads/temp_video_a.mp4"); got != "downloads/temp_video_a.full.mp4" {
		t.Errorf("fullPath() = %q", got)
	}
}

type call struct {
	name string
	args []string
}

// scriptedRunner writes the -o / last argument file according to fill
func scriptedRunner(calls *[]call, fill func(n int, name string) (content string, err error)) Runner {
	return func(_ context.Context, name string, args ...string) error {
		*calls = append(*calls, call{name: name, args: args})
		content, err := fill(len(*calls), name)
		if err != nil {
			return err
		}
		out := args[len(args)-1]
		for i, a := range args {
			if a == "-o" {
				out = args[i+1]
			}
		}
		if content != "" {
			return os.WriteFile(out, []byte(content), 0o644)
		}
		return nil
	}
}

func newTestDownloader(t *testing.T, trim bool) *Downloader {
	t.Helper()
	d := NewDownloader(config.AcquisitionConfig{
		YtDlpPath:   "yt-dlp",
		FFmpegPath:  "ffmpeg",
		Format:      "best",
		DownloadDir: filepath.Join(t.TempDir(), "downloads"),
		MaxRetries:  1,
		FFmpegTrim:  trim,
	}, nil, nil)
	d.retry.RetryDelay = time.Millisecond
	d.retry.MaxRetryDelay = time.Millisecond
	return d
}

func TestFetchSectionDownload(t *testing.T) {
	d := newTestDownloader(t, false)
	var calls []call
	d.run = scriptedRunner(&calls, func(int, string) (string, error) { return "video", nil })

	path, err := d.Fetch(context.Background(), "https://youtu.be/x", 5, 10)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "temp_video_") || filepath.Ext(path) != ".mp4" {
		t.Errorf("path = %q", path)
	}
	if !nonEmpty(path) {
		t.Error("fetched file missing")
	}
	if len(calls) != 1 || calls[0].name != "yt-dlp" {
		t.Errorf("calls = %+v, want one yt-dlp call", calls)
	}

	d.Cleanup(path)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Cleanup() left %s", path)
	}
}

func TestFetchFallsBackToFFmpegTrim(t *testing.T) {
	d := newTestDownloader(t, true)
	var calls []call
	d.run = scriptedRunner(&calls, func(n int, name string) (string, error) {
		if n == 1 {
			return "", nil // section download yields nothing
		}
		return name + " output", nil
	})

	path, err := d.Fetch(context.Background(), "https://youtu.be/x", 0, 3)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.name
	}
	if strings.Join(names, ",") != "yt-dlp,yt-dlp,ffmpeg" {
		t.Errorf("commands = %v", names)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "ffmpeg output" {
		t.Errorf("file content = %q, want the trimmed output", data)
	}
	if _, err := os.Stat(fullPath(path)); !errors.Is(err, os.ErrNotExist) {
		t.Error("full download not removed after trim")
	}
}

func TestFetchFailureLeavesNothing(t *testing.T) {
	d := newTestDownloader(t, false)
	var calls []call
	d.run = scriptedRunner(&calls, func(int, string) (string, error) {
		return "", errors.New("ERROR: Video unavailable")
	})

	path, err := d.Fetch(context.Background(), "https://youtu.be/x", 0, 3)
	if !errors.Is(err, types.ErrAcquisition) {
		t.Fatalf("Fetch() error = %v, want ErrAcquisition", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if len(calls) != 2 {
		t.Errorf("attempts = %d, want 2 (1 retry)", len(calls))
	}

	entries, _ := os.ReadDir(d.cfg.DownloadDir)
	if len(entries) != 0 {
		t.Errorf("download dir holds %d files after failure", len(entries))
	}
}

func TestFetchEmptyWithoutTrimFails(t *testing.T) {
	d := newTestDownloader(t, false)
	var calls []call
	d.run = scriptedRunner(&calls, func(int, string) (string, error) { return "", nil })

	if _, err := d.Fetch(context.Background(), "https://youtu.be/x", 0, 3); !errors.Is(err, types.ErrAcquisition) {
		t.Fatalf("Fetch() error = %v, want ErrAcquisition", err)
	}
}

func TestFetchRejectsBadRange(t *testing.T) {
	d := newTestDownloader(t, false)
	d.run = func(context.Context, string, ...string) error {
		t.Fatal("command ran for an invalid range")
		return nil
	}

	if _, err := d.Fetch(context.Background(), "https://youtu.be/x", 10, 5); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Fetch() error = %v, want ErrValidation", err)
	}
}
