package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"beatflo/internal/cache"
	"beatflo/internal/config"
	"beatflo/internal/models"
	"beatflo/internal/registry"
	"beatflo/internal/toolrunner"
)

// stubRunner fakes the external tools so pipeline tests run without yt-dlp
// or ffmpeg installed.
type stubRunner struct {
	mu    sync.Mutex
	calls [][]string
	onRun func(name string, args []string, onLine func(string)) (toolrunner.Result, error)
}

func (f *stubRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (toolrunner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if ctx.Err() != nil {
		return toolrunner.Result{ExitCode: -1}, ctx.Err()
	}
	return f.onRun(name, args, onLine)
}

func (f *stubRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *stubRunner) callsFor(tool string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == tool {
			out = append(out, c)
		}
	}
	return out
}

// outputTemplate extracts the value of the -o flag from a yt-dlp argv.
func outputTemplate(args []string) string {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// writeStubArtifact materializes the file yt-dlp would have produced.
func writeStubArtifact(t *testing.T, template, ext string) string {
	t.Helper()
	path := strings.Replace(template, "%(ext)s", ext, 1)
	if err := os.WriteFile(path, []byte("stub media"), 0o644); err != nil {
		t.Fatalf("write stub artifact: %v", err)
	}
	return path
}

func newTestService(t *testing.T, runner toolrunner.Runner) (*Service, *registry.Registry, config.Config) {
	t.Helper()
	cfg := config.Config{
		DownloadsDir:  t.TempDir(),
		YtdlpPath:     "yt-dlp",
		FfmpegPath:    "ffmpeg",
		FfprobePath:   "ffprobe",
		JobTimeout:    5 * time.Second,
		WaveformPeaks: 64,
	}
	reg := registry.New()
	svc := New(context.Background(), cfg, reg, runner, cache.NewMemory(time.Minute))
	return svc, reg, cfg
}

func waitTerminal(t *testing.T, reg *registry.Registry, kind models.JobKind, id string) models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := reg.Get(kind, id)
		if !ok {
			t.Fatalf("job %s disappeared", id)
		}
		if models.IsTerminal(job.Status) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return models.Job{}
}

func TestDownloadPipelineCompletes(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		onLine("[download]  10.0% of 5MiB at 1MiB/s")
		onLine("[download]  95.5% of 5MiB at 1MiB/s")
		onLine(`[Merger] Merging formats into "out"`)
		writeStubArtifact(t, outputTemplate(args), "mp3")
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartDownload(DownloadRequest{URL: "https://example.com/v", Title: "My Song", OutputFormat: "mp3"})
	job := waitTerminal(t, reg, models.KindDownload, id)

	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %v", job.Progress)
	}
	if job.Filename != id+".mp3" {
		t.Fatalf("unexpected filename %q", job.Filename)
	}
	if _, err := os.Stat(filepath.Join(cfg.DownloadsDir, job.Filename)); err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}
}

func TestDownloadProgressNeverRegresses(t *testing.T) {
	runner := &stubRunner{}
	var reg *registry.Registry
	var jobID string
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		onLine("[download]  50.0% of 5MiB")
		onLine("[download]  30.0% of 5MiB")
		if job, ok := reg.Get(models.KindDownload, jobID); ok && job.Progress != 50 {
			t.Errorf("progress regressed to %v after a lower percentage line", job.Progress)
		}
		writeStubArtifact(t, outputTemplate(args), "mp3")
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, r, _ := newTestService(t, runner)
	reg = r

	jobID = svc.StartDownload(DownloadRequest{URL: "u", Title: "t", OutputFormat: "mp3"})
	waitTerminal(t, reg, models.KindDownload, jobID)
}

func TestDownloadErrorWhenFileMissingAfterSuccess(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		// Tool reports success but writes nothing.
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, _ := newTestService(t, runner)

	id := svc.StartDownload(DownloadRequest{URL: "u", Title: "t", OutputFormat: "mp3"})
	job := waitTerminal(t, reg, models.KindDownload, id)

	if job.Status != models.StatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if !strings.Contains(job.Error, "file not found") {
		t.Fatalf("unexpected error message: %q", job.Error)
	}
}

func TestDownloadToolNotInstalled(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		return toolrunner.Result{ExitCode: -1}, fmt.Errorf("yt-dlp: %w", toolrunner.ErrToolNotInstalled)
	}
	svc, reg, _ := newTestService(t, runner)

	id := svc.StartDownload(DownloadRequest{URL: "u", Title: "t", OutputFormat: "mp3"})
	job := waitTerminal(t, reg, models.KindDownload, id)

	if job.Status != models.StatusError || !strings.Contains(job.Error, "not installed") {
		t.Fatalf("expected tool-not-installed error, got %s %q", job.Status, job.Error)
	}
}

func TestCancelRunningDownload(t *testing.T) {
	started := make(chan struct{})
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		close(started)
		// Block until the job context is cancelled; the real runner's
		// child process is killed the same way.
		time.Sleep(2 * time.Second)
		return toolrunner.Result{ExitCode: -1}, context.Canceled
	}
	svc, reg, _ := newTestService(t, runner)

	id := svc.StartDownload(DownloadRequest{URL: "u", Title: "t", OutputFormat: "mp3"})
	<-started
	if !svc.Cancel(id) {
		t.Fatal("expected cancel to find the running job")
	}
	job := waitTerminal(t, reg, models.KindDownload, id)
	if job.Status != models.StatusError || !strings.Contains(job.Error, "cancel") {
		t.Fatalf("expected cancelled error, got %s %q", job.Status, job.Error)
	}
	if svc.Cancel(id) {
		t.Fatal("cancel must report false once the job is gone")
	}
}

func TestBulkSkipsFailedItems(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		url := args[len(args)-1]
		if strings.Contains(url, "bad") {
			return toolrunner.Result{ExitCode: 1, Stderr: "ERROR: video unavailable"},
				errors.New("yt-dlp exited with code 1")
		}
		writeStubArtifact(t, outputTemplate(args), "mp3")
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartBulk(BulkRequest{
		OutputFormat: "mp3",
		Videos: []models.VideoRequest{
			{URL: "https://ok/1", Title: "First"},
			{URL: "https://bad/2", Title: "Second"},
			{URL: "https://ok/3", Title: "Third"},
		},
	})
	job := waitTerminal(t, reg, models.KindBulk, id)

	if job.Status != models.StatusCompleted {
		t.Fatalf("batch must complete despite item failure, got %s (%s)", job.Status, job.Error)
	}
	if job.Completed != 3 || job.Total != 3 {
		t.Fatalf("accounting wrong: completed=%d total=%d", job.Completed, job.Total)
	}
	if len(job.Items) != 3 || job.Items[0].OK != true || job.Items[1].OK != false || job.Items[2].OK != true {
		t.Fatalf("item results wrong: %+v", job.Items)
	}

	zr, err := zip.OpenReader(filepath.Join(cfg.DownloadsDir, job.Filename))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	// Failed items are absent from the archive, not zero-byte placeholders.
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 archive entries, got %d", len(zr.File))
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["First.mp3"] || !names["Third.mp3"] {
		t.Fatalf("unexpected archive entries: %v", names)
	}

	if _, err := os.Stat(filepath.Join(cfg.DownloadsDir, "bulk-"+id)); !os.IsNotExist(err) {
		t.Fatal("working directory should be removed after archiving")
	}
}

func TestBulkAllItemsFail(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		return toolrunner.Result{ExitCode: 1}, errors.New("yt-dlp exited with code 1")
	}
	svc, reg, _ := newTestService(t, runner)

	id := svc.StartBulk(BulkRequest{
		OutputFormat: "mp3",
		Videos:       []models.VideoRequest{{URL: "a", Title: "A"}, {URL: "b", Title: "B"}},
	})
	job := waitTerminal(t, reg, models.KindBulk, id)
	if job.Status != models.StatusError {
		t.Fatalf("expected error when nothing downloads, got %s", job.Status)
	}
}

func TestMixsetRendersSingleFfmpegInvocation(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		switch name {
		case "yt-dlp":
			writeStubArtifact(t, outputTemplate(args), "mp3")
		case "ffmpeg":
			out := args[len(args)-1]
			if err := os.WriteFile(out, []byte("mixed"), 0o644); err != nil {
				t.Errorf("write mix output: %v", err)
			}
		}
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartMixset(MixsetRequest{
		MixsetName:        "Friday Mix",
		CrossfadeDuration: 5,
		Tracks: []models.TrackRequest{
			{URL: "a", Title: "A"}, {URL: "b", Title: "B"}, {URL: "c", Title: "C"},
		},
	})
	job := waitTerminal(t, reg, models.KindMixset, id)

	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Filename != id+".mp3" {
		t.Fatalf("unexpected filename %q", job.Filename)
	}

	ffmpegCalls := runner.callsFor("ffmpeg")
	if len(ffmpegCalls) != 1 {
		t.Fatalf("the mix must be one multi-input invocation, got %d", len(ffmpegCalls))
	}
	argv := strings.Join(ffmpegCalls[0], " ")
	if strings.Count(argv, "-i ") != 3 {
		t.Fatalf("expected 3 inputs: %s", argv)
	}
	if strings.Count(argv, "acrossfade") != 2 {
		t.Fatalf("expected 2 crossfade joins for 3 tracks: %s", argv)
	}
	if !strings.Contains(argv, "-map [xf2]") {
		t.Fatalf("final label must be mapped to the output: %s", argv)
	}

	if _, err := os.Stat(filepath.Join(cfg.DownloadsDir, "mix-"+id)); !os.IsNotExist(err) {
		t.Fatal("working directory should be removed after a successful mix")
	}
}

func TestMixsetFailsWithFewerThanTwoDownloadedTracks(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		url := args[len(args)-1]
		if strings.Contains(url, "bad") {
			return toolrunner.Result{ExitCode: 1}, errors.New("yt-dlp exited with code 1")
		}
		writeStubArtifact(t, outputTemplate(args), "mp3")
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartMixset(MixsetRequest{
		MixsetName:        "Too Short",
		CrossfadeDuration: 5,
		Tracks:            []models.TrackRequest{{URL: "ok", Title: "A"}, {URL: "bad", Title: "B"}},
	})
	job := waitTerminal(t, reg, models.KindMixset, id)

	if job.Status != models.StatusError || !strings.Contains(job.Error, "at least 2") {
		t.Fatalf("expected too-few-tracks error, got %s %q", job.Status, job.Error)
	}
	// Phase-1 failures leave the working directory for inspection.
	if _, err := os.Stat(filepath.Join(cfg.DownloadsDir, "mix-"+id)); err != nil {
		t.Fatalf("working directory should survive a phase-1 failure: %v", err)
	}
}

func TestMixsetFfmpegFailureIncludesExitCode(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		if name == "ffmpeg" {
			return toolrunner.Result{ExitCode: 234}, errors.New("ffmpeg exited with code 234")
		}
		writeStubArtifact(t, outputTemplate(args), "mp3")
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, _ := newTestService(t, runner)

	id := svc.StartMixset(MixsetRequest{
		MixsetName:        "Broken",
		CrossfadeDuration: 3,
		Tracks:            []models.TrackRequest{{URL: "a", Title: "A"}, {URL: "b", Title: "B"}},
	})
	job := waitTerminal(t, reg, models.KindMixset, id)

	if job.Status != models.StatusError || !strings.Contains(job.Error, "234") {
		t.Fatalf("expected exit code in error, got %s %q", job.Status, job.Error)
	}
}

func rmsOutput(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "lavfi.astats.Overall.RMS_level=%.1f\n", -30.0+float64(i%10))
	}
	return b.String()
}

func TestWaveformFromRMSLevels(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		switch name {
		case "yt-dlp":
			writeStubArtifact(t, outputTemplate(args), "mp3")
			return toolrunner.Result{ExitCode: 0}, nil
		case "ffprobe":
			return toolrunner.Result{ExitCode: 0, Stdout: "120.5\n"}, nil
		case "ffmpeg":
			return toolrunner.Result{ExitCode: 0, Stderr: rmsOutput(40)}, nil
		}
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	req := WaveformRequest{VideoID: "abc123"}
	id := svc.StartWaveform(req)
	job := waitTerminal(t, reg, models.KindWaveform, id)

	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if len(job.Peaks) != cfg.WaveformPeaks {
		t.Fatalf("expected %d peaks, got %d", cfg.WaveformPeaks, len(job.Peaks))
	}
	if job.Duration != 120.5 {
		t.Fatalf("expected probed duration, got %v", job.Duration)
	}
	if job.Fallback {
		t.Fatal("RMS tier must not be flagged as fallback")
	}

	// The temp audio is removed once analysis finishes.
	if _, ok := findByStem(cfg.DownloadsDir, "wf-"+id); ok {
		t.Fatal("waveform temp audio should be cleaned up")
	}

	// A cached result satisfies the next identical request with no rework.
	calls := runner.callCount()
	wf, ok := svc.CachedWaveform(context.Background(), req)
	if !ok || len(wf.Peaks) != cfg.WaveformPeaks {
		t.Fatal("expected cache hit after completion")
	}
	if runner.callCount() != calls {
		t.Fatal("cache hit must not invoke any tool")
	}
}

func TestWaveformVolumedetectTier(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		switch name {
		case "yt-dlp":
			writeStubArtifact(t, outputTemplate(args), "mp3")
			return toolrunner.Result{ExitCode: 0}, nil
		case "ffprobe":
			return toolrunner.Result{ExitCode: 0, Stdout: "95.0\n"}, nil
		case "ffmpeg":
			if strings.Contains(strings.Join(args, " "), "volumedetect") {
				return toolrunner.Result{ExitCode: 0, Stderr: "mean_volume: -21.0 dB\nmax_volume: -3.2 dB\n"}, nil
			}
			// astats emits nothing useful.
			return toolrunner.Result{ExitCode: 0, Stderr: "no stats"}, nil
		}
		return toolrunner.Result{ExitCode: 0}, nil
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartWaveform(WaveformRequest{URL: "https://example.com/watch?v=x"})
	job := waitTerminal(t, reg, models.KindWaveform, id)

	if job.Status != models.StatusCompleted || job.Fallback {
		t.Fatalf("expected synthesized (non-fallback) envelope, got %s fallback=%v", job.Status, job.Fallback)
	}
	if len(job.Peaks) != cfg.WaveformPeaks || job.Duration != 95 {
		t.Fatalf("unexpected result: %d peaks, duration %v", len(job.Peaks), job.Duration)
	}
}

func TestWaveformTotalFallback(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(name string, args []string, onLine func(string)) (toolrunner.Result, error) {
		return toolrunner.Result{ExitCode: 1}, errors.New("yt-dlp exited with code 1")
	}
	svc, reg, cfg := newTestService(t, runner)

	id := svc.StartWaveform(WaveformRequest{VideoID: "gone"})
	job := waitTerminal(t, reg, models.KindWaveform, id)

	if job.Status != models.StatusCompleted {
		t.Fatalf("fallback envelope still completes the job, got %s", job.Status)
	}
	if !job.Fallback {
		t.Fatal("result must be flagged as fallback")
	}
	if job.Duration != fallbackDuration || len(job.Peaks) != cfg.WaveformPeaks {
		t.Fatalf("unexpected fallback result: duration %v, %d peaks", job.Duration, len(job.Peaks))
	}
}
