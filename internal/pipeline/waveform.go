package pipeline

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"beatflo/internal/models"
	"beatflo/internal/telemetry"
)

// Default values used when probing or transcoding fails entirely and the
// envelope has to be synthesized from nothing.
const (
	fallbackDuration = 180.0
	fallbackMeanDB   = -20.0
	fallbackMaxDB    = -5.0

	// minRMSSamples is the smallest astats line count worth rendering
	// directly; below this the procedural envelope looks better.
	minRMSSamples = 8
)

// WaveformRequest identifies a source to derive an amplitude envelope for.
// Either VideoID or URL must be set.
type WaveformRequest struct {
	URL     string `json:"url,omitempty"`
	VideoID string `json:"videoId,omitempty"`
}

// SourceKey returns the cache key for this request.
func (r WaveformRequest) SourceKey() string {
	if r.VideoID != "" {
		return r.VideoID
	}
	return strings.TrimSpace(r.URL)
}

// SourceURL returns the URL handed to the downloader.
func (r WaveformRequest) SourceURL() string {
	if r.URL != "" {
		return r.URL
	}
	return "https://www.youtube.com/watch?v=" + r.VideoID
}

// CachedWaveform returns a previously computed result for the source, if
// one exists. A hit means no job needs to be started at all.
func (s *Service) CachedWaveform(ctx context.Context, req WaveformRequest) (models.Waveform, bool) {
	wf, ok, err := s.cache.Get(ctx, req.SourceKey())
	if err != nil {
		log.Printf("[waveform] cache get %s: %v", req.SourceKey(), err)
		return models.Waveform{}, false
	}
	if ok {
		telemetry.WaveformCacheHit.Inc()
	}
	return wf, ok
}

// StartWaveform creates a waveform job and returns its id immediately.
func (s *Service) StartWaveform(req WaveformRequest) string {
	id := s.reg.Create(models.KindWaveform, func(j *models.Job) {
		j.Title = req.SourceKey()
	})
	s.spawn(models.KindWaveform, id, func(ctx context.Context) {
		s.runWaveform(ctx, id, req)
	})
	return id
}

// runWaveform derives a display envelope for the source. This is explicitly
// a UX approximation, not audio analysis: there is no FFT and no true peak
// detection. Three tiers, best first:
//
//  1. per-interval RMS levels from ffmpeg's astats filter,
//  2. aggregate volumedetect numbers shaped into a procedural envelope,
//  3. a procedural envelope from hardcoded defaults, flagged as fallback.
func (s *Service) runWaveform(ctx context.Context, id string, req WaveformRequest) {
	s.reg.Update(models.KindWaveform, id, func(j *models.Job) {
		j.Status = models.StatusDownloading
		j.Progress = 10
	})

	stem := "wf-" + id
	template := filepath.Join(s.cfg.DownloadsDir, stem+".%(ext)s")
	// Lowest-quality audio is plenty for an amplitude sketch.
	args := []string{
		"-f", "worstaudio/worst",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "9",
		"--newline",
		"--no-warnings",
		"--no-playlist",
		"-o", template,
		req.SourceURL(),
	}

	_, err := s.run.Run(ctx, s.cfg.YtdlpPath, args, nil)
	if err != nil {
		if ctx.Err() != nil {
			s.markError(models.KindWaveform, id, failureMessage(ctx.Err(), "waveform extraction failed"))
			return
		}
		log.Printf("[waveform] job %s download failed, using fallback envelope: %v", id, err)
		s.completeWaveform(ctx, id, req, models.Waveform{
			Peaks:    synthesizeEnvelope(fallbackDuration, fallbackMeanDB, fallbackMaxDB, s.cfg.WaveformPeaks),
			Duration: fallbackDuration,
			Fallback: true,
		})
		return
	}

	audioPath, ok := findByStem(s.cfg.DownloadsDir, stem)
	if !ok {
		s.completeWaveform(ctx, id, req, models.Waveform{
			Peaks:    synthesizeEnvelope(fallbackDuration, fallbackMeanDB, fallbackMaxDB, s.cfg.WaveformPeaks),
			Duration: fallbackDuration,
			Fallback: true,
		})
		return
	}
	defer func() {
		if err := os.Remove(audioPath); err != nil {
			log.Printf("[waveform] job %s cleanup: %v", id, err)
		}
	}()

	s.reg.Update(models.KindWaveform, id, func(j *models.Job) {
		j.Status = models.StatusAnalyzing
		j.Progress = 50
	})

	duration := s.probeDuration(ctx, audioPath)

	wf, ok := s.deriveEnvelope(ctx, audioPath, duration)
	if ctx.Err() != nil {
		s.markError(models.KindWaveform, id, failureMessage(ctx.Err(), "waveform extraction failed"))
		return
	}
	if !ok {
		wf = models.Waveform{
			Peaks:    synthesizeEnvelope(duration, fallbackMeanDB, fallbackMaxDB, s.cfg.WaveformPeaks),
			Duration: duration,
			Fallback: true,
		}
	}
	s.completeWaveform(ctx, id, req, wf)
}

func (s *Service) probeDuration(ctx context.Context, path string) float64 {
	res, err := s.run.Run(ctx, s.cfg.FfprobePath, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	}, nil)
	if err != nil {
		return fallbackDuration
	}
	d, err := ParseFfprobeDuration(res.Stdout)
	if err != nil || d <= 0 {
		return fallbackDuration
	}
	return d
}

// deriveEnvelope tries the astats tier, then volumedetect. ok is false only
// when both tiers produced nothing usable.
func (s *Service) deriveEnvelope(ctx context.Context, path string, duration float64) (models.Waveform, bool) {
	res, err := s.run.Run(ctx, s.cfg.FfmpegPath, []string{
		"-i", path,
		"-af", "astats=metadata=1:reset=1,ametadata=print:key=lavfi.astats.Overall.RMS_level",
		"-f", "null", "-",
	}, nil)
	if err == nil || res.Stderr != "" {
		levels := ParseRMSLevels(res.Stdout + res.Stderr)
		if len(levels) >= minRMSSamples {
			return models.Waveform{
				Peaks:    resampleLevels(levels, s.cfg.WaveformPeaks),
				Duration: duration,
			}, true
		}
	}

	res, err = s.run.Run(ctx, s.cfg.FfmpegPath, []string{
		"-i", path,
		"-af", "volumedetect",
		"-f", "null", "-",
	}, nil)
	if err == nil || res.Stderr != "" {
		if mean, max, ok := ParseVolumeDetect(res.Stdout + res.Stderr); ok {
			return models.Waveform{
				Peaks:    synthesizeEnvelope(duration, mean, max, s.cfg.WaveformPeaks),
				Duration: duration,
			}, true
		}
	}

	return models.Waveform{}, false
}

func (s *Service) completeWaveform(ctx context.Context, id string, req WaveformRequest, wf models.Waveform) {
	s.reg.Update(models.KindWaveform, id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Peaks = wf.Peaks
		j.Duration = wf.Duration
		j.Fallback = wf.Fallback
	})
	if err := s.cache.Set(ctx, req.SourceKey(), wf); err != nil {
		log.Printf("[waveform] cache set %s: %v", req.SourceKey(), err)
	}
}
