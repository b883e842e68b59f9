package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"beatflo/internal/models"
	"beatflo/internal/toolrunner"
)

// DownloadRequest describes one single-download job. Callers validate the
// fields before a job is created.
type DownloadRequest struct {
	URL            string `json:"url"`
	FormatID       string `json:"formatId,omitempty"`
	Title          string `json:"title"`
	OutputFormat   string `json:"outputFormat"`
	CustomFilename string `json:"customFilename,omitempty"`
}

// ValidOutputFormat reports whether the requested container is supported.
func ValidOutputFormat(format string) bool {
	switch format {
	case "mp3", "mp4", "webm":
		return true
	}
	return false
}

// StartDownload creates a download job and returns its id immediately; the
// pipeline runs in the background.
func (s *Service) StartDownload(req DownloadRequest) string {
	id := s.reg.Create(models.KindDownload, func(j *models.Job) {
		j.Title = req.Title
		j.OutputFormat = req.OutputFormat
	})
	s.spawn(models.KindDownload, id, func(ctx context.Context) {
		s.runDownload(ctx, id, req)
	})
	return id
}

func (s *Service) runDownload(ctx context.Context, id string, req DownloadRequest) {
	s.reg.Update(models.KindDownload, id, func(j *models.Job) {
		j.Status = models.StatusDownloading
	})

	res, err := s.downloadMedia(ctx, s.cfg.DownloadsDir, id, req.URL, req.OutputFormat, req.FormatID, func(pct float64, merging bool) {
		s.reg.Update(models.KindDownload, id, func(j *models.Job) {
			if models.IsTerminal(j.Status) {
				return
			}
			if merging {
				j.Status = models.StatusProcessing
				j.Progress = 99
				return
			}
			// The merge step reports no percentage, so downloading caps at
			// 98 and progress only moves forward.
			if pct > 98 {
				pct = 98
			}
			if pct > j.Progress {
				j.Progress = pct
			}
		})
	})
	if err != nil {
		log.Printf("[download] job %s failed: %v stderr=%s", id, err, tail(res.Stderr, 500))
		s.markError(models.KindDownload, id, failureMessage(err, "download failed"))
		return
	}

	// Exit code 0 is not proof the artifact exists; downstream correctness
	// depends on the file.
	path, ok := findByStem(s.cfg.DownloadsDir, id)
	if !ok {
		s.markError(models.KindDownload, id, "file not found after download")
		return
	}

	thumb := s.generateThumbnail(ctx, id, req.OutputFormat, path)

	s.reg.Update(models.KindDownload, id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Filename = filepath.Base(path)
		j.Thumbnail = thumb
	})
	s.offloadArtifact(ctx, path, contentTypeFor(req.OutputFormat))
}

// downloadMedia invokes yt-dlp for one source, writing the artifact into dir
// with the given filename stem. onProgress receives parsed percentages and
// merge-marker notifications.
func (s *Service) downloadMedia(ctx context.Context, dir, stem, url, format, formatID string, onProgress func(pct float64, merging bool)) (toolrunner.Result, error) {
	template := filepath.Join(dir, stem+".%(ext)s")
	args := downloadArgs(url, format, formatID, template)

	r, err := s.run.Run(ctx, s.cfg.YtdlpPath, args, func(line string) {
		if onProgress == nil {
			return
		}
		if IsMergeMarker(line) {
			onProgress(0, true)
			return
		}
		if pct, ok := ParseDownloadPercent(line); ok {
			onProgress(pct, false)
		}
	})
	return r, err
}

// downloadArgs chooses the yt-dlp strategy per output container: mp3 is an
// audio-only extraction at best quality; mp4/webm select best video+audio
// and force the container through the merge step.
func downloadArgs(url, format, formatID, outputTemplate string) []string {
	common := []string{
		"--newline",
		"--no-warnings",
		"--no-playlist",
		"--no-mtime",
		"-o", outputTemplate,
	}

	var args []string
	switch format {
	case "mp3":
		args = append([]string{
			"-x",
			"--audio-format", "mp3",
			"--audio-quality", "0",
		}, common...)
	default:
		selector := "bv*+ba/b"
		if formatID != "" {
			selector = formatID + "+bestaudio/best"
		}
		args = append([]string{
			"-f", selector,
			"--merge-output-format", format,
		}, common...)
	}
	return append(args, url)
}

// generateThumbnail produces a preview image for video artifacts. Best
// effort only; a failure is logged and the job completes without one.
func (s *Service) generateThumbnail(ctx context.Context, id, format, videoPath string) string {
	if s.thumbs == nil || (format != "mp4" && format != "webm") {
		return ""
	}
	thumbPath := filepath.Join(s.cfg.DownloadsDir, id+"-thumb.jpg")
	if err := s.thumbs.Generate(ctx, videoPath, thumbPath); err != nil {
		log.Printf("[thumbnail] job %s: %v", id, err)
		return ""
	}
	return filepath.Base(thumbPath)
}

func (s *Service) offloadArtifact(ctx context.Context, path, contentType string) {
	if s.offload == nil {
		return
	}
	if err := s.offload.Offload(ctx, path, contentType); err != nil {
		log.Printf("[offload] %s: %v", filepath.Base(path), err)
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "zip":
		return "application/zip"
	}
	return "application/octet-stream"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func fmtItemError(err error) string {
	return fmt.Sprintf("%v", err)
}
