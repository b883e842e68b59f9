// Package artifact maps completed jobs to files on disk, streams them with
// correct headers, and schedules their deletion after a grace window.
package artifact

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"beatflo/internal/models"
	"beatflo/internal/registry"
	"beatflo/internal/telemetry"
)

// Server serves and deletes completed artifacts.
type Server struct {
	dir           string
	reg           *registry.Registry
	downloadGrace time.Duration
	mixsetGrace   time.Duration

	mu        sync.Mutex
	scheduled map[string]bool
}

// NewServer creates an artifact server over the downloads directory.
func NewServer(dir string, reg *registry.Registry, downloadGrace, mixsetGrace time.Duration) *Server {
	return &Server{
		dir:           dir,
		reg:           reg,
		downloadGrace: downloadGrace,
		mixsetGrace:   mixsetGrace,
		scheduled:     make(map[string]bool),
	}
}

// Serve streams the artifact of a completed job. 404s: unknown id or job not
// completed ("not ready"), and registry-says-completed but file already gone
// ("file missing", a legitimate race once the grace window elapsed).
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, kind models.JobKind, id string) {
	job, ok := s.reg.Get(kind, id)
	if !ok || job.Status != models.StatusCompleted || job.Filename == "" {
		http.Error(w, "artifact not ready", http.StatusNotFound)
		return
	}

	path := filepath.Join(s.dir, filepath.Base(job.Filename))
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "artifact file missing", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(job))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", downloadName(job)))
	http.ServeContent(w, r, job.Filename, job.UpdatedAt, f)
	telemetry.ArtifactsServed.Inc()

	s.scheduleCleanup(kind, job)
}

// ServeThumbnail streams the preview image of a completed video download.
func (s *Server) ServeThumbnail(w http.ResponseWriter, r *http.Request, id string) {
	job, ok := s.reg.Get(models.KindDownload, id)
	if !ok || job.Status != models.StatusCompleted || job.Thumbnail == "" {
		http.Error(w, "thumbnail not ready", http.StatusNotFound)
		return
	}
	path := filepath.Join(s.dir, filepath.Base(job.Thumbnail))
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "thumbnail file missing", http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, job.Thumbnail, job.UpdatedAt, f)
}

// scheduleCleanup arranges deletion of the artifact (and registry entry)
// after the format-dependent grace window. Scheduled at most once per job;
// repeat fetches inside the window do not push deletion out.
func (s *Server) scheduleCleanup(kind models.JobKind, job models.Job) {
	s.mu.Lock()
	if s.scheduled[job.ID] {
		s.mu.Unlock()
		return
	}
	s.scheduled[job.ID] = true
	s.mu.Unlock()

	grace := s.downloadGrace
	if kind == models.KindMixset {
		// Mixsets are typically revisited shortly after the first fetch.
		grace = s.mixsetGrace
	}

	path := filepath.Join(s.dir, filepath.Base(job.Filename))
	thumb := ""
	if job.Thumbnail != "" {
		thumb = filepath.Join(s.dir, filepath.Base(job.Thumbnail))
	}
	id := job.ID

	time.AfterFunc(grace, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[artifact] delete %s: %v", path, err)
		}
		if thumb != "" {
			if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
				log.Printf("[artifact] delete %s: %v", thumb, err)
			}
		}
		s.reg.Delete(kind, id)
		s.mu.Lock()
		delete(s.scheduled, id)
		s.mu.Unlock()
	})
}

func contentTypeFor(job models.Job) string {
	if job.Kind == models.KindBulk {
		return "application/zip"
	}
	switch job.OutputFormat {
	case "mp3":
		return "audio/mpeg"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	}
	return "application/octet-stream"
}

// downloadName builds the client-facing filename from the display title and
// the artifact's real extension.
func downloadName(job models.Job) string {
	ext := filepath.Ext(job.Filename)
	title := job.Title
	if title == "" {
		title = job.ID
	}
	return sanitizeFilename(title) + ext
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\x00':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "download"
	}
	return string(out)
}
