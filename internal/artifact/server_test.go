package artifact

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"beatflo/internal/models"
	"beatflo/internal/registry"
)

func newCompletedJob(t *testing.T, reg *registry.Registry, dir string, kind models.JobKind, title, ext string) string {
	t.Helper()
	id := reg.Create(kind, func(j *models.Job) {
		j.Title = title
	})
	filename := id + ext
	if err := os.WriteFile(filepath.Join(dir, filename), []byte("artifact data"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	reg.Update(kind, id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Filename = filename
	})
	return id
}

func TestServeCompletedDownload(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	srv := NewServer(dir, reg, time.Hour, time.Hour)

	id := newCompletedJob(t, reg, dir, models.KindDownload, "My Song: Live/Remix", ".mp3")

	rec := httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/download-file/"+id, nil), models.KindDownload, id)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("wrong content type: %s", ct)
	}
	cd := rec.Header().Get("Content-Disposition")
	// Path separators and colons in the display title are neutralized.
	if !strings.Contains(cd, "My Song_ Live_Remix.mp3") {
		t.Fatalf("unexpected disposition: %s", cd)
	}
	if rec.Body.String() != "artifact data" {
		t.Fatal("body mismatch")
	}
}

func TestServeNotReady(t *testing.T) {
	reg := registry.New()
	srv := NewServer(t.TempDir(), reg, time.Hour, time.Hour)

	id := reg.Create(models.KindDownload, nil)

	rec := httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.KindDownload, id)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("in-flight job must 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.KindDownload, "unknown")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id must 404, got %d", rec.Code)
	}
}

func TestServeFileMissing(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	srv := NewServer(dir, reg, time.Hour, time.Hour)

	id := newCompletedJob(t, reg, dir, models.KindDownload, "gone", ".mp3")
	if err := os.Remove(filepath.Join(dir, id+".mp3")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.KindDownload, id)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file must 404, got %d", rec.Code)
	}
}

func TestServeBulkArchiveContentType(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	srv := NewServer(dir, reg, time.Hour, time.Hour)

	id := newCompletedJob(t, reg, dir, models.KindBulk, "batch", ".zip")

	rec := httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.KindBulk, id)
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("wrong content type for archive: %s", ct)
	}
}

func TestThumbnailNotReady(t *testing.T) {
	reg := registry.New()
	srv := NewServer(t.TempDir(), reg, time.Hour, time.Hour)

	// Completed but without a thumbnail (audio download).
	dir := t.TempDir()
	id := newCompletedJob(t, reg, dir, models.KindDownload, "audio only", ".mp3")

	rec := httptest.NewRecorder()
	srv.ServeThumbnail(rec, httptest.NewRequest(http.MethodGet, "/", nil), id)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without thumbnail, got %d", rec.Code)
	}
}

func TestCleanupAfterGraceWindow(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	srv := NewServer(dir, reg, 20*time.Millisecond, 20*time.Millisecond)

	id := newCompletedJob(t, reg, dir, models.KindDownload, "short lived", ".mp3")
	path := filepath.Join(dir, id+".mp3")

	rec := httptest.NewRecorder()
	srv.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.KindDownload, id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, fileErr := os.Stat(path)
		_, inRegistry := reg.Get(models.KindDownload, id)
		if os.IsNotExist(fileErr) && !inRegistry {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("artifact and registry entry were not cleaned up after the grace window")
}
