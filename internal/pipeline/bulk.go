package pipeline

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"beatflo/internal/models"
)

// BulkRequest describes a bulk-download job: several sources downloaded
// sequentially and archived into one zip.
type BulkRequest struct {
	Videos       []models.VideoRequest `json:"videos"`
	OutputFormat string                `json:"outputFormat"`
}

// StartBulk creates a bulk job and returns its id immediately.
func (s *Service) StartBulk(req BulkRequest) string {
	id := s.reg.Create(models.KindBulk, func(j *models.Job) {
		j.OutputFormat = req.OutputFormat
		j.Total = len(req.Videos)
	})
	s.spawn(models.KindBulk, id, func(ctx context.Context) {
		s.runBulk(ctx, id, req)
	})
	return id
}

// runBulk downloads each item in order into a per-job working directory,
// then zips the successes. Items are serialized deliberately: one child
// process at a time bounds load for large batches. A failed item is logged,
// recorded, and skipped; it never aborts the batch.
func (s *Service) runBulk(ctx context.Context, id string, req BulkRequest) {
	workDir := filepath.Join(s.cfg.DownloadsDir, "bulk-"+id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.markError(models.KindBulk, id, "could not create working directory")
		return
	}

	type success struct {
		path    string
		zipName string
	}
	var successes []success
	taken := make(map[string]bool)

	s.reg.Update(models.KindBulk, id, func(j *models.Job) {
		j.Status = models.StatusDownloading
	})

	for i, video := range req.Videos {
		s.reg.Update(models.KindBulk, id, func(j *models.Job) {
			j.Current = video.Title
		})

		stem := fmt.Sprintf("%03d", i)
		item := models.Item{Title: video.Title}

		_, err := s.downloadMedia(ctx, workDir, stem, video.URL, req.OutputFormat, "", nil)
		if err != nil {
			if ctx.Err() != nil {
				s.markError(models.KindBulk, id, failureMessage(ctx.Err(), "download failed"))
				return
			}
			log.Printf("[bulk] job %s item %d (%s) failed: %v", id, i, video.Title, err)
			item.Error = fmtItemError(err)
		} else if path, ok := findByStem(workDir, stem); ok {
			item.OK = true
			zipName := uniqueName(taken, sanitizeTitle(video.Title)+filepath.Ext(path))
			successes = append(successes, success{path: path, zipName: zipName})
		} else {
			log.Printf("[bulk] job %s item %d (%s): file not found after download", id, i, video.Title)
			item.Error = "file not found after download"
		}

		// Per-item accounting advances regardless of the item's outcome.
		s.reg.Update(models.KindBulk, id, func(j *models.Job) {
			j.Completed = i + 1
			j.Progress = float64(i+1) / float64(j.Total) * 100
			j.Items = append(j.Items, item)
		})
	}

	if len(successes) == 0 {
		s.markError(models.KindBulk, id, "no items could be downloaded")
		return
	}

	s.reg.Update(models.KindBulk, id, func(j *models.Job) {
		j.Status = models.StatusZipping
		j.Current = ""
	})

	zipPath := filepath.Join(s.cfg.DownloadsDir, id+".zip")
	entries := make(map[string]string, len(successes))
	for _, sc := range successes {
		entries[sc.path] = sc.zipName
	}
	if err := buildArchive(zipPath, entries); err != nil {
		log.Printf("[bulk] job %s archive failed: %v", id, err)
		s.markError(models.KindBulk, id, "archive creation failed")
		return
	}

	if err := os.RemoveAll(workDir); err != nil {
		// Cleanup failures never fail an otherwise-successful job.
		log.Printf("[bulk] job %s cleanup: %v", id, err)
	}

	s.reg.Update(models.KindBulk, id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Filename = filepath.Base(zipPath)
	})
	s.offloadArtifact(ctx, zipPath, "application/zip")
}

// buildArchive writes a maximum-compression zip containing the given files
// under their archive names.
func buildArchive(zipPath string, entries map[string]string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	for path, name := range entries {
		if err := addToArchive(zw, path, name); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func addToArchive(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
