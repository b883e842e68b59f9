package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"beatflo/internal/models"
)

// MixsetRequest describes a crossfade mixset job: an ordered tracklist
// blended into a single mp3 with a uniform crossfade at every join.
type MixsetRequest struct {
	Tracks            []models.TrackRequest `json:"tracks"`
	CrossfadeDuration float64               `json:"crossfadeDuration"`
	MixsetName        string                `json:"mixsetName"`
}

// StartMixset creates a mixset job and returns its id immediately. Callers
// validate that at least two tracks were supplied.
func (s *Service) StartMixset(req MixsetRequest) string {
	id := s.reg.Create(models.KindMixset, func(j *models.Job) {
		j.Title = req.MixsetName
		j.OutputFormat = "mp3"
		j.Total = len(req.Tracks)
	})
	s.spawn(models.KindMixset, id, func(ctx context.Context) {
		s.runMixset(ctx, id, req)
	})
	return id
}

// runMixset is a two-phase pipeline. Phase 1 extracts each track as mp3 into
// a zero-padded-numbered working directory so lexical order equals play
// order. Phase 2 renders the whole mix in one multi-input ffmpeg invocation
// whose acrossfade chain subtracts one crossfade window per join, so the
// final duration is roughly sum(tracks) - (N-1)*crossfade.
func (s *Service) runMixset(ctx context.Context, id string, req MixsetRequest) {
	workDir := filepath.Join(s.cfg.DownloadsDir, "mix-"+id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.markError(models.KindMixset, id, "could not create working directory")
		return
	}

	s.reg.Update(models.KindMixset, id, func(j *models.Job) {
		j.Status = models.StatusDownloading
		j.Phase = "downloading tracks"
	})

	for i, track := range req.Tracks {
		s.reg.Update(models.KindMixset, id, func(j *models.Job) {
			j.Current = track.Title
		})

		stem := fmt.Sprintf("%03d", i)
		item := models.Item{Title: track.Title}

		_, err := s.downloadMedia(ctx, workDir, stem, track.URL, "mp3", "", nil)
		if err != nil {
			if ctx.Err() != nil {
				s.markError(models.KindMixset, id, failureMessage(ctx.Err(), "download failed"))
				return
			}
			log.Printf("[mixset] job %s track %d (%s) failed: %v", id, i, track.Title, err)
			item.Error = fmtItemError(err)
		} else if _, ok := findByStem(workDir, stem); ok {
			item.OK = true
		} else {
			item.Error = "file not found after download"
		}

		s.reg.Update(models.KindMixset, id, func(j *models.Job) {
			j.Completed = i + 1
			j.Progress = float64(i+1) / float64(j.Total) * 90
			j.Items = append(j.Items, item)
		})
	}

	tracks := collectTracks(workDir)
	if len(tracks) < 2 {
		// Working directory is left in place for inspection on a phase-1
		// failure.
		s.markError(models.KindMixset, id,
			fmt.Sprintf("need at least 2 downloaded tracks to mix, got %d", len(tracks)))
		return
	}

	s.reg.Update(models.KindMixset, id, func(j *models.Job) {
		j.Phase = "mixing"
		j.Status = models.StatusProcessing
		j.Current = ""
		j.Progress = 92
	})

	chain, err := NewCrossfadeChain(len(tracks), req.CrossfadeDuration)
	if err != nil {
		s.markError(models.KindMixset, id, err.Error())
		return
	}
	filter, outLabel := chain.Render()

	outPath := filepath.Join(s.cfg.DownloadsDir, id+".mp3")
	args := make([]string, 0, len(tracks)*2+10)
	args = append(args, "-y")
	for _, t := range tracks {
		args = append(args, "-i", t)
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", outLabel,
		"-q:a", "2",
		outPath,
	)

	res, err := s.run.Run(ctx, s.cfg.FfmpegPath, args, nil)
	if err != nil {
		log.Printf("[mixset] job %s ffmpeg failed: %v stderr=%s", id, err, tail(res.Stderr, 500))
		s.markError(models.KindMixset, id, exitCodeMessage(err, res, "ffmpeg"))
		return
	}

	if err := os.RemoveAll(workDir); err != nil {
		log.Printf("[mixset] job %s cleanup: %v", id, err)
	}

	s.reg.Update(models.KindMixset, id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Phase = ""
		j.Progress = 100
		j.Filename = filepath.Base(outPath)
	})
	s.offloadArtifact(ctx, outPath, "audio/mpeg")
}

// collectTracks lists the successfully extracted mp3s in play order.
func collectTracks(workDir string) []string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		tracks = append(tracks, filepath.Join(workDir, e.Name()))
	}
	sort.Strings(tracks)
	return tracks
}
