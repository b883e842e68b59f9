// Package thumbnail produces preview images for completed video downloads:
// ffmpeg grabs a single frame, imaging resizes it to a fixed-width JPEG.
package thumbnail

import (
	"context"
	"fmt"
	"os"

	"github.com/disintegration/imaging"

	"beatflo/internal/toolrunner"
)

// Generator extracts and resizes one preview frame per video.
type Generator struct {
	run        toolrunner.Runner
	ffmpegPath string
	width      int
}

// New creates a generator. width is the output JPEG width; height follows
// the source aspect ratio.
func New(run toolrunner.Runner, ffmpegPath string, width int) *Generator {
	if width <= 0 {
		width = 320
	}
	return &Generator{run: run, ffmpegPath: ffmpegPath, width: width}
}

// Generate grabs a frame a few seconds in (where there is usually real
// content rather than a black lead-in) and writes a resized JPEG to outPath.
func (g *Generator) Generate(ctx context.Context, videoPath, outPath string) error {
	framePath := outPath + ".frame.png"
	defer os.Remove(framePath)

	_, err := g.run.Run(ctx, g.ffmpegPath, []string{
		"-y",
		"-ss", "3",
		"-i", videoPath,
		"-frames:v", "1",
		framePath,
	}, nil)
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}

	img, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("open frame: %w", err)
	}
	resized := imaging.Resize(img, g.width, 0, imaging.Lanczos)
	if err := imaging.Save(resized, outPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}
