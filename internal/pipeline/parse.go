package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	downloadPercentRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)
	rmsLevelRe        = regexp.MustCompile(`lavfi\.astats\.Overall\.RMS_level=(-?\d+(?:\.\d+)?)`)
	meanVolumeRe      = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)
	maxVolumeRe       = regexp.MustCompile(`max_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)
)

// ParseDownloadPercent extracts the percentage from a yt-dlp progress line
// such as "[download]  42.3% of 5.1MiB at 1.2MiB/s".
func ParseDownloadPercent(line string) (float64, bool) {
	m := downloadPercentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// IsMergeMarker reports whether a yt-dlp line marks the post-download
// merge/extract step. The tools report no percentage during this phase, so
// callers pin progress at 99 instead.
func IsMergeMarker(line string) bool {
	return strings.Contains(line, "[Merger]") ||
		strings.Contains(line, "[ExtractAudio]") ||
		strings.Contains(line, "[FixupM3u8]") ||
		strings.Contains(line, "Merging formats")
}

// ParseFfprobeDuration parses `ffprobe -show_entries format=duration -of csv=p=0`
// output into seconds.
func ParseFfprobeDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// ParseRMSLevels collects per-interval overall RMS levels (in dBFS) from
// ffmpeg astats/ametadata output.
func ParseRMSLevels(out string) []float64 {
	matches := rmsLevelRe.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	levels := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		levels = append(levels, v)
	}
	return levels
}

// ParseVolumeDetect extracts mean and max volume (dB) from ffmpeg
// volumedetect output.
func ParseVolumeDetect(out string) (mean, max float64, ok bool) {
	mm := meanVolumeRe.FindStringSubmatch(out)
	xm := maxVolumeRe.FindStringSubmatch(out)
	if mm == nil || xm == nil {
		return 0, 0, false
	}
	mean, err1 := strconv.ParseFloat(mm[1], 64)
	max, err2 := strconv.ParseFloat(xm[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return mean, max, true
}
