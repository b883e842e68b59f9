package models

import (
	"time"
)

// JobKind identifies which pipeline owns a job.
type JobKind string

const (
	KindDownload JobKind = "download"
	KindBulk     JobKind = "bulk"
	KindMixset   JobKind = "mixset"
	KindWaveform JobKind = "waveform"
)

// Job lifecycle states. Completed and Error are terminal.
const (
	StatusStarting    = "starting"
	StatusDownloading = "downloading"
	StatusProcessing  = "processing"
	StatusAnalyzing   = "analyzing"
	StatusZipping     = "zipping"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// IsTerminal reports whether a status ends the job lifecycle.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// Job is one tracked unit of asynchronous pipeline work. A job is mutated
// only by the goroutine that owns it; readers receive copies from the
// registry.
type Job struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	Completed    int       `json:"completed,omitempty"`
	Total        int       `json:"total,omitempty"`
	Current      string    `json:"current,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Title        string    `json:"title,omitempty"`
	OutputFormat string    `json:"output_format,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	Thumbnail    string    `json:"thumbnail,omitempty"`
	Error        string    `json:"error,omitempty"`
	Items        []Item    `json:"items,omitempty"`
	Peaks        []float64 `json:"peaks,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	Fallback     bool      `json:"fallback,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Item records the outcome of one entry of a bulk or mixset job.
type Item struct {
	Title string `json:"title"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// VideoRequest is one client-supplied source in a bulk download.
type VideoRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// TrackRequest is one client-supplied track in a mixset.
type TrackRequest struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Artist string `json:"artist,omitempty"`
}

// Waveform is the final result of a waveform extraction job.
type Waveform struct {
	Peaks    []float64 `json:"peaks"`
	Duration float64   `json:"duration"`
	Fallback bool      `json:"fallback,omitempty"`
}
