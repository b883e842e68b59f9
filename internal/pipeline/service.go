// Package pipeline drives the asynchronous media jobs: single downloads,
// bulk downloads with zip assembly, crossfaded mixsets, and waveform
// extraction. Each job is one orchestration goroutine that invokes the
// external tools, writes progress into the registry, and terminates in a
// completed or error state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"beatflo/internal/config"
	"beatflo/internal/models"
	"beatflo/internal/registry"
	"beatflo/internal/telemetry"
	"beatflo/internal/toolrunner"
)

// Recorder archives terminal jobs for later inspection. Optional.
type Recorder interface {
	Record(ctx context.Context, job models.Job) error
}

// Offloader copies a finished artifact to external storage. Optional.
type Offloader interface {
	Offload(ctx context.Context, path, contentType string) error
}

// Thumbnailer produces a preview image for a completed video artifact.
// Optional; failures never affect the owning job.
type Thumbnailer interface {
	Generate(ctx context.Context, videoPath, outPath string) error
}

// WaveformCache stores completed waveform results by source key.
type WaveformCache interface {
	Get(ctx context.Context, key string) (models.Waveform, bool, error)
	Set(ctx context.Context, key string, wf models.Waveform) error
}

// Service owns the pipeline goroutines. Jobs are fire-and-forget from the
// caller's point of view but every goroutine is tracked, cancellable, and
// bounded by the configured job timeout.
type Service struct {
	cfg   config.Config
	reg   *registry.Registry
	run   toolrunner.Runner
	cache WaveformCache

	recorder Recorder
	offload  Offloader
	thumbs   Thumbnailer

	base context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs the pipeline service. base bounds the lifetime of every
// job; cancelling it (at shutdown) kills all child processes.
func New(base context.Context, cfg config.Config, reg *registry.Registry, run toolrunner.Runner, cache WaveformCache) *Service {
	return &Service{
		cfg:     cfg,
		reg:     reg,
		run:     run,
		cache:   cache,
		base:    base,
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetRecorder attaches an optional terminal-job archive.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// SetOffloader attaches an optional artifact offload target.
func (s *Service) SetOffloader(o Offloader) { s.offload = o }

// SetThumbnailer attaches an optional video thumbnail generator.
func (s *Service) SetThumbnailer(t Thumbnailer) { s.thumbs = t }

// Cancel aborts a running job by id. The job's context is cancelled, which
// kills its child process; the orchestrator then marks the job as error.
// Returns false if no running job has this id.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Wait blocks until every tracked pipeline goroutine has finished. Called
// during shutdown after the base context is cancelled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// spawn runs body as a tracked goroutine with its own timeout-bounded,
// cancellable context. Any panic or leftover non-terminal state is converted
// into a terminal error so a job can never be stranded mid-lifecycle.
func (s *Service) spawn(kind models.JobKind, id string, body func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(s.base, s.cfg.JobTimeout)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	telemetry.JobsStarted.WithLabelValues(string(kind)).Inc()
	telemetry.JobsInFlight.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer telemetry.JobsInFlight.Dec()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[pipeline] panic in %s job %s: %v", kind, id, p)
				s.markError(kind, id, "internal error")
			}
			s.finish(kind, id)
		}()

		body(ctx)
	}()
}

// finish settles metrics and the optional history record once a job's
// goroutine exits.
func (s *Service) finish(kind models.JobKind, id string) {
	job, ok := s.reg.Get(kind, id)
	if !ok {
		return
	}
	if !models.IsTerminal(job.Status) {
		// The orchestrator returned without reaching a terminal state.
		s.markError(kind, id, "job ended unexpectedly")
		job, _ = s.reg.Get(kind, id)
	}

	switch job.Status {
	case models.StatusCompleted:
		telemetry.JobsCompleted.WithLabelValues(string(kind)).Inc()
	case models.StatusError:
		telemetry.JobsFailed.WithLabelValues(string(kind)).Inc()
	}

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.recorder.Record(ctx, job); err != nil {
			log.Printf("[history] record job %s: %v", id, err)
		}
	}
}

// markError moves a job to terminal error state unless it is already
// terminal; status never regresses out of completed.
func (s *Service) markError(kind models.JobKind, id, msg string) {
	s.reg.Update(kind, id, func(j *models.Job) {
		if models.IsTerminal(j.Status) {
			return
		}
		j.Status = models.StatusError
		j.Error = msg
	})
}

// failureMessage maps a tool invocation error to the client-visible message;
// raw stderr stays in the server log only.
func failureMessage(err error, generic string) string {
	if errors.Is(err, toolrunner.ErrToolNotInstalled) {
		return "required tool is not installed on the server"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "job timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "job cancelled"
	}
	return generic
}

func exitCodeMessage(err error, res toolrunner.Result, tool string) string {
	if errors.Is(err, toolrunner.ErrToolNotInstalled) {
		return fmt.Sprintf("%s is not installed on the server", tool)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "job timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "job cancelled"
	}
	return fmt.Sprintf("%s failed with exit code %d", tool, res.ExitCode)
}
