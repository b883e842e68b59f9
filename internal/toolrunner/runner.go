// Package toolrunner wraps invocation of the external media binaries
// (yt-dlp, ffmpeg, ffprobe) as child processes. Arguments are always passed
// as discrete tokens, never through a shell, so untrusted titles and URLs
// cannot inject commands.
package toolrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrToolNotInstalled distinguishes a binary missing from the host from a
// command that ran and exited nonzero.
var ErrToolNotInstalled = errors.New("tool not installed")

// Result captures one completed invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes an external tool, streaming each output line to onLine as
// it arrives. Implementations must return ErrToolNotInstalled (wrapped) when
// the executable is absent, and an ExitError-style error for nonzero exits;
// Result is populated in both cases where output was captured.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine func(line string)) (Result, error)
}

// ExecRunner runs tools via os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by real child processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run spawns name with args and scans stdout and stderr line by line. The
// process is killed when ctx is cancelled.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// yt-dlp emits paths in the platform codepage unless Python is pinned
	// to UTF-8, which corrupts non-ASCII titles on Windows hosts.
	cmd.Env = append(os.Environ(), "PYTHONUTF8=1", "PYTHONIOENCODING=utf-8")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if isNotInstalled(err) {
			return Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, ErrToolNotInstalled)
		}
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", name, err)
	}

	var outBuf, errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdout, &outBuf, &mu, onLine, &wg)
	go scanLines(stderr, &errBuf, &mu, onLine, &wg)
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, waitErr)
	}
	return res, nil
}

func scanLines(r io.Reader, buf *strings.Builder, mu *sync.Mutex, onLine func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		buf.WriteString(line)
		buf.WriteByte('\n')
		mu.Unlock()
		if onLine != nil {
			onLine(line)
		}
	}
}

func isNotInstalled(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
