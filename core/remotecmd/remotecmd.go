// Package remotecmd runs long-lived appliance CLI commands and extracts
// progress from their unstructured output. Appliance service restarts print
// lifecycle phrases rather than exit promptly, so progress is inferred from
// markers in the stream, and hitting the deadline on a still-running command
// is reported as indeterminate success rather than failure.
package remotecmd

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dmitrymomot/certops/core/logger"
)

// Session is one remote command channel, typically an SSH session.
type Session interface {
	// Start launches the command and returns the combined output stream.
	Start(command string) (io.Reader, error)
	// Wait blocks until the command finishes and reports its exit status.
	Wait() error
	// Close tears the session down; safe after Wait.
	Close() error
}

// Result describes how a streamed command ended.
type Result struct {
	// Success is true when the command exited cleanly, and also when the
	// deadline elapsed with the command still running: a slow restart is
	// not evidence of failure.
	Success bool
	// TimedOut marks the indeterminate case above.
	TimedOut bool
	// Output is the full captured output.
	Output string
}

// Callbacks receive streaming events. Either field may be nil.
type Callbacks struct {
	// OnChunk is called for every read with the new chunk and the
	// cumulative output so far.
	OnChunk func(chunk, cumulative string)
	// OnMarker is called at most once per marker, at the chunk where the
	// marker first becomes visible.
	OnMarker func(marker string)
}

// DefaultMarkers are the lifecycle phrases of an appliance service restart,
// in both the bracketed and the prose form the CLI emits.
var DefaultMarkers = []string{
	"[STOPPING]",
	"[STARTING]",
	"[STARTED]",
	"Service Manager is stopping",
	"Service Manager is starting",
}

// Runner executes commands over sessions and watches their output.
type Runner struct {
	markers []string
	log     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMarkers replaces the default marker set.
func WithMarkers(markers []string) RunnerOption {
	return func(r *Runner) { r.markers = markers }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a runner with the default marker set.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		markers: DefaultMarkers,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ExecuteStreaming runs command on the session, feeding output through the
// callbacks until the command finishes, the timeout elapses, or ctx is
// cancelled. Markers are matched against the cumulative buffer so a marker
// split across two reads still fires, exactly once, at the read that
// completes it.
func (r *Runner) ExecuteStreaming(ctx context.Context, session Session, command string, cb Callbacks, timeout time.Duration) (Result, error) {
	defer session.Close()

	stream, err := session.Start(command)
	if err != nil {
		return Result{}, &TransportError{Op: "start", Err: err}
	}

	r.log.Info("remote command started",
		logger.Component("remotecmd"),
		slog.String("command", command))

	var cumulative strings.Builder
	fired := make(map[string]bool, len(r.markers))

	chunks := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				select {
				case chunks <- string(buf[:n]):
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case chunk := <-chunks:
			cumulative.WriteString(chunk)
			output := cumulative.String()

			if cb.OnChunk != nil {
				cb.OnChunk(chunk, output)
			}
			for _, marker := range r.markers {
				if fired[marker] || !strings.Contains(output, marker) {
					continue
				}
				fired[marker] = true
				r.log.Debug("marker observed",
					logger.Component("remotecmd"),
					slog.String("marker", marker))
				if cb.OnMarker != nil {
					cb.OnMarker(marker)
				}
			}

		case err := <-readErr:
			if err != io.EOF {
				return Result{Output: cumulative.String()}, &TransportError{Op: "read", Err: err}
			}
			if err := session.Wait(); err != nil {
				return Result{Output: cumulative.String()}, &ExitError{Err: err}
			}
			r.log.Info("remote command completed", logger.Component("remotecmd"))
			return Result{Success: true, Output: cumulative.String()}, nil

		case <-deadline.C:
			// The command is still running; for restart-style commands
			// that only means the service takes longer than we wait.
			r.log.Warn("remote command still running at deadline",
				logger.Component("remotecmd"),
				slog.String("command", command),
				logger.Duration(timeout))
			return Result{Success: true, TimedOut: true, Output: cumulative.String()}, nil

		case <-ctx.Done():
			return Result{Output: cumulative.String()}, ctx.Err()
		}
	}
}
