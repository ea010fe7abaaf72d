// Package jobs runs persisted background shell commands. Jobs outlive
// the request that enqueued them; output is captured with a hard cap and
// the terminal status always lands in the store, even across a
// cancel/exit race.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Emprim-Panth/loom/internal/otel"
	"github.com/Emprim-Panth/loom/internal/store"
)

const (
	// OutputCap bounds stored job output. Anything past it is dropped
	// and marked.
	OutputCap = 200 * 1024

	TruncationMarker = "\n[output truncated]"
	stderrMarker     = "\n--- stderr ---\n"
)

// Observer is notified when a job reaches a terminal status.
type Observer func(job store.Job)

// Runner owns the live processes for queued jobs. One Runner per server.
type Runner struct {
	store    store.Store
	logger   *slog.Logger
	observer Observer

	mu        sync.Mutex
	running   map[string]*exec.Cmd
	cancelled map[string]bool
	wg        sync.WaitGroup
}

func NewRunner(st store.Store, logger *slog.Logger, observer Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     st,
		logger:    logger.With("component", "jobs"),
		observer:  observer,
		running:   make(map[string]*exec.Cmd),
		cancelled: make(map[string]bool),
	}
}

// Enqueue persists the job and starts it asynchronously. The returned
// job is in queued status; poll GetJob for progress.
func (r *Runner) Enqueue(ctx context.Context, jobType, command, workingDirectory string, branchID *string) (store.Job, error) {
	if strings.TrimSpace(command) == "" {
		return store.Job{}, fmt.Errorf("job command required")
	}
	job, err := r.store.CreateJob(ctx, jobType, command, workingDirectory, branchID)
	if err != nil {
		return store.Job{}, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(job)
	}()
	return job, nil
}

// run executes one job to completion. It uses a background context on
// purpose: the enqueueing HTTP request finishing must not kill the job.
func (r *Runner) run(job store.Job) {
	ctx := context.Background()
	started := time.Now()

	if err := r.store.MarkJobRunning(ctx, job.JobID); err != nil {
		r.logger.Error("job could not transition to running", "job_id", job.JobID, "error", err)
		return
	}

	cmd := exec.Command("bash", "-c", job.Command)
	if job.WorkingDirectory != "" {
		cmd.Dir = job.WorkingDirectory
	}
	cmd.Env = jobEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, cap: OutputCap}
	cmd.Stderr = &cappedWriter{buf: &stderr, cap: OutputCap}

	if err := cmd.Start(); err != nil {
		r.finish(ctx, job, store.JobFailed, "", fmt.Sprintf("start: %v", err), started)
		return
	}

	r.mu.Lock()
	r.running[job.JobID] = cmd
	killNow := r.cancelled[job.JobID]
	r.mu.Unlock()

	// A cancel may have landed between MarkJobRunning and registration;
	// the flag already guarantees the cancelled status, this stops the
	// orphaned process too.
	if killNow && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()

	r.mu.Lock()
	delete(r.running, job.JobID)
	wasCancelled := r.cancelled[job.JobID]
	delete(r.cancelled, job.JobID)
	r.mu.Unlock()

	output := renderOutput(stdout.Bytes(), stderr.Bytes())

	switch {
	case wasCancelled:
		// Cancellation wins even if the process exited cleanly first.
		r.finish(ctx, job, store.JobCancelled, output, "cancelled", started)
	case waitErr != nil:
		r.finish(ctx, job, store.JobFailed, output, waitErr.Error(), started)
	default:
		r.finish(ctx, job, store.JobCompleted, output, "", started)
	}
}

func (r *Runner) finish(ctx context.Context, job store.Job, status, output, errMsg string, started time.Time) {
	if err := r.store.CompleteJob(ctx, job.JobID, status, output, errMsg); err != nil {
		r.logger.Error("job completion not recorded", "job_id", job.JobID, "error", err)
	}
	dur := time.Since(started)
	otel.RecordJob(ctx, job.Type, status, dur)
	r.logger.Info("job finished", "job_id", job.JobID, "status", status, "duration", dur)

	if r.observer != nil {
		done, err := r.store.GetJob(ctx, job.JobID)
		if err != nil {
			done = job
			done.Status = status
		}
		r.observer(done)
	}
}

// Cancel kills the job's process if it is still running and guarantees
// the terminal status is cancelled regardless of how the kill races the
// process's own exit.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	// The flag is set before the liveness check so a job caught between
	// MarkJobRunning and process registration still lands as cancelled.
	r.mu.Lock()
	cmd, live := r.running[jobID]
	r.cancelled[jobID] = true
	r.mu.Unlock()

	if !live {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			r.clearCancelled(jobID)
			return err
		}
		switch job.Status {
		case store.JobQueued:
			return r.store.CompleteJob(ctx, jobID, store.JobCancelled, "", "cancelled before start")
		case store.JobRunning:
			// Startup window: the runner goroutine will observe the flag
			// and record the cancellation itself.
			return nil
		default:
			// Already finished; no goroutine is left to consume the flag.
			// Force the status anyway so cancel is a safe no-op instead
			// of an error; output and completion time stay.
			r.clearCancelled(jobID)
			return r.store.CompleteJob(ctx, jobID, store.JobCancelled, job.Output, job.Error)
		}
	}

	if cmd.Process != nil {
		r.logger.Info("killing job", "job_id", jobID, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	}
	return nil
}

func (r *Runner) clearCancelled(jobID string) {
	r.mu.Lock()
	delete(r.cancelled, jobID)
	r.mu.Unlock()
}

// Wait blocks until every in-flight job has finished. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// jobEnv builds the child environment: the parent env with HOME pinned
// to the real home dir and ~/.local/bin appended to PATH, so user-level
// tool installs resolve inside jobs.
func jobEnv() []string {
	env := os.Environ()
	home, err := os.UserHomeDir()
	if err != nil {
		return env
	}
	out := make([]string, 0, len(env)+2)
	var sawPath, sawHome bool
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			sawPath = true
			out = append(out, kv+string(os.PathListSeparator)+filepath.Join(home, ".local", "bin"))
		case strings.HasPrefix(kv, "HOME="):
			sawHome = true
			out = append(out, "HOME="+home)
		default:
			out = append(out, kv)
		}
	}
	if !sawPath {
		out = append(out, "PATH="+filepath.Join(home, ".local", "bin"))
	}
	if !sawHome {
		out = append(out, "HOME="+home)
	}
	return out
}

// renderOutput joins the captured streams: stdout first, stderr under a
// marker, the whole thing bounded by OutputCap plus the truncation note.
func renderOutput(stdout, stderr []byte) string {
	var sb strings.Builder
	sb.Write(stdout)
	if len(stderr) > 0 {
		sb.WriteString(stderrMarker)
		sb.Write(stderr)
	}
	out := sb.String()
	if len(out) > OutputCap {
		out = out[:OutputCap] + TruncationMarker
	}
	return out
}

// cappedWriter accepts writes forever but only retains the first cap
// bytes, so a chatty process cannot balloon memory.
type cappedWriter struct {
	buf *bytes.Buffer
	cap int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if remaining := w.cap - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
