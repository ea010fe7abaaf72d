package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Emprim-Panth/loom/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForTerminal(t *testing.T, s store.Store, jobID string) store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		switch job.Status {
		case store.JobCompleted, store.JobFailed, store.JobCancelled:
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return store.Job{}
}

func TestEnqueueRunsCommand(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	var observed []store.Job
	r := NewRunner(s, nil, func(j store.Job) { observed = append(observed, j) })

	job, err := r.Enqueue(context.Background(), "shell", "echo hello from job", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForTerminal(t, s, job.JobID)
	r.Wait()

	if done.Status != store.JobCompleted {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}
	if !strings.Contains(done.Output, "hello from job") {
		t.Fatalf("output lost: %q", done.Output)
	}
	if len(observed) != 1 || observed[0].JobID != job.JobID {
		t.Fatalf("observer not notified: %+v", observed)
	}
}

func TestEnqueueRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	r := NewRunner(openTestStore(t), nil, nil)
	if _, err := r.Enqueue(context.Background(), "shell", "   ", "", nil); err == nil {
		t.Fatal("expected error for blank command")
	}
}

func TestFailedCommandCapturesStderr(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	r := NewRunner(s, nil, nil)

	job, err := r.Enqueue(context.Background(), "shell", "echo out; echo err >&2; exit 3", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForTerminal(t, s, job.JobID)
	r.Wait()

	if done.Status != store.JobFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if !strings.Contains(done.Error, "exit status 3") {
		t.Fatalf("exit code lost: %q", done.Error)
	}
	if !strings.Contains(done.Output, "out") || !strings.Contains(done.Output, "--- stderr ---") || !strings.Contains(done.Output, "err") {
		t.Fatalf("streams not separated: %q", done.Output)
	}
	if strings.Index(done.Output, "out") > strings.Index(done.Output, "--- stderr ---") {
		t.Fatalf("stderr must follow stdout: %q", done.Output)
	}
}

func TestOutputTruncation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	r := NewRunner(s, nil, nil)

	// ~1MB of output, far past the cap.
	job, err := r.Enqueue(context.Background(), "shell", "yes x | head -c 1048576", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForTerminal(t, s, job.JobID)
	r.Wait()

	if len(done.Output) > OutputCap+len(TruncationMarker) {
		t.Fatalf("output exceeds cap: %d bytes", len(done.Output))
	}
	if !strings.HasSuffix(done.Output, TruncationMarker) {
		t.Fatalf("missing truncation marker, tail: %q", done.Output[len(done.Output)-40:])
	}
}

func TestCancelKillsRunningJob(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	r := NewRunner(s, nil, nil)

	job, err := r.Enqueue(context.Background(), "shell", "echo started; sleep 60", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Wait for the process to be live before killing it.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := s.GetJob(context.Background(), job.JobID)
		if got.Status == store.JobRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Cancel(context.Background(), job.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	done := waitForTerminal(t, s, job.JobID)
	r.Wait()

	if done.Status != store.JobCancelled {
		t.Fatalf("status = %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatal("completion time not recorded")
	}
}

// markGateStore pauses MarkJobRunning after the row is updated, holding
// the runner in the window before it registers the live process.
type markGateStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *markGateStore) MarkJobRunning(ctx context.Context, jobID string) error {
	if err := g.Store.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}
	close(g.entered)
	<-g.release
	return nil
}

// A cancel landing after the running transition but before the process
// is registered must still end the job as cancelled, not completed.
func TestCancelDuringStartupWindow(t *testing.T) {
	t.Parallel()
	gate := &markGateStore{
		Store:   openTestStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := NewRunner(gate, nil, nil)

	job, err := r.Enqueue(context.Background(), "shell", "sleep 60", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-gate.entered

	if err := r.Cancel(context.Background(), job.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(gate.release)

	done := waitForTerminal(t, gate, job.JobID)
	r.Wait()
	if done.Status != store.JobCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
}

func TestCancelFinishedJobIsNoOp(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	r := NewRunner(s, nil, nil)

	job, _ := r.Enqueue(context.Background(), "shell", "true", "", nil)
	waitForTerminal(t, s, job.JobID)
	r.Wait()

	if err := r.Cancel(context.Background(), job.JobID); err != nil {
		t.Fatalf("cancel finished job: %v", err)
	}
	got, err := s.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.JobCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
}

func TestRenderOutput(t *testing.T) {
	t.Parallel()
	if got := renderOutput([]byte("a"), nil); got != "a" {
		t.Fatalf("stdout only: %q", got)
	}
	got := renderOutput([]byte("a"), []byte("b"))
	if got != "a\n--- stderr ---\nb" {
		t.Fatalf("combined: %q", got)
	}
	big := renderOutput(make([]byte, OutputCap+10), nil)
	if len(big) != OutputCap+len(TruncationMarker) {
		t.Fatalf("cap not applied: %d", len(big))
	}
}
