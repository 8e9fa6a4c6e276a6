package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulgrammer/audiobatch/internal/events"
	"github.com/paulgrammer/audiobatch/internal/executor"
	"github.com/paulgrammer/audiobatch/internal/ffmpeg"
	"github.com/paulgrammer/audiobatch/internal/pathutil"
)

// fakeRunner stands in for the ffmpeg pipeline. When block is set, Run
// waits for it to close or for cancellation, which lets tests hold
// jobs in the running state.
type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	active   int
	maxSeen  int
	block    chan struct{}
	result   func(req executor.Request) executor.Result
	readyErr error
}

func (f *fakeRunner) Ready(ctx context.Context) error { return f.readyErr }

func (f *fakeRunner) Run(ctx context.Context, req executor.Request) executor.Result {
	f.mu.Lock()
	f.started = append(f.started, req.JobID)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Result{Message: "terminated", ErrorCode: executor.ErrCodeConversion, ExitCode: -1}
		}
	}
	if f.result != nil {
		return f.result(req)
	}
	return executor.Result{Success: true, Message: "conversion completed", OutputPath: req.OutputPath, Duration: 10 * time.Millisecond}
}

func (f *fakeRunner) startedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeRunner) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

// eventRecorder drains a bus subscription into a slice.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) (*eventRecorder, func()) {
	ch, cancel := bus.Subscribe(256)
	rec := &eventRecorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	return rec, func() {
		cancel()
		<-done
	}
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(t events.Type) int {
	return len(r.ofType(t))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func makeInput(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func newTestScheduler(t *testing.T, concurrency int, runner executor.Runner) (*Scheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus(0)
	s, err := NewScheduler(Config{
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
	}, runner, bus)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s, bus
}

func TestNewSchedulerValidation(t *testing.T) {
	if _, err := NewScheduler(Config{Concurrency: 0}, &fakeRunner{}, nil); err == nil {
		t.Error("NewScheduler accepted zero concurrency")
	}
	if _, err := NewScheduler(Config{Concurrency: 1}, nil, nil); err == nil {
		t.Error("NewScheduler accepted a nil runner")
	}
}

func TestAddJobValidation(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "in.wav")
	s, _ := newTestScheduler(t, 1, &fakeRunner{})

	if s.AddJob(Job{ID: "", InputPath: input}, "") {
		t.Error("accepted a job without an id")
	}
	if s.AddJob(Job{ID: "a", InputPath: ""}, "") {
		t.Error("accepted a job without an input path")
	}
	if s.AddJob(Job{ID: "a", InputPath: filepath.Join(dir, "missing.wav")}, "") {
		t.Error("accepted a job whose input does not exist")
	}
	if s.AddJob(Job{ID: "a", InputPath: dir}, "") {
		t.Error("accepted a directory as input")
	}
	bad := Job{ID: "a", InputPath: input, Params: ffmpeg.Params{StartTime: "nonsense"}}
	if s.AddJob(bad, "") {
		t.Error("accepted invalid params")
	}

	if !s.AddJob(Job{ID: "a", InputPath: input}, "") {
		t.Fatal("rejected a valid job")
	}
	if s.AddJob(Job{ID: "a", InputPath: input}, "") {
		t.Error("accepted a duplicate job id")
	}
}

func TestAddJobDefaultOutputPath(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "track.wav")
	s, _ := newTestScheduler(t, 1, &fakeRunner{})

	if !s.AddJob(Job{ID: "a", InputPath: input}, "") {
		t.Fatal("AddJob failed")
	}
	job, ok := s.Job("a")
	if !ok {
		t.Fatal("job not registered")
	}
	want := filepath.Join(dir, "track.mp3")
	if job.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", job.OutputPath, want)
	}
	if job.Status != StatusQueued {
		t.Errorf("Status = %s, want %s", job.Status, StatusQueued)
	}
}

func TestAddJobUniquePolicyRenames(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "song.wav")
	existing := makeInput(t, dir, "song.mp3")
	s, _ := newTestScheduler(t, 1, &fakeRunner{})

	if !s.AddJob(Job{ID: "a", InputPath: input, OutputPath: existing}, pathutil.PolicyUnique) {
		t.Fatal("AddJob failed")
	}
	job, _ := s.Job("a")
	want := filepath.Join(dir, "song (1).mp3")
	if job.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", job.OutputPath, want)
	}
}

func TestAddJobSkipPolicy(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "song.wav")
	existing := makeInput(t, dir, "song.mp3")
	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	if !s.AddJob(Job{ID: "a", InputPath: input, OutputPath: existing}, pathutil.PolicySkip) {
		t.Fatal("skip admission should still return true")
	}
	job, _ := s.Job("a")
	if job.Status != StatusSkipped {
		t.Fatalf("Status = %s, want %s", job.Status, StatusSkipped)
	}
	if job.CompletedAt == nil {
		t.Error("skipped job missing CompletedAt")
	}
	if !strings.Contains(job.ErrorMessage, "already exists") {
		t.Errorf("ErrorMessage = %q", job.ErrorMessage)
	}
	if got := s.Stats()[string(StatusSkipped)]; got != 1 {
		t.Errorf("skipped count = %d, want 1", got)
	}
	if len(runner.startedJobs()) != 0 {
		t.Error("skipped job reached the runner")
	}
	waitFor(t, time.Second, "job_skipped event", func() bool {
		return rec.count(events.TypeJobSkipped) == 1
	})
}

func TestJobLifecycleWithProgress(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "in.wav")
	runner := &fakeRunner{
		result: func(req executor.Request) executor.Result {
			req.OnProgress(0.25)
			req.OnProgress(0.5)
			return executor.Result{Success: true, Message: "conversion completed", OutputPath: req.OutputPath, Duration: 10 * time.Millisecond}
		},
	}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	if !s.AddJob(Job{ID: "a", InputPath: input}, "") {
		t.Fatal("AddJob failed")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	waitFor(t, 2*time.Second, "completion summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})

	job, _ := s.Job("a")
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", job.Status, StatusCompleted)
	}
	if job.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", job.Progress)
	}
	if job.Result == nil || !job.Result.Success {
		t.Fatalf("Result = %+v", job.Result)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("missing lifecycle timestamps")
	}

	if got := rec.count(events.TypeJobStarted); got != 1 {
		t.Errorf("job_started events = %d, want 1", got)
	}
	if got := rec.count(events.TypeJobCompleted); got != 1 {
		t.Errorf("job_completed events = %d, want 1", got)
	}
	progress := rec.ofType(events.TypeJobProgress)
	if len(progress) != 2 || progress[0].Progress != 0.25 || progress[1].Progress != 0.5 {
		t.Errorf("progress events = %+v", progress)
	}
	summary := rec.ofType(events.TypeAllCompleted)[0]
	if summary.Stats[string(StatusCompleted)] != 1 {
		t.Errorf("summary stats = %v", summary.Stats)
	}
}

func TestConcurrencyLimitAndFIFO(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: make(chan struct{})}
	s, bus := newTestScheduler(t, 2, runner)
	rec, stop := record(bus)
	defer stop()

	var ids []string
	for _, name := range []string{"a.wav", "b.wav", "c.wav", "d.wav", "e.wav"} {
		input := makeInput(t, dir, name)
		id := "job-" + name
		if !s.AddJob(Job{ID: id, InputPath: input}, "") {
			t.Fatalf("AddJob(%s) failed", id)
		}
		ids = append(ids, id)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	waitFor(t, 2*time.Second, "two jobs running", func() bool {
		return s.Stats()[string(StatusRunning)] == 2
	})
	stats := s.Stats()
	if stats[string(StatusQueued)] != 3 {
		t.Errorf("queued = %d, want 3", stats[string(StatusQueued)])
	}

	close(runner.block)
	waitFor(t, 2*time.Second, "all jobs completed", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})

	if got := runner.maxConcurrent(); got > 2 {
		t.Errorf("max concurrent conversions = %d, want <= 2", got)
	}
	started := rec.ofType(events.TypeJobStarted)
	if len(started) != len(ids) {
		t.Fatalf("job_started events = %d, want %d", len(started), len(ids))
	}
	for i, ev := range started {
		if ev.JobID != ids[i] {
			t.Errorf("start order[%d] = %s, want %s", i, ev.JobID, ids[i])
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: make(chan struct{})}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	first := makeInput(t, dir, "first.wav")
	second := makeInput(t, dir, "second.wav")
	s.AddJob(Job{ID: "first", InputPath: first}, "")
	s.AddJob(Job{ID: "second", InputPath: second}, "")

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "first job running", func() bool {
		j, _ := s.Job("first")
		return j.Status == StatusRunning
	})

	if !s.CancelJob("second") {
		t.Fatal("cancel of a queued job returned false")
	}
	job, _ := s.Job("second")
	if job.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", job.Status, StatusCancelled)
	}
	if s.CancelJob("second") {
		t.Error("second cancel returned true")
	}
	if s.CancelJob("nope") {
		t.Error("cancel of an unknown job returned true")
	}

	close(runner.block)
	waitFor(t, 2*time.Second, "first job completed", func() bool {
		j, _ := s.Job("first")
		return j.Status == StatusCompleted
	})

	// The cancelled job never ran and stayed cancelled.
	if got := runner.startedJobs(); len(got) != 1 || got[0] != "first" {
		t.Errorf("runner saw %v, want only the first job", got)
	}
	job, _ = s.Job("second")
	if job.Status != StatusCancelled {
		t.Errorf("cancelled job mutated to %s", job.Status)
	}
	if got := rec.count(events.TypeJobCancelled); got != 1 {
		t.Errorf("job_cancelled events = %d, want 1", got)
	}
}

func TestCancelRunningJob(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "in.wav")
	runner := &fakeRunner{block: make(chan struct{})}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	s.AddJob(Job{ID: "a", InputPath: input}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "job running", func() bool {
		j, _ := s.Job("a")
		return j.Status == StatusRunning
	})

	if !s.CancelJob("a") {
		t.Fatal("cancel of a running job returned false")
	}
	job, _ := s.Job("a")
	if job.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", job.Status, StatusCancelled)
	}
	completedAt := job.CompletedAt

	// The runner result arrives after cancellation and must be dropped.
	waitFor(t, 2*time.Second, "completion summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})
	job, _ = s.Job("a")
	if job.Status != StatusCancelled {
		t.Errorf("late result overrode cancellation, status = %s", job.Status)
	}
	if !job.CompletedAt.Equal(*completedAt) {
		t.Error("late result changed CompletedAt")
	}
	if got := rec.count(events.TypeJobFailed); got != 0 {
		t.Errorf("job_failed events = %d, want 0", got)
	}
	if got := rec.count(events.TypeJobCompleted); got != 0 {
		t.Errorf("job_completed events = %d, want 0", got)
	}
	summary := rec.ofType(events.TypeAllCompleted)[0]
	if summary.Stats[string(StatusCancelled)] != 1 {
		t.Errorf("summary stats = %v", summary.Stats)
	}
}

func TestRemoveJob(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	s, _ := newTestScheduler(t, 1, runner)

	running := makeInput(t, dir, "running.wav")
	queued := makeInput(t, dir, "queued.wav")
	s.AddJob(Job{ID: "running", InputPath: running}, "")
	s.AddJob(Job{ID: "queued", InputPath: queued}, "")

	if s.RemoveJob("nope") {
		t.Error("removed an unknown job")
	}
	if !s.RemoveJob("queued") {
		t.Fatal("failed to remove a queued job")
	}
	if _, ok := s.Job("queued"); ok {
		t.Error("removed job still visible")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "job running", func() bool {
		j, _ := s.Job("running")
		return j.Status == StatusRunning
	})

	// Removing a running job only cancels it; the record stays behind
	// as cancelled and keeps showing up in listings and stats.
	if !s.RemoveJob("running") {
		t.Fatal("failed to remove a running job")
	}
	job, ok := s.Job("running")
	if !ok {
		t.Fatal("running job vanished from the registry")
	}
	if job.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", job.Status, StatusCancelled)
	}
	stats := s.Stats()
	if stats["total"] != 1 || stats[string(StatusCancelled)] != 1 {
		t.Errorf("stats after removal = %v, want one cancelled job", stats)
	}

	// Now terminal, a second removal drops the record for good.
	if !s.RemoveJob("running") {
		t.Fatal("failed to remove a cancelled job")
	}
	if got := s.Stats()["total"]; got != 0 {
		t.Errorf("total after removals = %d, want 0", got)
	}
}

func TestCancelAllJobs(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	s, _ := newTestScheduler(t, 1, runner)

	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		s.AddJob(Job{ID: name, InputPath: makeInput(t, dir, name)}, "")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "one job running", func() bool {
		return s.Stats()[string(StatusRunning)] == 1
	})

	if got := s.CancelAll(); got != 3 {
		t.Errorf("CancelAll = %d, want 3", got)
	}
	if got := s.Stats()[string(StatusCancelled)]; got != 3 {
		t.Errorf("cancelled = %d, want 3", got)
	}
	if got := s.CancelAll(); got != 0 {
		t.Errorf("second CancelAll = %d, want 0", got)
	}
}

func TestClearCompleted(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 2, runner)
	rec, stop := record(bus)
	defer stop()

	s.AddJob(Job{ID: "a", InputPath: makeInput(t, dir, "a.wav")}, "")
	s.AddJob(Job{ID: "b", InputPath: makeInput(t, dir, "b.wav")}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "batch finished", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})

	if got := s.ClearCompleted(); got != 2 {
		t.Errorf("ClearCompleted = %d, want 2", got)
	}
	if got := len(s.Jobs()); got != 0 {
		t.Errorf("jobs after clear = %d, want 0", got)
	}
	if got := s.ClearCompleted(); got != 0 {
		t.Errorf("second ClearCompleted = %d, want 0", got)
	}
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "in.wav")
	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	s.Pause()
	if !s.Paused() {
		t.Fatal("Paused() = false after Pause")
	}

	s.AddJob(Job{ID: "a", InputPath: input}, "")
	time.Sleep(50 * time.Millisecond)
	if got := len(runner.startedJobs()); got != 0 {
		t.Fatalf("paused scheduler admitted %d jobs", got)
	}
	job, _ := s.Job("a")
	if job.Status != StatusQueued {
		t.Fatalf("Status = %s, want %s", job.Status, StatusQueued)
	}

	s.Resume()
	waitFor(t, 2*time.Second, "job completed after resume", func() bool {
		return rec.count(events.TypeJobCompleted) == 1
	})
}

func TestStopCancelsInFlightKeepsQueued(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	s, _ := newTestScheduler(t, 1, runner)

	s.AddJob(Job{ID: "a", InputPath: makeInput(t, dir, "a.wav")}, "")
	s.AddJob(Job{ID: "b", InputPath: makeInput(t, dir, "b.wav")}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "first job running", func() bool {
		j, _ := s.Job("a")
		return j.Status == StatusRunning
	})

	s.Stop(time.Second)
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	a, _ := s.Job("a")
	if a.Status != StatusCancelled {
		t.Errorf("in-flight job status = %s, want %s", a.Status, StatusCancelled)
	}
	b, _ := s.Job("b")
	if b.Status != StatusQueued {
		t.Errorf("queued job status = %s, want %s", b.Status, StatusQueued)
	}
}

func TestSummaryFiresOncePerBatch(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	s.AddJob(Job{ID: "a", InputPath: makeInput(t, dir, "a.wav")}, "")
	s.AddJob(Job{ID: "b", InputPath: makeInput(t, dir, "b.wav")}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	waitFor(t, 2*time.Second, "first summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(events.TypeAllCompleted); got != 1 {
		t.Fatalf("summaries after first batch = %d, want 1", got)
	}

	// A new job resets the flag and earns a second summary.
	s.AddJob(Job{ID: "c", InputPath: makeInput(t, dir, "c.wav")}, "")
	waitFor(t, 2*time.Second, "second summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 2
	})
	summary := rec.ofType(events.TypeAllCompleted)[1]
	if summary.Stats[string(StatusCompleted)] != 3 {
		t.Errorf("second summary stats = %v", summary.Stats)
	}
}

func TestSkippedAddDoesNotRearmSummary(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	s.AddJob(Job{ID: "a", InputPath: makeInput(t, dir, "a.wav")}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "first summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})

	// A skip admission terminates synchronously and queues nothing, so
	// it must not earn the finished batch a second summary.
	input := makeInput(t, dir, "b.wav")
	existing := makeInput(t, dir, "b.mp3")
	if !s.AddJob(Job{ID: "b", InputPath: input, OutputPath: existing}, pathutil.PolicySkip) {
		t.Fatal("skip admission failed")
	}
	waitFor(t, time.Second, "job_skipped event", func() bool {
		return rec.count(events.TypeJobSkipped) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(events.TypeAllCompleted); got != 1 {
		t.Fatalf("summaries after a skip-only add = %d, want 1", got)
	}
}

func TestAddBatchSkipExisting(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	first := makeInput(t, dir, "one.wav")
	second := makeInput(t, dir, "two.wav")
	makeInput(t, outDir, "two.mp3") // collides with the second job

	runner := &fakeRunner{}
	s, bus := newTestScheduler(t, 2, runner)
	rec, stop := record(bus)
	defer stop()

	results := s.AddBatch([]string{first, second}, outDir, ffmpeg.Params{}, pathutil.PolicySkip)
	if len(results) != 2 {
		t.Fatalf("batch results = %d entries, want 2", len(results))
	}
	for id, admitted := range results {
		if !admitted {
			t.Errorf("job %s not admitted", id)
		}
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)
	waitFor(t, 2*time.Second, "batch summary", func() bool {
		return rec.count(events.TypeAllCompleted) == 1
	})

	stats := s.Stats()
	if stats[string(StatusCompleted)] != 1 || stats[string(StatusSkipped)] != 1 {
		t.Errorf("stats = %v, want one completed and one skipped", stats)
	}
	if got := len(runner.startedJobs()); got != 1 {
		t.Errorf("runner executed %d jobs, want 1", got)
	}
	summary := rec.ofType(events.TypeAllCompleted)[0]
	if summary.Stats[string(StatusSkipped)] != 1 {
		t.Errorf("summary stats = %v", summary.Stats)
	}
}

func TestAddBatchRejectsMissingInputs(t *testing.T) {
	dir := t.TempDir()
	good := makeInput(t, dir, "good.wav")
	s, _ := newTestScheduler(t, 1, &fakeRunner{})

	results := s.AddBatch([]string{good, filepath.Join(dir, "missing.wav")}, "", ffmpeg.Params{}, "")
	admitted, rejected := 0, 0
	for _, ok := range results {
		if ok {
			admitted++
		} else {
			rejected++
		}
	}
	if admitted != 1 || rejected != 1 {
		t.Errorf("admitted = %d, rejected = %d, want 1 and 1", admitted, rejected)
	}
	if got := len(s.Jobs()); got != 1 {
		t.Errorf("registered jobs = %d, want 1", got)
	}
}

func TestStartFailsWhenRunnerNotReady(t *testing.T) {
	runner := &fakeRunner{readyErr: errors.New("ffmpeg not found")}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	if err := s.Start(); err == nil {
		t.Fatal("Start succeeded without a usable runner")
	}
	if s.Running() {
		t.Error("Running() = true after failed Start")
	}
	waitFor(t, time.Second, "worker_error event", func() bool {
		return rec.count(events.TypeWorkerError) == 1
	})
}

func TestStatsShape(t *testing.T) {
	s, _ := newTestScheduler(t, 1, &fakeRunner{})
	stats := s.Stats()
	for _, key := range []string{"total", "queued", "running", "completed", "failed", "cancelled", "skipped"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing key %q", key)
		}
	}
	if stats["total"] != 0 {
		t.Errorf("total = %d, want 0", stats["total"])
	}
}

func TestFailedJobKeepsResult(t *testing.T) {
	dir := t.TempDir()
	input := makeInput(t, dir, "in.wav")
	runner := &fakeRunner{
		result: func(req executor.Request) executor.Result {
			return executor.Result{
				Message:   "ffmpeg conversion failed: boom",
				ErrorCode: executor.ErrCodeConversion,
				ExitCode:  1,
			}
		},
	}
	s, bus := newTestScheduler(t, 1, runner)
	rec, stop := record(bus)
	defer stop()

	s.AddJob(Job{ID: "a", InputPath: input}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	waitFor(t, 2*time.Second, "job_failed event", func() bool {
		return rec.count(events.TypeJobFailed) == 1
	})
	job, _ := s.Job("a")
	if job.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", job.Status, StatusFailed)
	}
	if job.Result == nil || job.Result.ExitCode != 1 || job.Result.ErrorCode != executor.ErrCodeConversion {
		t.Errorf("Result = %+v", job.Result)
	}
	if !strings.Contains(job.ErrorMessage, "boom") {
		t.Errorf("ErrorMessage = %q", job.ErrorMessage)
	}
	failed := rec.ofType(events.TypeJobFailed)[0]
	if failed.ErrorCode != executor.ErrCodeConversion {
		t.Errorf("event error code = %q", failed.ErrorCode)
	}
}
