package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paulgrammer/audiobatch/internal/events"
	"github.com/paulgrammer/audiobatch/internal/executor"
	"github.com/paulgrammer/audiobatch/internal/ffmpeg"
	"github.com/paulgrammer/audiobatch/internal/pathutil"
)

type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	DefaultPolicy pathutil.Policy
}

// Scheduler owns the job registry and drives conversions through the
// runner. A polling loop admits queued jobs in arrival order up to the
// concurrency limit and reaps finished ones. All state lives behind a
// single mutex; events are published after it is released.
type Scheduler struct {
	config Config
	runner executor.Runner
	bus    *events.Bus

	mu          sync.Mutex
	jobs        map[string]*Job
	queue       fifoQueue
	inFlight    map[string]*inFlightJob
	summarySent bool

	running atomic.Bool
	paused  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// inFlightJob tracks one running conversion. The done channel is
// buffered so the worker goroutine never blocks on a reaped or
// abandoned entry.
type inFlightJob struct {
	cancel context.CancelFunc
	done   chan executor.Result
}

func NewScheduler(config Config, runner executor.Runner, bus *events.Bus) (*Scheduler, error) {
	if config.Concurrency <= 0 {
		return nil, errors.New("concurrency must be > 0")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.DefaultPolicy == "" {
		config.DefaultPolicy = pathutil.PolicyUnique
	}
	if bus == nil {
		bus = events.NewBus(0)
	}
	return &Scheduler{
		config:   config,
		runner:   runner,
		bus:      bus,
		jobs:     make(map[string]*Job),
		inFlight: make(map[string]*inFlightJob),
	}, nil
}

// AddJob validates and registers a job. The output path is resolved
// against the overwrite policy at admission time; under the skip
// policy an existing output admits the job directly into the skipped
// state. Returns false when validation or path resolution fails.
func (s *Scheduler) AddJob(job Job, policy pathutil.Policy) bool {
	if job.ID == "" || job.InputPath == "" {
		slog.Warn("rejecting job without id or input path", "job_id", job.ID)
		return false
	}
	if policy == "" {
		policy = s.config.DefaultPolicy
	}
	info, err := os.Stat(job.InputPath)
	if err != nil || info.IsDir() {
		slog.Warn("rejecting job, input not readable", "job_id", job.ID, "input", job.InputPath, "error", err)
		return false
	}
	params := job.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		slog.Warn("rejecting job, invalid params", "job_id", job.ID, "error", err)
		return false
	}
	desired := job.OutputPath
	if desired == "" {
		stem := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
		desired = filepath.Join(filepath.Dir(job.InputPath), stem+"."+params.OutputFormat)
	}

	// Path resolution touches the filesystem, so it happens before the
	// registry lock is taken.
	resolved, skip, err := pathutil.Resolve(desired, policy)
	if err != nil {
		slog.Warn("rejecting job, output path resolution failed", "job_id", job.ID, "error", err)
		return false
	}

	now := time.Now().UTC()
	stored := &Job{
		ID:         job.ID,
		InputPath:  job.InputPath,
		OutputPath: resolved,
		Params:     params,
		Status:     StatusQueued,
		CreatedAt:  now,
	}

	var toPublish []events.Event

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		slog.Warn("rejecting job, duplicate id", "job_id", job.ID)
		return false
	}
	s.jobs[stored.ID] = stored
	JobsActive.Inc()

	if skip {
		stored.ErrorMessage = "output already exists: " + resolved
		stored.transition(StatusSkipped, now)
		JobsSkippedTotal.Inc()
		toPublish = append(toPublish, events.Event{
			Type:       events.TypeJobSkipped,
			JobID:      stored.ID,
			Message:    stored.ErrorMessage,
			OutputPath: resolved,
		})
	} else {
		s.queue.push(stored.ID)
		JobsQueuedTotal.Inc()
		s.summarySent = false
	}
	toPublish = append(toPublish, s.queueUpdatedLocked())
	status := stored.Status
	s.mu.Unlock()

	s.publish(toPublish)
	slog.Info("job added", "job_id", job.ID, "input", job.InputPath, "output", resolved, "status", status)
	return true
}

// AddBatch registers one job per input file, writing into outputDir
// when it is set and next to each input otherwise. The returned map
// records per generated job ID whether admission succeeded.
func (s *Scheduler) AddBatch(inputs []string, outputDir string, params ffmpeg.Params, policy pathutil.Policy) map[string]bool {
	params = params.WithDefaults()
	results := make(map[string]bool, len(inputs))
	for _, input := range inputs {
		job := Job{
			ID:        uuid.NewString(),
			InputPath: input,
			Params:    params,
		}
		if outputDir != "" {
			stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
			job.OutputPath = filepath.Join(outputDir, stem+"."+params.OutputFormat)
		}
		results[job.ID] = s.AddJob(job, policy)
	}
	return results
}

// CancelJob cancels a queued or running job. Terminal and unknown jobs
// return false.
func (s *Scheduler) CancelJob(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	ev, ok := s.cancelLocked(job, time.Now().UTC())
	var toPublish []events.Event
	if ok {
		toPublish = append(toPublish, ev, s.queueUpdatedLocked())
	}
	s.mu.Unlock()

	s.publish(toPublish)
	if ok {
		slog.Info("job cancelled", "job_id", id)
	}
	return ok
}

// CancelAll cancels every queued and running job and reports how many
// were affected.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if !job.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if s.CancelJob(id) {
			cancelled++
		}
	}
	return cancelled
}

// RemoveJob drops a queued or finished job from the registry. Removing
// a running job behaves as CancelJob instead: the process is torn down
// and the job stays registered as cancelled.
func (s *Scheduler) RemoveJob(id string) bool {
	var toPublish []events.Event

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if job.Status == StatusRunning {
		ev, cancelled := s.cancelLocked(job, time.Now().UTC())
		if cancelled {
			toPublish = append(toPublish, ev, s.queueUpdatedLocked())
		}
		s.mu.Unlock()

		s.publish(toPublish)
		if cancelled {
			slog.Info("job cancelled", "job_id", id)
		}
		return cancelled
	}
	if job.Status == StatusQueued {
		s.queue.remove(id)
	}
	delete(s.jobs, id)
	JobsActive.Dec()
	toPublish = append(toPublish, s.queueUpdatedLocked())
	s.mu.Unlock()

	s.publish(toPublish)
	slog.Info("job removed", "job_id", id)
	return true
}

// ClearCompleted removes every terminal job from the registry and
// returns the count.
func (s *Scheduler) ClearCompleted() int {
	var toPublish []events.Event

	s.mu.Lock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() {
			delete(s.jobs, id)
			JobsActive.Dec()
			removed++
		}
	}
	if removed > 0 {
		toPublish = append(toPublish, s.queueUpdatedLocked())
	}
	s.mu.Unlock()

	s.publish(toPublish)
	if removed > 0 {
		slog.Info("cleared finished jobs", "count", removed)
	}
	return removed
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// Jobs returns snapshots of all registered jobs in creation order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats counts jobs by status.
func (s *Scheduler) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) Running() bool { return s.running.Load() }
func (s *Scheduler) Paused() bool  { return s.paused.Load() }

// Start verifies the runner and launches the polling loop. Starting an
// already-running scheduler is a no-op.
func (s *Scheduler) Start() error {
	if s.running.Load() {
		return nil
	}
	if err := s.runner.Ready(context.Background()); err != nil {
		s.bus.Publish(events.Event{Type: events.TypeWorkerError, Message: err.Error()})
		return fmt.Errorf("transcoder not available: %w", err)
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.paused.Store(false)
	s.mu.Lock()
	s.summarySent = false
	s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
	slog.Info("scheduler started",
		"concurrency", s.config.Concurrency,
		"poll_interval", s.config.PollInterval.String(),
		"overwrite_policy", string(s.config.DefaultPolicy),
	)
	return nil
}

// Stop halts the loop, cancels in-flight conversions, and waits up to
// timeout for the loop to wind down. Queued jobs stay queued so a
// later Start picks them up again.
func (s *Scheduler) Stop(timeout time.Duration) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
		slog.Info("scheduler stopped")
	case <-time.After(timeout):
		slog.Warn("scheduler stop timed out", "timeout", timeout.String())
	}
}

// Pause stops admitting queued jobs. Running conversions continue and
// are still reaped.
func (s *Scheduler) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		slog.Info("scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		slog.Info("scheduler resumed")
	}
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.drain()
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.reapFinished()
	s.admitQueued()
	s.maybePublishSummary()
}

// reapFinished collects results from conversions whose worker
// goroutine has reported back and finalizes their jobs.
func (s *Scheduler) reapFinished() {
	now := time.Now().UTC()
	var toPublish []events.Event

	s.mu.Lock()
	for id, entry := range s.inFlight {
		select {
		case res := <-entry.done:
			delete(s.inFlight, id)
			entry.cancel()
			toPublish = append(toPublish, s.finishLocked(id, res, now)...)
		default:
		}
	}
	s.mu.Unlock()

	s.publish(toPublish)
}

// finishLocked applies a conversion result to a job. The transition
// guard drops the result silently when a cancellation landed first.
func (s *Scheduler) finishLocked(id string, res executor.Result, now time.Time) []events.Event {
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	to := StatusFailed
	if res.Success {
		to = StatusCompleted
	}
	if !job.transition(to, now) {
		return nil
	}
	JobsRunning.Dec()
	job.Result = &Result{
		Success:    res.Success,
		Message:    res.Message,
		OutputPath: res.OutputPath,
		ErrorCode:  res.ErrorCode,
		ExitCode:   res.ExitCode,
		Duration:   res.Duration.Seconds(),
	}
	if res.Success {
		job.Progress = 1.0
		JobsCompletedTotal.Inc()
		return []events.Event{
			{Type: events.TypeJobCompleted, JobID: id, Progress: 1.0, Message: res.Message, OutputPath: res.OutputPath},
			s.queueUpdatedLocked(),
		}
	}
	job.ErrorMessage = res.Message
	JobsFailedTotal.Inc()
	return []events.Event{
		{Type: events.TypeJobFailed, JobID: id, Message: res.Message, ErrorCode: res.ErrorCode},
		s.queueUpdatedLocked(),
	}
}

// admitQueued starts queued jobs in arrival order until the
// concurrency limit is reached.
func (s *Scheduler) admitQueued() {
	now := time.Now().UTC()
	var toPublish []events.Event

	s.mu.Lock()
	for len(s.inFlight) < s.config.Concurrency {
		id, ok := s.queue.pop()
		if !ok {
			break
		}
		job, ok := s.jobs[id]
		if !ok || job.Status != StatusQueued {
			continue
		}
		if !job.transition(StatusRunning, now) {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan executor.Result, 1)
		req := executor.Request{
			JobID:      id,
			InputPath:  job.InputPath,
			OutputPath: job.OutputPath,
			Params:     job.Params,
			OnProgress: s.progressSink(id),
		}
		s.inFlight[id] = &inFlightJob{cancel: cancel, done: done}
		go func() {
			done <- s.runner.Run(ctx, req)
		}()
		JobsRunning.Inc()
		toPublish = append(toPublish, events.Event{Type: events.TypeJobStarted, JobID: id, OutputPath: job.OutputPath})
		slog.Info("job started", "job_id", id, "input", job.InputPath, "output", job.OutputPath)
	}
	if len(toPublish) > 0 {
		toPublish = append(toPublish, s.queueUpdatedLocked())
	}
	s.mu.Unlock()

	s.publish(toPublish)
}

// progressSink binds a runner progress callback to one job. Updates
// only move forward and only while the job is still running.
func (s *Scheduler) progressSink(id string) func(float64) {
	return func(fraction float64) {
		s.mu.Lock()
		job, ok := s.jobs[id]
		if !ok || job.Status != StatusRunning || fraction <= job.Progress {
			s.mu.Unlock()
			return
		}
		job.Progress = fraction
		s.mu.Unlock()
		s.bus.Publish(events.Event{Type: events.TypeJobProgress, JobID: id, Progress: fraction})
	}
}

// maybePublishSummary emits one all_completed event when no queued or
// running work remains. The flag stays set until new work is queued so
// the summary fires at most once per batch; a skip admission terminates
// synchronously and does not re-arm it.
func (s *Scheduler) maybePublishSummary() {
	var ev events.Event
	fire := false

	s.mu.Lock()
	if !s.summarySent && s.queue.len() == 0 && len(s.inFlight) == 0 {
		stats := s.statsLocked()
		if stats[string(StatusQueued)] == 0 && stats[string(StatusRunning)] == 0 {
			s.summarySent = true
			fire = true
			ev = events.Event{Type: events.TypeAllCompleted, Stats: stats}
		}
	}
	s.mu.Unlock()

	if fire {
		s.bus.Publish(ev)
		slog.Info("all jobs finished",
			"completed", ev.Stats[string(StatusCompleted)],
			"failed", ev.Stats[string(StatusFailed)],
			"cancelled", ev.Stats[string(StatusCancelled)],
			"skipped", ev.Stats[string(StatusSkipped)],
		)
	}
}

// drain finalizes anything already finished, then cancels the rest.
func (s *Scheduler) drain() {
	s.reapFinished()

	now := time.Now().UTC()
	var toPublish []events.Event

	s.mu.Lock()
	for id := range s.inFlight {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if ev, cancelled := s.cancelLocked(job, now); cancelled {
			toPublish = append(toPublish, ev)
		}
	}
	if len(toPublish) > 0 {
		toPublish = append(toPublish, s.queueUpdatedLocked())
	}
	s.mu.Unlock()

	s.publish(toPublish)
}

// cancelLocked moves a queued or running job to cancelled and tears
// down its process. Caller holds s.mu and is responsible for emitting
// a queue update afterwards.
func (s *Scheduler) cancelLocked(job *Job, now time.Time) (events.Event, bool) {
	prev := job.Status
	if !job.transition(StatusCancelled, now) {
		return events.Event{}, false
	}
	switch prev {
	case StatusQueued:
		s.queue.remove(job.ID)
	case StatusRunning:
		if entry, active := s.inFlight[job.ID]; active {
			entry.cancel()
			delete(s.inFlight, job.ID)
		}
		JobsRunning.Dec()
	}
	job.ErrorMessage = "cancelled by request"
	JobsCancelledTotal.Inc()
	return events.Event{Type: events.TypeJobCancelled, JobID: job.ID, Message: job.ErrorMessage}, true
}

func (s *Scheduler) statsLocked() map[string]int {
	stats := map[string]int{"total": len(s.jobs)}
	for _, status := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped} {
		stats[string(status)] = 0
	}
	for _, job := range s.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

func (s *Scheduler) queueUpdatedLocked() events.Event {
	return events.Event{Type: events.TypeQueueUpdated, Stats: s.statsLocked()}
}

func (s *Scheduler) publish(evs []events.Event) {
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}
