// Package executor runs one conversion at a time against the external
// transcoder binary and classifies the outcome. Faults never escape: a
// panic or launch failure becomes a failed Result, not a crash.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulgrammer/audiobatch/internal/ffmpeg"
	"github.com/paulgrammer/audiobatch/internal/pathutil"
)

// Request describes one conversion to perform.
type Request struct {
	JobID      string
	InputPath  string
	OutputPath string
	Params     ffmpeg.Params
	// OnProgress receives normalized progress fractions parsed from the
	// transcoder's diagnostic stream. May be nil. Suppressed when the
	// source duration cannot be probed.
	OnProgress func(fraction float64)
}

// Result is the classified outcome of one conversion attempt.
type Result struct {
	Success    bool
	Message    string
	OutputPath string
	ErrorCode  string
	ExitCode   int
	Duration   time.Duration
}

// Machine-readable error codes attached to failed results.
const (
	ErrCodeConversion = "conversion_error"
	ErrCodeUnknown    = "unknown_error"
)

// Runner executes conversion requests. Implementations must confine
// all faults to the returned Result.
type Runner interface {
	Run(ctx context.Context, req Request) Result
	Ready(ctx context.Context) error
}

// Config customizes how the runner locates and drives the transcoder.
type Config struct {
	FFmpegPath     string // empty means autodetect
	FFprobePath    string // empty means derive from the ffmpeg path
	ProbeTimeout   time.Duration
	StderrTailSize int
}

type RunnerOption func(*FFmpegRunner)

func WithConfig(config *Config) RunnerOption {
	return func(r *FFmpegRunner) {
		r.config = config
	}
}

// FFmpegRunner drives the real ffmpeg/ffprobe binaries.
type FFmpegRunner struct {
	config      *Config
	ffmpegPath  string
	ffprobePath string
}

func NewFFmpegRunner(opts ...RunnerOption) *FFmpegRunner {
	config := &Config{
		FFmpegPath:  os.Getenv("FFMPEG_PATH"),
		FFprobePath: os.Getenv("FFPROBE_PATH"),
	}

	runner := &FFmpegRunner{config: config}
	for _, opt := range opts {
		opt(runner)
	}
	if runner.config.ProbeTimeout <= 0 {
		runner.config.ProbeTimeout = 30 * time.Second
	}
	if runner.config.StderrTailSize <= 0 {
		runner.config.StderrTailSize = 10
	}

	runner.ffmpegPath = ffmpeg.LocateBinary(runner.config.FFmpegPath)
	runner.ffprobePath = runner.config.FFprobePath
	if runner.ffprobePath == "" {
		runner.ffprobePath = ffmpeg.ProbeBinaryFor(runner.ffmpegPath)
	}
	return runner
}

// Ready verifies the transcoder binary is present and executable.
func (r *FFmpegRunner) Ready(ctx context.Context) error {
	return ffmpeg.CheckBinary(ctx, r.ffmpegPath)
}

// Probe inspects a media file with the configured probe binary.
func (r *FFmpegRunner) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()
	return ffmpeg.Probe(ctx, r.ffprobePath, path)
}

// Run performs one conversion: ensure the output directory, probe the
// source duration, launch the transcoder, stream its diagnostics
// through the progress monitor, and classify the exit. Success means
// exit code zero and a non-empty output file.
func (r *FFmpegRunner) Run(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Message:   fmt.Sprintf("unexpected error: %v", rec),
				ErrorCode: ErrCodeUnknown,
				ExitCode:  -1,
				Duration:  time.Since(start),
			}
			r.logResult(req.JobID, res)
		}
	}()

	if err := pathutil.EnsureDir(filepath.Dir(req.OutputPath)); err != nil {
		return r.fail(req.JobID, "output directory: "+err.Error(), -1, start)
	}

	// Progress needs a denominator; a probe failure only disables it.
	var total float64
	if info, err := r.Probe(ctx, req.InputPath); err == nil {
		total = info.Duration
	} else {
		slog.Debug("probe failed, progress disabled", "job_id", req.JobID, "error", err)
	}

	args := ffmpeg.BuildArgs(req.InputPath, req.OutputPath, req.Params)
	slog.Debug("launching ffmpeg", "job_id", req.JobID, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.fail(req.JobID, "failed to open stderr pipe: "+err.Error(), -1, start)
	}
	if err := cmd.Start(); err != nil {
		return r.fail(req.JobID, "failed to start ffmpeg: "+err.Error(), -1, start)
	}

	monitor := ffmpeg.NewMonitor(total, req.OnProgress)
	tail := newTailBuffer(r.config.StderrTailSize)

	scanner := bufio.NewScanner(stderr)
	maxScanTokenSize := 64 * 1024 // ffmpeg status lines can run long
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)
	scanner.Split(scanDiagnosticLines)

	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		monitor.Observe(line)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("error scanning stderr", "job_id", req.JobID, "error", err)
	}

	err = cmd.Wait()
	duration := time.Since(start)

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		message := "ffmpeg conversion failed"
		if diag := tail.String(); diag != "" {
			message += ": " + diag
		}
		res = Result{
			Message:   message,
			ErrorCode: ErrCodeConversion,
			ExitCode:  exitCode,
			Duration:  duration,
		}
		r.logResult(req.JobID, res)
		return res
	}

	if info, err := os.Stat(req.OutputPath); err != nil || info.Size() == 0 {
		res = Result{
			Message:   "output file was not created",
			ErrorCode: ErrCodeConversion,
			Duration:  duration,
		}
		r.logResult(req.JobID, res)
		return res
	}

	res = Result{
		Success:    true,
		Message:    "conversion completed",
		OutputPath: req.OutputPath,
		Duration:   duration,
	}
	r.logResult(req.JobID, res)
	return res
}

func (r *FFmpegRunner) fail(jobID, message string, exitCode int, start time.Time) Result {
	res := Result{
		Message:   message,
		ErrorCode: ErrCodeConversion,
		ExitCode:  exitCode,
		Duration:  time.Since(start),
	}
	r.logResult(jobID, res)
	return res
}

func (r *FFmpegRunner) logResult(jobID string, res Result) {
	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "conversion finished",
		"job_id", jobID,
		"success", res.Success,
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
		"message", res.Message,
	)
}

// scanDiagnosticLines splits on both \r and \n; the transcoder rewrites
// its status line with bare carriage returns when stderr is not a tty.
func scanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the last N non-empty diagnostic lines for failure
// messages.
type tailBuffer struct {
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
