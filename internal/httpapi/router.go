// Package httpapi exposes the scheduler over HTTP: job CRUD, queue
// control, media probing, and an event feed with a websocket variant.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/audiobatch/internal/events"
	"github.com/paulgrammer/audiobatch/internal/ffmpeg"
	"github.com/paulgrammer/audiobatch/internal/jobs"
	"github.com/paulgrammer/audiobatch/internal/pathutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Prober inspects media files for the probe endpoint.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

type router struct {
	scheduler *jobs.Scheduler
	bus       *events.Bus
	prober    Prober
}

func NewRouter(scheduler *jobs.Scheduler, bus *events.Bus, prober Prober) http.Handler {
	r := &router{scheduler: scheduler, bus: bus, prober: prober}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /jobs", r.handleCreateJob)
	m.HandleFunc("POST /jobs/batch", r.handleCreateBatch)
	m.HandleFunc("GET /jobs", r.handleListJobs)
	m.HandleFunc("GET /jobs/{id}", r.handleJob)
	m.HandleFunc("DELETE /jobs/{id}", r.handleRemoveJob)
	m.HandleFunc("POST /jobs/{id}/cancel", r.handleCancelJob)
	m.HandleFunc("POST /queue/cancel-all", r.handleCancelAll)
	m.HandleFunc("POST /queue/clear-completed", r.handleClearCompleted)
	m.HandleFunc("GET /queue/stats", r.handleStats)
	m.HandleFunc("POST /scheduler/pause", r.handlePause)
	m.HandleFunc("POST /scheduler/resume", r.handleResume)
	m.HandleFunc("GET /events", r.handleEvents)
	m.HandleFunc("GET /events/ws", r.handleEventsWS)
	m.HandleFunc("GET /probe", r.handleProbe)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

type createJobRequest struct {
	ID         string        `json:"id,omitempty"`
	InputPath  string        `json:"input_path"`
	OutputPath string        `json:"output_path,omitempty"`
	Params     ffmpeg.Params `json:"params"`
	Policy     string        `json:"overwrite_policy,omitempty"`
}

type createBatchRequest struct {
	Inputs    []string      `json:"inputs"`
	OutputDir string        `json:"output_dir,omitempty"`
	Params    ffmpeg.Params `json:"params"`
	Policy    string        `json:"overwrite_policy,omitempty"`
}

func (r *router) handleCreateJob(w http.ResponseWriter, req *http.Request) {
	var body createJobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.InputPath == "" {
		respondWithError(w, http.StatusBadRequest, "input_path required")
		return
	}
	if !ffmpeg.IsSupportedInput(body.InputPath) {
		respondWithError(w, http.StatusBadRequest, "unsupported input format")
		return
	}
	policy, ok := parsePolicyParam(w, body.Policy)
	if !ok {
		return
	}

	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := jobs.Job{
		ID:         id,
		InputPath:  body.InputPath,
		OutputPath: body.OutputPath,
		Params:     body.Params,
	}
	if !r.scheduler.AddJob(job, policy) {
		respondWithError(w, http.StatusUnprocessableEntity, "job rejected")
		return
	}
	snapshot, _ := r.scheduler.Job(id)
	respondWithJSON(w, http.StatusAccepted, snapshot)
}

func (r *router) handleCreateBatch(w http.ResponseWriter, req *http.Request) {
	var body createBatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body.Inputs) == 0 {
		respondWithError(w, http.StatusBadRequest, "inputs required")
		return
	}
	policy, ok := parsePolicyParam(w, body.Policy)
	if !ok {
		return
	}

	var accepted []string
	var rejected []string
	for _, input := range body.Inputs {
		if ffmpeg.IsSupportedInput(input) {
			accepted = append(accepted, input)
		} else {
			rejected = append(rejected, input)
		}
	}
	results := r.scheduler.AddBatch(accepted, body.OutputDir, body.Params, policy)
	respondWithJSON(w, http.StatusAccepted, map[string]any{
		"results":  results,
		"rejected": rejected,
	})
}

func (r *router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, r.scheduler.Jobs())
}

func (r *router) handleJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "job id required")
		return
	}
	job, ok := r.scheduler.Job(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (r *router) handleRemoveJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if !r.scheduler.RemoveJob(id) {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	// A running job survives removal as a cancelled record.
	if job, ok := r.scheduler.Job(id); ok {
		respondWithJSON(w, http.StatusOK, job)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "removed"})
}

func (r *router) handleCancelJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, ok := r.scheduler.Job(id); !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	if !r.scheduler.CancelJob(id) {
		respondWithError(w, http.StatusConflict, "job already finished")
		return
	}
	job, _ := r.scheduler.Job(id)
	respondWithJSON(w, http.StatusOK, job)
}

func (r *router) handleCancelAll(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]int{"cancelled": r.scheduler.CancelAll()})
}

func (r *router) handleClearCompleted(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]int{"cleared": r.scheduler.ClearCompleted()})
}

func (r *router) handleStats(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, r.scheduler.Stats())
}

func (r *router) handlePause(w http.ResponseWriter, req *http.Request) {
	r.scheduler.Pause()
	respondWithJSON(w, http.StatusOK, map[string]bool{"paused": r.scheduler.Paused()})
}

func (r *router) handleResume(w http.ResponseWriter, req *http.Request) {
	r.scheduler.Resume()
	respondWithJSON(w, http.StatusOK, map[string]bool{"paused": r.scheduler.Paused()})
}

func (r *router) handleEvents(w http.ResponseWriter, req *http.Request) {
	var since int64
	if raw := req.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"events":   r.bus.Since(since),
		"last_seq": r.bus.LastSeq(),
	})
}

func (r *router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	ch, cancel := r.bus.Subscribe(128)
	defer cancel()

	// Read pump: the client never sends data we care about, but reading
	// is how we notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			conn.Close()
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close()
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (r *router) handleProbe(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Query().Get("path")
	if path == "" {
		respondWithError(w, http.StatusBadRequest, "path parameter required")
		return
	}
	info, err := r.prober.Probe(req.Context(), path)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "probe failed: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"media":         info,
		"audio_streams": info.AudioStreams(),
		"tags":          info.AudioTags(),
		"supported":     ffmpeg.IsSupportedInput(path),
	})
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": r.scheduler.Running(),
		"paused":  r.scheduler.Paused(),
	})
}

// parsePolicyParam maps an optional policy string to a Policy, writing
// a 400 and returning false when it is unknown. Empty means the
// scheduler default.
func parsePolicyParam(w http.ResponseWriter, raw string) (pathutil.Policy, bool) {
	if raw == "" {
		return "", true
	}
	policy, err := pathutil.ParsePolicy(raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return policy, true
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

// respondWithJSON writes the given payload as JSON with the provided status code.
// If encoding fails, it falls back to http.Error.
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

// respondWithError writes a standardized JSON error payload.
func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
