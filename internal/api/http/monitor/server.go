package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	domain "github.com/oshokin/lab-monitor/internal/domain/monitor"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/repository/journal"
	"github.com/oshokin/lab-monitor/internal/service/dispatcher"
)

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*dispatcher.Result, error)
	ToggleRecording(ctx context.Context) bool
	ToggleSnapshot(ctx context.Context) bool
	Toggles() (recording, snapshot bool)
	Outcomes(ctx context.Context, limit int) ([]*domain.Outcome, error)
}

// Stream reports whether the transcoder is running.
type Stream interface {
	Running() bool
}

// MaxRequestBody limits inbound request bodies. Frames arrive base64 encoded.
const MaxRequestBody = 5 << 20

// timestampLayout is RFC 3339 in UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Server serves the monitor HTTP API.
type Server struct {
	// service provides detection and toggle operations.
	service Service
	// stream reports the transcoder state.
	stream Stream
	// playlist is checked for the streaming flag.
	playlist string
	// videosDir is served under /videos/, empty disables it.
	videosDir string
	// secret verifies operator tokens, empty leaves toggles open.
	secret []byte
}

// Option configures a Server.
type Option func(*Server)

// WithPlaylist sets the playlist whose presence reports streaming.
func WithPlaylist(path string) Option {
	return func(s *Server) {
		s.playlist = path
	}
}

// WithVideos serves dir under /videos/.
func WithVideos(dir string) Option {
	return func(s *Server) {
		s.videosDir = dir
	}
}

// WithOperatorSecret requires operator tokens signed with secret on toggle endpoints.
func WithOperatorSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// NewServer wires the provided service implementation into HTTP handlers.
func NewServer(service Service, stream Stream, opts ...Option) *Server {
	s := &Server{
		service: service,
		stream:  stream,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routed handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/detect/{kind}", s.detect)
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/record/toggle", s.requireOperator(s.toggleRecording))
	mux.HandleFunc("POST /api/snapshot/toggle", s.requireOperator(s.toggleSnapshot))
	mux.HandleFunc("GET /api/events", s.events)

	if s.videosDir != "" {
		mux.Handle("GET /videos/", http.StripPrefix("/videos/", noCachePlaylists(http.FileServer(http.Dir(s.videosDir)))))
	}

	return logRequests(allowCrossOrigin(mux))
}

type detectRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Streaming        bool   `json:"streaming"`
	Timestamp        string `json:"timestamp"`
	RecordingEnabled bool   `json:"recording_enabled"`
	SnapshotEnabled  bool   `json:"snapshot_enabled"`
	FFmpegRunning    bool   `json:"ffmpeg_running"`
}

type recordingResponse struct {
	RecordingEnabled bool `json:"recording_enabled"`
}

type snapshotResponse struct {
	SnapshotEnabled bool `json:"snapshot_enabled"`
}

type eventsResponse struct {
	Events []*domain.Outcome `json:"events"`
}

// detect forwards a frame to the detection service and returns its answer unchanged.
func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var req detectRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.ImageBase64 == "" {
		writeError(ctx, w, http.StatusBadRequest, "Missing image_base64", nil)
		return
	}

	kind, err := domain.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "Unknown detection kind", err)
		return
	}

	logger.InfoKV(ctx, "Starting detection", "kind", string(kind))

	result, err := s.service.Dispatch(ctx, dispatcher.Request{
		Kind:        kind,
		Body:        body,
		ImageBase64: req.ImageBase64,
	})
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, "Detection service unavailable", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result.Payload) //nolint:errcheck // The client went away.
}

// status reports stream and gate state.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	recording, snapshot := s.service.Toggles()

	writeJSON(r.Context(), w, http.StatusOK, statusResponse{
		Streaming:        fileExists(s.playlist),
		Timestamp:        time.Now().UTC().Format(timestampLayout),
		RecordingEnabled: recording,
		SnapshotEnabled:  snapshot,
		FFmpegRunning:    s.stream.Running(),
	})
}

func (s *Server) toggleRecording(w http.ResponseWriter, r *http.Request) {
	enabled := s.service.ToggleRecording(r.Context())

	writeJSON(r.Context(), w, http.StatusOK, recordingResponse{RecordingEnabled: enabled})
}

func (s *Server) toggleSnapshot(w http.ResponseWriter, r *http.Request) {
	enabled := s.service.ToggleSnapshot(r.Context())

	writeJSON(r.Context(), w, http.StatusOK, snapshotResponse{SnapshotEnabled: enabled})
}

// events lists recent dispatch outcomes.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(ctx, w, http.StatusBadRequest, "Invalid limit", err)
			return
		}

		limit = parsed
	}

	outcomes, err := s.service.Outcomes(ctx, limit)

	switch {
	case errors.Is(err, journal.ErrDisabled):
		writeError(ctx, w, http.StatusNotFound, "Journal disabled", nil)
	case err != nil:
		writeError(ctx, w, http.StatusInternalServerError, "Failed to read journal", err)
	default:
		if outcomes == nil {
			outcomes = []*domain.Outcome{}
		}

		writeJSON(ctx, w, http.StatusOK, eventsResponse{Events: outcomes})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	_, err := os.Stat(path)

	return err == nil
}

// noCachePlaylists stops clients from caching playlists, which change every segment.
func noCachePlaylists(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filepath.Ext(r.URL.Path) == ".m3u8" {
			w.Header().Set("Cache-Control", "no-cache")
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to encode response", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data) //nolint:errcheck // The client went away.
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, message string, cause error) {
	if cause != nil {
		logger.WarnKV(ctx, message, "status", status, "error", cause)
	}

	writeJSON(ctx, w, status, errorResponse{Error: message})
}
