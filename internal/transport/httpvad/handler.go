// Package httpvad serves file-based segmentation: a WAV upload is segmented
// in one pass and the voiced audio is returned as a single WAV file.
package httpvad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/segment"
	"github.com/MrWong99/voxseg/internal/session"
	"github.com/MrWong99/voxseg/internal/transport"
	"github.com/MrWong99/voxseg/pkg/audio"
)

// DefaultMaxUploadBytes bounds an uploaded file: ten minutes of 48 kHz mono
// PCM16 plus headers.
const DefaultMaxUploadBytes = 64 << 20

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxUploadBytes sets the largest accepted request body.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// Handler implements POST /vad.
//
// The request body is either a multipart form with the WAV in field "file"
// or the WAV itself. The file must be mono 16-bit PCM at the configured
// sample rate; anything else is rejected with 415. A trailing partial frame
// is dropped.
//
// The response is the concatenated audio of every emitted segment as
// audio/wav, or 204 No Content when nothing was emitted. With ?format=json
// the event list is returned instead.
type Handler struct {
	reg       *session.Registry
	config    func() segment.Config
	maxUpload int64
}

// New returns a Handler that segments uploads through sessions in reg.
func New(reg *session.Registry, config func() segment.Config, opts ...Option) *Handler {
	h := &Handler{reg: reg, config: config, maxUpload: DefaultMaxUploadBytes}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Report is the JSON response body for ?format=json.
type Report struct {
	StreamID   string            `json:"stream_id"`
	Backend    string            `json:"backend"`
	DurationMs int64             `json:"duration_ms"`
	Segments   int               `json:"segments"`
	VoicedMs   int64             `json:"voiced_ms"`
	Events     []transport.Event `json:"events"`
}

// outcome collects what a file produced.
type outcome struct {
	report Report
	voiced []byte
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, span := observe.StartSpan(r.Context(), "httpvad.segment")
	defer span.End()
	log := observe.Logger(ctx)

	data, err := h.readUpload(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		span.SetStatus(codes.Error, err.Error())
		writeError(w, status, err.Error())
		return
	}

	cfg := h.config()
	pcm, err := audio.DecodeWAV(bytes.NewReader(data), audio.Mono16(cfg.SampleRate))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, audio.ErrUnsupportedFormat) {
			status = http.StatusUnsupportedMediaType
		}
		log.Info("httpvad: upload rejected", "err", err, "status", status)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, status, err.Error())
		return
	}

	out, err := h.segment(ctx, r.URL.Query().Get("stream_id"), cfg, pcm)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrCapacity):
			status = http.StatusServiceUnavailable
		case errors.Is(err, session.ErrStreamExists):
			status = http.StatusConflict
		}
		span.SetStatus(codes.Error, err.Error())
		writeError(w, status, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("voxseg.stream_id", out.report.StreamID),
		attribute.Int("voxseg.segments", out.report.Segments),
		attribute.Int64("voxseg.duration_ms", out.report.DurationMs),
	)
	log.Info("httpvad: file segmented",
		"stream", out.report.StreamID,
		"duration_ms", out.report.DurationMs,
		"segments", out.report.Segments,
		"voiced_ms", out.report.VoicedMs,
	)

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, out.report)
		return
	}
	if out.report.Segments == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ws := &audio.WriteSeeker{}
	if err := audio.EncodeWAV(ws, out.voiced, cfg.SampleRate); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(ws.Bytes())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ws.Bytes())
}

// readUpload returns the WAV bytes from a multipart field "file" or from
// the raw body.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("httpvad: read body: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("httpvad: empty request body")
		}
		return data, nil
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("httpvad: multipart field \"file\": %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("httpvad: read upload: %w", err)
	}
	return data, nil
}

// segment runs pcm through a fresh session and closes it.
func (h *Handler) segment(ctx context.Context, streamID string, cfg segment.Config, pcm []byte) (outcome, error) {
	handle, err := h.reg.Create(streamID, cfg)
	if err != nil {
		return outcome{}, err
	}
	trace.SpanFromContext(ctx).AddEvent("session opened")

	out := outcome{report: Report{StreamID: handle.StreamID, Backend: h.reg.Backend(), Events: []transport.Event{}}}
	collect := func(res segment.Result) {
		out.report.Events = append(out.report.Events, transport.FromEvents(res.Events, out.report.Backend)...)
		if res.Segment != nil {
			out.report.Segments++
			out.report.VoicedMs += res.Segment.DurationMs
			out.voiced = append(out.voiced, res.Segment.Audio...)
		}
	}

	for _, f := range audio.SplitFrames(pcm, cfg.SampleRate, cfg.FrameMs) {
		res, err := h.reg.Dispatch(ctx, handle, f.Data)
		if err != nil {
			_, _ = h.reg.Close(handle)
			return outcome{}, err
		}
		collect(res)
		out.report.DurationMs += int64(cfg.FrameMs)
	}

	res, err := h.reg.Close(handle)
	if err != nil {
		slog.Warn("httpvad: close session", "stream", handle.StreamID, "err", err)
	}
	collect(res)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.Error(msg))
}
