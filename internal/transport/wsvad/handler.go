// Package wsvad serves the streaming segmentation protocol over WebSocket.
//
// A client sends fixed-size binary PCM16 frames and receives, per frame, the
// JSON segment events in emission order followed by the voiced audio as a
// binary message. Each audio message normally carries one frame. The
// exception is the message that follows segment_start: it carries the whole
// start-confirmation window (start_ms worth of frames, oldest first), so a
// client must not assume every binary message is bytes_per_frame long.
//
// Text messages are control requests:
//
//	{"type":"ping"}             -> {"type":"pong"}
//	{"type":"set", ...}         -> warn; parameters are fixed per stream
//	{"type":"flush"|"end"}      -> flush, send final events, close normally
//	FLUSH                       -> same as flush
//
// The session behind a stream is flushed exactly once, whichever of the
// client, an idle timeout, a transport error, or server shutdown ends it.
package wsvad

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/segment"
	"github.com/MrWong99/voxseg/internal/session"
	"github.com/MrWong99/voxseg/internal/transport"
)

const (
	defaultWriteTimeout = 5 * time.Second

	// readLimit bounds a single client message. Oversized binary frames up
	// to this size are answered with a frame size error instead of a close.
	readLimit = 1 << 20

	reasonShutdown     = "server shutdown"
	reasonIdle         = "idle timeout"
	reasonEndOfStream  = "end of stream"
	reasonClientClosed = "client closed"

	setNotSupported = "dynamic reconfiguration is not supported; reconnect with the desired settings"
	unknownControl  = "unknown control msg"
)

// Option configures a [Handler].
type Option func(*Handler)

// WithAudioPrefix controls whether binary audio messages carry
// [transport.AudioPrefix]. The default is true.
func WithAudioPrefix(on bool) Option {
	return func(h *Handler) { h.audioPrefix = on }
}

// WithReadTimeout closes streams that send nothing for d. Zero disables the
// timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(h *Handler) { h.readTimeout = d }
}

// WithWriteTimeout bounds each message written to a client. The default is
// 5 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithAcceptOptions sets the options used to accept connections, e.g. to
// allow cross-origin clients.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Handler) { h.acceptOpts = opts }
}

// Handler is an [http.Handler] that upgrades requests to segmentation
// streams. Each stream runs on the request goroutine.
type Handler struct {
	reg          *session.Registry
	config       func() segment.Config
	audioPrefix  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	acceptOpts   *websocket.AcceptOptions

	mu      sync.Mutex
	closing bool
	streams map[*stream]struct{}
	wg      sync.WaitGroup
}

// New returns a Handler that opens sessions in reg. config is called once per
// accepted stream, so a changed configuration applies to new streams only.
func New(reg *session.Registry, config func() segment.Config, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		config:       config,
		audioPrefix:  true,
		writeTimeout: defaultWriteTimeout,
		streams:      make(map[*stream]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Active returns the number of streams currently being served.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Shutdown stops accepting streams, ends every live stream, and waits until
// all of them have been flushed or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for s := range h.streams {
		s.stopOnce.Do(func() { close(s.stop) })
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream is the state of one accepted connection.
type stream struct {
	h      *Handler
	conn   *websocket.Conn
	handle session.Handle
	cfg    segment.Config
	log    *slog.Logger
	span   trace.Span

	stop     chan struct{}
	stopOnce sync.Once

	frames   int
	segments int

	finishOnce sync.Once
}

// inbound is one result of conn.Read.
type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()
	handle, err := h.reg.Create(r.URL.Query().Get("stream_id"), cfg)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrCapacity):
			status = http.StatusServiceUnavailable
		case errors.Is(err, session.ErrStreamExists):
			status = http.StatusConflict
		}
		slog.Warn("wsvad: session rejected", "err", err, "status", status)
		http.Error(w, err.Error(), status)
		return
	}

	s := &stream{h: h, handle: handle, cfg: cfg, stop: make(chan struct{})}
	if !h.track(s) {
		_, _ = h.reg.Close(handle)
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.untrack(s)

	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		slog.Warn("wsvad: accept failed", "stream", handle.StreamID, "err", err)
		_, _ = h.reg.Close(handle)
		return
	}
	conn.SetReadLimit(readLimit)
	s.conn = conn

	ctx, span := observe.StartSpan(r.Context(), "wsvad.stream", trace.WithAttributes(
		attribute.String("voxseg.stream_id", handle.StreamID),
		attribute.String("voxseg.backend", h.reg.Backend()),
		attribute.Int("voxseg.sample_rate", cfg.SampleRate),
		attribute.Int("voxseg.frame_ms", cfg.FrameMs),
	))
	s.span = span
	s.log = observe.Logger(ctx).With("stream", handle.StreamID)
	s.log.Info("wsvad: stream opened", "remote", r.RemoteAddr)

	if err := s.write(ctx, transport.NewReady(handle.StreamID, h.reg.Backend(), cfg)); err != nil {
		s.finish("ready handshake failed", err)
		return
	}
	s.serve(ctx)
}

// track registers s unless the handler is shutting down.
func (h *Handler) track(s *stream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.streams[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *stream) {
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
	h.wg.Done()
}

// serve handles messages until the stream ends. Reads happen on a separate
// goroutine so that shutdown and the idle timeout can still send the final
// events before the connection is closed.
func (s *stream) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	msgs := make(chan inbound)
	readerDone := make(chan struct{})
	go s.readLoop(ctx, msgs, readerDone)
	defer func() {
		cancel()
		<-readerDone
	}()

	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if s.h.readTimeout > 0 {
		timer = time.NewTimer(s.h.readTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-s.stop:
			s.finish(reasonShutdown, nil)
			return
		case <-idle:
			s.finish(reasonIdle, nil)
			return
		case m := <-msgs:
			if m.err != nil {
				s.finish(readEndReason(m.err), m.err)
				return
			}
			if timer != nil {
				timer.Reset(s.h.readTimeout)
			}
			if done := s.handleMessage(ctx, m); done {
				return
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context, out chan<- inbound, done chan<- struct{}) {
	defer close(done)
	for {
		typ, data, err := s.conn.Read(ctx)
		select {
		case out <- inbound{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleMessage processes one message and reports whether the stream has ended.
func (s *stream) handleMessage(ctx context.Context, m inbound) bool {
	switch m.typ {
	case websocket.MessageBinary:
		if err := s.handleFrame(ctx, m.data); err != nil {
			s.finish("dispatch failed", err)
			return true
		}
	case websocket.MessageText:
		done, err := s.handleControl(ctx, m.data)
		if err != nil {
			s.finish("write failed", err)
			return true
		}
		if done {
			s.finish(reasonEndOfStream, nil)
			return true
		}
	}
	return false
}

func readEndReason(err error) string {
	if websocket.CloseStatus(err) != -1 {
		return reasonClientClosed
	}
	return "read error"
}

// handleFrame dispatches one binary frame. A frame of the wrong size is
// reported to the client and the stream continues.
func (s *stream) handleFrame(ctx context.Context, frame []byte) error {
	if want := s.cfg.FrameBytes(); len(frame) != want {
		return s.write(ctx, transport.FrameSizeError(want, len(frame)))
	}
	res, err := s.h.reg.Dispatch(ctx, s.handle, frame)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) || errors.Is(err, segment.ErrFlushed) {
			return err
		}
		s.log.Warn("wsvad: dispatch failed", "err", err)
		return s.write(ctx, transport.Error("push_frame failed: "+err.Error()))
	}
	s.frames++
	return s.send(ctx, res)
}

// handleControl answers a text message. It reports done for end-of-stream
// requests.
func (s *stream) handleControl(ctx context.Context, data []byte) (done bool, err error) {
	c, err := transport.ParseControl(data)
	if err != nil {
		return false, s.write(ctx, transport.Error("bad json"))
	}
	switch {
	case c.Type == transport.ControlPing:
		return false, s.write(ctx, transport.Pong())
	case c.Type == transport.ControlSet:
		s.log.Debug("wsvad: ignoring set request", "payload", string(c.Raw))
		return false, s.write(ctx, transport.Warn(setNotSupported))
	case c.IsEndOfStream():
		return true, nil
	default:
		return false, s.write(ctx, transport.Warn(unknownControl))
	}
}

// send writes the events of res in order, then its audio.
func (s *stream) send(ctx context.Context, res segment.Result) error {
	for _, ev := range res.Events {
		if ev.Type == segment.EventSegmentEnd {
			s.segments++
		}
		if err := s.write(ctx, transport.FromEvent(ev, s.h.reg.Backend())); err != nil {
			return err
		}
	}
	if len(res.Audio) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.h.writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageBinary, transport.AudioMessage(res.Audio, s.h.audioPrefix))
}

func (s *stream) write(ctx context.Context, v any) error {
	wctx, cancel := context.WithTimeout(ctx, s.h.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, v)
}

// finish closes the session, sends its final events best-effort, and closes
// the connection. Only the first call has any effect.
func (s *stream) finish(reason string, cause error) {
	s.finishOnce.Do(func() {
		defer s.span.End()

		res, err := s.h.reg.Close(s.handle)
		if err != nil {
			s.log.Warn("wsvad: close session", "err", err)
		}

		// The request context may already be gone; the final events get a
		// fresh deadline of their own.
		wctx, cancel := context.WithTimeout(context.Background(), s.h.writeTimeout)
		defer cancel()
		sendErr := s.send(wctx, res)

		s.span.SetAttributes(
			attribute.Int("voxseg.frames", s.frames),
			attribute.Int("voxseg.segments", s.segments),
			attribute.String("voxseg.end_reason", reason),
		)
		if cause != nil && reason != reasonClientClosed {
			s.span.SetStatus(codes.Error, cause.Error())
		}

		switch {
		case cause != nil || sendErr != nil:
			_ = s.conn.CloseNow()
		case reason == reasonShutdown:
			_ = s.conn.Close(websocket.StatusGoingAway, reason)
		default:
			_ = s.conn.Close(websocket.StatusNormalClosure, reason)
		}
		s.log.Info("wsvad: stream closed",
			"reason", reason,
			"frames", s.frames,
			"segments", s.segments,
			"final_events", len(res.Events),
		)
	})
}
