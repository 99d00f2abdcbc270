package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/tts"
)

const (
	// telephonyRate is the narrowband rate of the provider's mu-law audio.
	telephonyRate = 8000

	// recognitionRate is the wideband rate the recognizers consume.
	recognitionRate = 16000

	// outboundChunkBytes is the mu-law chunk size per outbound media
	// message, 500 ms at 8 kHz.
	outboundChunkBytes = 4000
)

// errStreamRejected signals that the stream was closed at the boundary for
// an unknown number.
var errStreamRejected = errors.New("telephony: stream rejected")

// PostCallHook runs once per call after the session has been evicted, with
// the finalized session. It is invoked from the connection goroutine.
type PostCallHook func(ctx context.Context, s *call.Session)

// StreamHandler is the WebSocket endpoint for provider media streams. One
// connection carries exactly one call.
type StreamHandler struct {
	registry *call.Registry
	runner   *pipeline.Runner
	lookup   call.BusinessLookup
	metrics  *observe.Metrics
	postCall PostCallHook
}

// StreamOption configures a StreamHandler.
type StreamOption func(*StreamHandler)

// WithPostCall sets the hook invoked after each call ends.
func WithPostCall(hook PostCallHook) StreamOption {
	return func(h *StreamHandler) { h.postCall = hook }
}

// WithStreamMetrics sets the metrics sink. Defaults to
// observe.DefaultMetrics.
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(h *StreamHandler) { h.metrics = m }
}

// NewStreamHandler builds the media-stream endpoint.
func NewStreamHandler(registry *call.Registry, runner *pipeline.Runner, lookup call.BusinessLookup, opts ...StreamOption) *StreamHandler {
	h := &StreamHandler{
		registry: registry,
		runner:   runner,
		lookup:   lookup,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the connection and runs the stream loop until the
// provider sends a stop event or the socket closes.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("media stream accept failed", "error", err)
		return
	}

	st := &stream{handler: h, conn: conn}
	defer st.finish(r.Context())

	err = st.run(r.Context())
	if errors.Is(err, errStreamRejected) {
		return
	}
	if err != nil {
		slog.Warn("media stream closed with error", "error", err,
			"stream_sid", st.streamSID)
		conn.Close(websocket.StatusInternalError, "stream failure")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// stream is the per-connection state. All fields are owned by the
// connection goroutine; inbound events, turns, and outbound writes are
// strictly sequential, so no locking is needed beyond the finish guard.
type stream struct {
	handler *StreamHandler
	conn    *websocket.Conn

	streamSID string
	session   *call.Session

	markSeq  int
	lastMark string

	finishOnce sync.Once
}

func (st *stream) run(ctx context.Context) error {
	for {
		_, data, err := st.conn.Read(ctx)
		if err != nil {
			// Socket close without a stop event still ends the call;
			// finish runs from the deferred cleanup.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("telephony: read stream: %w", err)
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			slog.Debug("unparseable stream message dropped", "error", err)
			continue
		}

		switch env.Event {
		case EventConnected:
			slog.Debug("media stream connected")

		case EventStart:
			if err := st.handleStart(ctx, env); err != nil {
				return err
			}

		case EventMedia:
			if err := st.handleMedia(ctx, env); err != nil {
				return err
			}

		case EventStop:
			slog.Info("media stream stopped", "stream_sid", st.streamSID)
			st.finish(ctx)
			return nil

		case EventMark:
			st.handleMark(env)

		default:
			slog.Debug("unknown stream event ignored", "event", env.Event)
		}
	}
}

func (st *stream) handleStart(ctx context.Context, env *Envelope) error {
	if env.Start == nil {
		return errors.New("telephony: start event without payload")
	}
	st.streamSID = env.Start.StreamSID

	from := env.Start.CustomParameters[paramCallerNumber]
	to := env.Start.CustomParameters[paramDialedNumber]

	s, created, err := st.handler.registry.GetOrCreate(ctx, env.Start.CallSID, from, to, st.handler.lookup)
	if err != nil {
		if errors.Is(err, call.ErrUnknownCall) {
			slog.Warn("stream for unknown number rejected", "to", to)
			st.conn.Close(websocket.StatusPolicyViolation, "unknown number")
			return errStreamRejected
		}
		return fmt.Errorf("telephony: start stream for call %s: %w", env.Start.CallSID, err)
	}
	st.session = s

	slog.Info("media stream started",
		"stream_sid", st.streamSID, "call_sid", s.CallSID, "created", created)

	greeting := greetingFor(s)
	if err := st.handler.runner.Speak(ctx, s, st, greeting); err != nil {
		// A caller hearing silence will speak anyway; keep the call up.
		slog.Error("greeting failed", "call_sid", s.CallSID, "error", err)
		return nil
	}
	s.AppendAssistant(greeting)
	return nil
}

func (st *stream) handleMedia(ctx context.Context, env *Envelope) error {
	if st.session == nil || st.session.State() != call.StateActive {
		return nil
	}
	if env.Media == nil || env.Media.Payload == "" {
		return nil
	}

	mulaw, err := env.Media.DecodeAudio()
	if err != nil {
		st.handler.metrics.DroppedFrames.Add(ctx, 1)
		slog.Debug("malformed media frame dropped", "error", err)
		return nil
	}

	st.session.Touch()

	pcm := audio.Resample16(audio.DecodeULaw(mulaw), telephonyRate, recognitionRate)
	segment, ok := st.session.Segmenter.Push(pcm)
	if !ok {
		return nil
	}
	return st.handler.runner.RunTurn(ctx, st.session, st, segment)
}

func (st *stream) handleMark(env *Envelope) {
	if env.Mark == nil {
		return
	}
	if env.Mark.Name == st.lastMark {
		slog.Debug("reply playback completed",
			"stream_sid", st.streamSID, "mark", env.Mark.Name)
	}
}

// Deliver implements pipeline.Outbound: downsample to the telephony rate,
// compand, and send as chunked media messages followed by a mark so the
// provider reports when playback finishes.
func (st *stream) Deliver(ctx context.Context, a tts.Audio) error {
	if st.streamSID == "" {
		return errors.New("telephony: deliver before stream start")
	}

	pcm := audio.Resample16(a.PCM, a.SampleRate, telephonyRate)
	mulaw := audio.EncodeULaw(pcm)

	for off := 0; off < len(mulaw); off += outboundChunkBytes {
		end := min(off+outboundChunkBytes, len(mulaw))
		msg, err := MarshalMedia(st.streamSID, mulaw[off:end])
		if err != nil {
			return err
		}
		if err := st.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return fmt.Errorf("telephony: write media: %w", err)
		}
	}

	st.markSeq++
	st.lastMark = fmt.Sprintf("reply-%d", st.markSeq)
	msg, err := MarshalMark(st.streamSID, st.lastMark)
	if err != nil {
		return err
	}
	if err := st.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("telephony: write mark: %w", err)
	}
	return nil
}

// finish ends the call exactly once: registry eviction (waiting on any
// in-flight turn) and the post-call hook.
func (st *stream) finish(ctx context.Context) {
	st.finishOnce.Do(func() {
		if st.session == nil {
			return
		}
		// Post-call work must outlive the request context; the socket is
		// usually already gone by now.
		ctx := context.WithoutCancel(ctx)
		ended := st.handler.registry.End(ctx, st.session.CallSID)
		if ended != nil && st.handler.postCall != nil {
			st.handler.postCall(ctx, ended)
		}
	})
}

// greetingFor picks the spoken greeting for a session's business. A stored
// greeting wins; demo numbers get the demo pitch.
func greetingFor(s *call.Session) string {
	b := s.Business
	if b == nil {
		return "Hi, thanks for calling! How can I help you today?"
	}
	if b.Greeting != "" {
		return b.Greeting
	}
	if b.IsDemo {
		return fmt.Sprintf("Hi! This is a demo of the %s voice assistant. "+
			"Go ahead and pretend you're a customer calling with a question!", b.Name)
	}
	return fmt.Sprintf("Hi, thanks for calling %s! How can I help you today?", b.Name)
}
