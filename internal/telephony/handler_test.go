package telephony_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/sttpool"
	"github.com/voxline/voxline/internal/telephony"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/llm"
	llmmock "github.com/voxline/voxline/pkg/provider/llm/mock"
	"github.com/voxline/voxline/pkg/provider/stt"
	sttmock "github.com/voxline/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/voxline/voxline/pkg/provider/tts/mock"
)

type passCorrector struct{}

func (passCorrector) Correct(ctx context.Context, text string, vocabulary []string) (string, []transcript.Correction) {
	return text, nil
}

// streamFixture wires a full handler with mock providers behind a real
// WebSocket server.
type streamFixture struct {
	registry *call.Registry
	rec      *sttmock.Recognizer
	gen      *llmmock.Provider
	synth    *ttsmock.Synthesizer

	mu    sync.Mutex
	ended *call.Session

	server *httptest.Server
}

func newStreamFixture(t *testing.T, lookup call.BusinessLookup) *streamFixture {
	t.Helper()
	metrics := testMetrics(t)

	f := &streamFixture{
		registry: call.NewRegistry(
			call.WithMetrics(metrics),
			call.WithSegmenterConfig(audio.SegmenterConfig{SampleRate: 16000}),
		),
		rec:   &sttmock.Recognizer{Text: "my kitchen sink is leaking"},
		gen:   &llmmock.Provider{Response: "We can send someone over today."},
		synth: &ttsmock.Synthesizer{},
	}

	pool, err := sttpool.New([]stt.Recognizer{f.rec}, sttpool.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("sttpool.New: %v", err)
	}
	runner := pipeline.New(pool, passCorrector{}, f.gen, f.synth, 16000,
		pipeline.WithMetrics(metrics))

	h := telephony.NewStreamHandler(f.registry, runner, lookup,
		telephony.WithStreamMetrics(metrics),
		telephony.WithPostCall(func(ctx context.Context, s *call.Session) {
			f.mu.Lock()
			f.ended = s
			f.mu.Unlock()
		}),
	)
	f.server = httptest.NewServer(h)
	t.Cleanup(f.server.Close)
	return f
}

func (f *streamFixture) endedSession() *call.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func dialStream(t *testing.T, ctx context.Context, f *streamFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, env telephony.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", env.Event, err)
	}
}

func sendStart(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	send(t, ctx, conn, telephony.Envelope{
		Event:     telephony.EventStart,
		StreamSID: "MZ1",
		Start: &telephony.StartPayload{
			StreamSID:   "MZ1",
			CallSID:     "CA1",
			Tracks:      []string{"inbound"},
			MediaFormat: telephony.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
			CustomParameters: map[string]string{
				"caller_number": "+15550002222",
				"dialed_number": "+15550001111",
			},
		},
	})
}

// mulawFrame builds one 20 ms narrowband frame of constant amplitude.
func mulawFrame(amplitude int16) string {
	const samples = 160 // 20 ms at 8 kHz
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[2*i] = byte(uint16(amplitude))
		pcm[2*i+1] = byte(uint16(amplitude) >> 8)
	}
	return base64.StdEncoding.EncodeToString(audio.EncodeULaw(pcm))
}

func sendAudio(t *testing.T, ctx context.Context, conn *websocket.Conn, amplitude int16, frames int) {
	t.Helper()
	payload := mulawFrame(amplitude)
	for i := 0; i < frames; i++ {
		send(t, ctx, conn, telephony.Envelope{
			Event:     telephony.EventMedia,
			StreamSID: "MZ1",
			Media:     &telephony.MediaPayload{Track: "inbound", Payload: payload},
		})
	}
}

// readUntilMark consumes outbound messages until a mark arrives, returning
// the number of media bytes that preceded it.
func readUntilMark(t *testing.T, ctx context.Context, conn *websocket.Conn) int {
	t.Helper()
	var mediaBytes int
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := telephony.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("parse outbound message: %v", err)
		}
		switch env.Event {
		case telephony.EventMedia:
			raw, err := env.Media.DecodeAudio()
			if err != nil {
				t.Fatalf("decode outbound audio: %v", err)
			}
			mediaBytes += len(raw)
		case telephony.EventMark:
			return mediaBytes
		default:
			t.Fatalf("unexpected outbound event %q", env.Event)
		}
	}
}

func TestStreamHandler_FullCall(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	f := newStreamFixture(t, knownLookup)
	conn := dialStream(t, ctx, f)
	defer conn.CloseNow()

	send(t, ctx, conn, telephony.Envelope{Event: telephony.EventConnected})
	sendStart(t, ctx, conn)

	// The greeting arrives first: mock synthesis is 1 s of 24 kHz audio,
	// which is 8000 mu-law bytes after downsampling.
	if got := readUntilMark(t, ctx, conn); got != 8000 {
		t.Errorf("greeting audio = %d bytes, want 8000", got)
	}

	// 400 ms of speech followed by enough silence to close the utterance.
	sendAudio(t, ctx, conn, 3000, 20)
	sendAudio(t, ctx, conn, 0, 40)

	if got := readUntilMark(t, ctx, conn); got == 0 {
		t.Error("no reply audio delivered")
	}

	send(t, ctx, conn, telephony.Envelope{
		Event:     telephony.EventStop,
		StreamSID: "MZ1",
		Stop:      &telephony.StopPayload{CallSID: "CA1"},
	})

	deadline := time.Now().Add(5 * time.Second)
	for f.endedSession() == nil {
		if time.Now().After(deadline) {
			t.Fatal("post-call hook never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s := f.endedSession()
	if s.State() != call.StateEnded {
		t.Errorf("state = %v, want ended", s.State())
	}
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history = %+v, want greeting, user, assistant", h)
	}
	if h[0].Role != llm.RoleAssistant {
		t.Errorf("history[0].Role = %q, want the greeting", h[0].Role)
	}
	if h[1].Role != llm.RoleUser || h[1].Content != "my kitchen sink is leaking" {
		t.Errorf("history[1] = %+v", h[1])
	}
	if h[2].Role != llm.RoleAssistant || h[2].Content != "We can send someone over today." {
		t.Errorf("history[2] = %+v", h[2])
	}
	if f.registry.Len() != 0 {
		t.Error("session not evicted after stop")
	}
}

func TestStreamHandler_UnknownNumberClosesStream(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newStreamFixture(t, unknownLookup)
	conn := dialStream(t, ctx, f)
	defer conn.CloseNow()

	sendStart(t, ctx, conn)

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the stream")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want policy violation", got)
	}
	if f.registry.Len() != 0 {
		t.Error("unknown call left a session behind")
	}
}

func TestStreamHandler_MalformedMediaDropped(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newStreamFixture(t, knownLookup)
	conn := dialStream(t, ctx, f)
	defer conn.CloseNow()

	sendStart(t, ctx, conn)
	readUntilMark(t, ctx, conn) // greeting

	// Undecodable payload must not end the call.
	send(t, ctx, conn, telephony.Envelope{
		Event:     telephony.EventMedia,
		StreamSID: "MZ1",
		Media:     &telephony.MediaPayload{Payload: "not base64!!!"},
	})

	// A real utterance still goes through afterwards.
	sendAudio(t, ctx, conn, 3000, 20)
	sendAudio(t, ctx, conn, 0, 40)
	if got := readUntilMark(t, ctx, conn); got == 0 {
		t.Error("no reply after a dropped frame")
	}
}
