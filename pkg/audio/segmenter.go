package audio

const (
	defaultRMSThreshold   = 500.0
	defaultSilenceMs      = 700
	defaultMinSpeechMs    = 300
	defaultMaxUtteranceMs = 15_000
)

// SegmenterConfig tunes utterance boundary detection. Zero values take the
// package defaults.
type SegmenterConfig struct {
	// SampleRate of the PCM pushed into the segmenter, in Hz. Required.
	SampleRate int
	// RMSThreshold is the energy level above which a frame counts as
	// speech. Default 500.
	RMSThreshold float64
	// SilenceMs is the trailing-silence duration that closes an utterance.
	// Default 700 ms.
	SilenceMs int
	// MinSpeechMs is the minimum accumulated speech for a segment to be
	// emitted; shorter bursts are discarded as noise. Default 300 ms.
	MinSpeechMs int
	// MaxUtteranceMs forces a boundary once the buffer reaches this
	// duration, bounding memory for callers who never pause. Default 15 s.
	MaxUtteranceMs int
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = defaultRMSThreshold
	}
	if c.SilenceMs <= 0 {
		c.SilenceMs = defaultSilenceMs
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = defaultMinSpeechMs
	}
	if c.MaxUtteranceMs <= 0 {
		c.MaxUtteranceMs = defaultMaxUtteranceMs
	}
	return c
}

// Segmenter accumulates inbound PCM frames and detects utterance boundaries
// using RMS energy. It is deliberately lock-free: each call session owns one
// Segmenter and feeds it from a single goroutine.
//
// Leading silence is not buffered; buffering starts with the first frame
// whose energy crosses the threshold.
type Segmenter struct {
	cfg SegmenterConfig

	buf       []byte
	hadSpeech bool
	speechMs  int
	silenceMs int
}

// NewSegmenter returns a Segmenter with defaults applied for any zero
// config field.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// Push feeds one PCM frame. When enough trailing silence has accumulated
// behind buffered speech, or the utterance ceiling is reached, it returns
// the completed segment and true, and resets for the next utterance.
// Near-silent input with no buffered speech never yields a boundary.
func (s *Segmenter) Push(frame []byte) (segment []byte, ok bool) {
	if len(frame) == 0 {
		return nil, false
	}

	rms := RMS(frame)
	frameMs := DurationMs(frame, s.cfg.SampleRate)

	if rms >= s.cfg.RMSThreshold {
		s.hadSpeech = true
		s.speechMs += frameMs
		s.silenceMs = 0
		s.buf = append(s.buf, frame...)
		if DurationMs(s.buf, s.cfg.SampleRate) >= s.cfg.MaxUtteranceMs {
			return s.take()
		}
		return nil, false
	}

	if !s.hadSpeech {
		return nil, false
	}

	s.silenceMs += frameMs
	s.buf = append(s.buf, frame...)
	if s.silenceMs >= s.cfg.SilenceMs {
		return s.take()
	}
	return nil, false
}

// Flush returns any buffered speech as a final segment, used when the call
// ends mid-utterance. With an empty buffer it is a no-op.
func (s *Segmenter) Flush() (segment []byte, ok bool) {
	if len(s.buf) == 0 {
		return nil, false
	}
	return s.take()
}

// Reset discards all buffered audio and segmentation state.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.hadSpeech = false
	s.speechMs = 0
	s.silenceMs = 0
}

// take closes the current utterance. Segments with less than MinSpeechMs of
// speech are dropped to avoid spurious empty transcriptions.
func (s *Segmenter) take() (segment []byte, ok bool) {
	seg := s.buf
	spoke := s.speechMs
	s.Reset()
	if spoke < s.cfg.MinSpeechMs {
		return nil, false
	}
	return seg, true
}
