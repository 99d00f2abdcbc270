// Package call tracks per-call conversational state and the process-wide
// registry mapping external call identifiers to live sessions.
package call

import (
	"sync"
	"time"

	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/llm"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateActive State = iota
	StateEnding
	StateEnded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TranscriptEntry is one timestamped line of the transcript log. The log is
// independent of conversation history and feeds post-call extraction.
type TranscriptEntry struct {
	At   time.Time
	Role string
	Text string
}

// Session is the mutable state of one live phone call.
//
// Conversation history and the transcript log are append-only for the life
// of the call. The audio segmenter is owned exclusively by the session and
// must only be touched while holding the turn lock; turns within a call are
// strictly sequential.
type Session struct {
	CallSID   string
	From      string
	To        string
	Business  *store.Business
	CreatedAt time.Time

	// Segmenter accumulates not-yet-segmented inbound audio. Guarded by
	// the turn lock, not by mu.
	Segmenter *audio.Segmenter

	// turnMu serializes turns. It is held for the whole duration of a
	// turn, and End acquires it to wait for in-flight work.
	turnMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	history      []llm.Message
	transcript   []TranscriptEntry
}

// NewSession builds an active session. The segmenter must be configured for
// the sample rate audio will be pushed at.
func NewSession(callSID, from, to string, business *store.Business, seg *audio.Segmenter) *Session {
	now := time.Now()
	return &Session{
		CallSID:      callSID,
		From:         from,
		To:           to,
		Business:     business,
		CreatedAt:    now,
		Segmenter:    seg,
		lastActivity: now,
	}
}

// LockTurn acquires the turn lock, blocking while a previous turn for this
// call is still in flight.
func (s *Session) LockTurn() { s.turnMu.Lock() }

// UnlockTurn releases the turn lock.
func (s *Session) UnlockTurn() { s.turnMu.Unlock() }

// Touch records inbound activity, deferring the stale sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markEnding transitions active → ending. Later states are left alone.
func (s *Session) markEnding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.state = StateEnding
	}
}

// markEnded transitions to the terminal state.
func (s *Session) markEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateEnded
}

// AppendUser appends the caller's utterance to history and the transcript
// log. Called once transcription and correction have succeeded; a failed
// turn appends nothing.
func (s *Session) AppendUser(text string) {
	s.append(llm.RoleUser, text)
}

// AppendAssistant appends the generated reply to history and the transcript
// log.
func (s *Session) AppendAssistant(text string) {
	s.append(llm.RoleAssistant, text)
}

func (s *Session) append(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, llm.Message{Role: role, Content: text})
	s.transcript = append(s.transcript, TranscriptEntry{At: time.Now(), Role: role, Text: text})
}

// History returns a copy of the conversation history, oldest first.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Transcript returns a copy of the transcript log, oldest first.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Vocabulary returns the proper nouns the corrector should align against
// for this call.
func (s *Session) Vocabulary() []string {
	if s.Business == nil {
		return nil
	}
	var v []string
	if s.Business.Name != "" {
		v = append(v, s.Business.Name)
	}
	if s.Business.OwnerName != "" {
		v = append(v, s.Business.OwnerName)
	}
	return v
}
