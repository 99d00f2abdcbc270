// Package store persists business configuration, transcript correction
// rules, and finished call records. The core treats business configuration
// and correction rules as read-only; only call records are written, once per
// call after it ends.
package store

import (
	"context"
	"time"
)

// Business is the per-phone-number configuration that shapes a call: who is
// answering, with which prompt and voice.
type Business struct {
	ID           int64
	PhoneNumber  string // E.164 number callers dial
	Name         string
	OwnerName    string
	SystemPrompt string
	Greeting     string
	Voice        string
	IsDemo       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CorrectionRule is an ordered literal replacement applied to recognized
// text before it reaches history or the reply generator.
type CorrectionRule struct {
	Pattern     string
	Replacement string
	Position    int
}

// TranscriptLine is one timestamped entry of a finished call's transcript.
type TranscriptLine struct {
	At   time.Time `json:"at"`
	Role string    `json:"role"`
	Text string    `json:"text"`
}

// CallRecord is the persisted outcome of one call: its transcript plus the
// structured fields extracted for notification.
type CallRecord struct {
	CallSID    string
	BusinessID int64
	From       string
	To         string
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript []TranscriptLine
	Extraction map[string]any
}

// Store is the persistence boundary used by the call pipeline.
type Store interface {
	// BusinessByNumber returns the configuration for the dialed number, or
	// (nil, nil) when no business is registered for it.
	BusinessByNumber(ctx context.Context, phoneNumber string) (*Business, error)

	// ListCorrectionRules returns all correction rules ordered by position.
	ListCorrectionRules(ctx context.Context) ([]CorrectionRule, error)

	// SaveCallRecord persists the outcome of a finished call. Saving the
	// same call SID twice is an error.
	SaveCallRecord(ctx context.Context, rec *CallRecord) error
}
