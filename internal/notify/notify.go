// Package notify handles post-call processing: extracting structured
// details from the finished transcript, persisting the call record, and
// telling the business owner about the call.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/provider/llm"
)

const extractionPrompt = `You are a call-summary extractor. Given the transcript of a phone call answered on behalf of a business, extract what the caller wanted. Respond with ONLY a JSON object with these keys:
- "caller_name": the caller's name, or "" if never given
- "caller_phone": a callback number the caller stated, or "" if none
- "reason": one sentence describing why they called
- "urgency": one of "low", "normal", "high", "emergency"
No prose, no markdown, just the JSON object.`

// Extraction holds the structured fields pulled from a call transcript.
type Extraction struct {
	CallerName  string `json:"caller_name"`
	CallerPhone string `json:"caller_phone"`
	Reason      string `json:"reason"`
	Urgency     string `json:"urgency"`
}

// asMap converts the extraction for JSONB persistence.
func (e Extraction) asMap() map[string]any {
	return map[string]any{
		"caller_name":  e.CallerName,
		"caller_phone": e.CallerPhone,
		"reason":       e.Reason,
		"urgency":      e.Urgency,
	}
}

// Extractor runs transcript extraction through a completion provider.
type Extractor struct {
	provider llm.Provider
}

// NewExtractor builds an Extractor on the given provider. The provider is
// the same one serving live turns; only the system prompt differs.
func NewExtractor(provider llm.Provider) *Extractor {
	return &Extractor{provider: provider}
}

// Extract summarizes the session transcript. Extraction is best effort: any
// provider or parse failure yields an empty Extraction, never an error that
// would block persisting the call record.
func (e *Extractor) Extract(ctx context.Context, s *call.Session) Extraction {
	entries := s.Transcript()
	if len(entries) == 0 {
		return Extraction{}
	}

	var sb strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", entry.Role, entry.Text)
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: sb.String()},
		},
		MaxTokens: 256,
	})
	if err != nil {
		slog.Warn("call extraction failed", "call_sid", s.CallSID, "error", err)
		return Extraction{}
	}

	ext, err := parseExtraction(resp.Content)
	if err != nil {
		slog.Warn("call extraction unparseable",
			"call_sid", s.CallSID, "error", err, "response", resp.Content)
		return Extraction{}
	}
	return ext
}

// parseExtraction pulls the JSON object out of a completion, tolerating
// code fences and prose around it.
func parseExtraction(content string) (Extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Extraction{}, fmt.Errorf("notify: no JSON object in completion")
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &ext); err != nil {
		return Extraction{}, fmt.Errorf("notify: parse extraction: %w", err)
	}
	return ext, nil
}

// Notifier delivers the post-call summary to the business owner.
type Notifier interface {
	Notify(ctx context.Context, business *store.Business, rec *store.CallRecord, ext Extraction) error
}

// LogNotifier writes the summary to the structured log. It stands in until
// a real delivery channel (SMS, email) is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, business *store.Business, rec *store.CallRecord, ext Extraction) error {
	name := ""
	if business != nil {
		name = business.Name
	}
	slog.Info("call summary",
		"business", name,
		"call_sid", rec.CallSID,
		"caller", rec.From,
		"caller_name", ext.CallerName,
		"callback", ext.CallerPhone,
		"reason", ext.Reason,
		"urgency", ext.Urgency,
		"turns", len(rec.Transcript))
	return nil
}

// Processor is the post-call pipeline: extract, persist, notify.
type Processor struct {
	extractor *Extractor
	store     store.Store
	notifier  Notifier
}

// NewProcessor wires the post-call pipeline. A nil notifier falls back to
// LogNotifier.
func NewProcessor(extractor *Extractor, st store.Store, notifier Notifier) *Processor {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Processor{extractor: extractor, store: st, notifier: notifier}
}

// ProcessCall runs once per finished call. The record is persisted even
// when extraction came back empty; notification failures are returned but
// do not undo persistence.
func (p *Processor) ProcessCall(ctx context.Context, s *call.Session) error {
	ext := p.extractor.Extract(ctx, s)

	rec := &store.CallRecord{
		CallSID:    s.CallSID,
		From:       s.From,
		To:         s.To,
		StartedAt:  s.CreatedAt,
		EndedAt:    time.Now(),
		Transcript: transcriptLines(s),
		Extraction: ext.asMap(),
	}
	if s.Business != nil {
		rec.BusinessID = s.Business.ID
	}

	if err := p.store.SaveCallRecord(ctx, rec); err != nil {
		return fmt.Errorf("notify: save call record %s: %w", s.CallSID, err)
	}
	if err := p.notifier.Notify(ctx, s.Business, rec, ext); err != nil {
		return fmt.Errorf("notify: deliver summary for %s: %w", s.CallSID, err)
	}
	return nil
}

// PostCall adapts ProcessCall to the telephony post-call hook, logging
// failures instead of propagating them.
func (p *Processor) PostCall(ctx context.Context, s *call.Session) {
	if err := p.ProcessCall(ctx, s); err != nil {
		slog.Error("post-call processing failed", "call_sid", s.CallSID, "error", err)
	}
}

func transcriptLines(s *call.Session) []store.TranscriptLine {
	entries := s.Transcript()
	lines := make([]store.TranscriptLine, len(entries))
	for i, e := range entries {
		lines[i] = store.TranscriptLine{At: e.At, Role: e.Role, Text: e.Text}
	}
	return lines
}
