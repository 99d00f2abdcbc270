// Package transcript post-processes recognized text before it reaches
// conversation history or the reply generator. Correction is deterministic
// and always succeeds: a failure to refresh rules degrades to the cached
// rule set, never to a turn failure.
package transcript

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/store"
)

const defaultRefreshInterval = time.Minute

// RuleSource supplies the ordered literal correction rules. Implemented by
// store.Store.
type RuleSource interface {
	ListCorrectionRules(ctx context.Context) ([]store.CorrectionRule, error)
}

// PhoneticMatcher aligns a word or phrase with a known vocabulary.
// Implemented by phonetic.Matcher.
type PhoneticMatcher interface {
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}

// Correction records one applied replacement, for logging.
type Correction struct {
	Original   string
	Corrected  string
	Method     string // "rule" or "phonetic"
	Confidence float64
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticMatcher attaches the phonetic stage. When nil (the default),
// the stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) Option {
	return func(c *Corrector) { c.matcher = m }
}

// WithRefreshInterval sets how long fetched rules are cached before the
// source is consulted again. Default: 1 minute.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Corrector) { c.refresh = d }
}

// Corrector applies two deterministic stages, in order:
//
//  1. Literal rules from the RuleSource: case-insensitive whole-word
//     replacements, applied in their configured order.
//  2. Phonetic vocabulary alignment over n-gram windows, when a matcher is
//     configured.
//
// Corrector is safe for concurrent use.
type Corrector struct {
	source  RuleSource
	matcher PhoneticMatcher
	refresh time.Duration

	mu        sync.Mutex
	compiled  []compiledRule
	fetchedAt time.Time
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// New constructs a [Corrector] reading literal rules from source. A nil
// source disables the rule stage.
func New(source RuleSource, opts ...Option) *Corrector {
	c := &Corrector{
		source:  source,
		refresh: defaultRefreshInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct applies both stages to text and returns the corrected text with
// the list of applied corrections. The vocabulary is the per-call set of
// proper nouns (business name, owner name) for the phonetic stage.
func (c *Corrector) Correct(ctx context.Context, text string, vocabulary []string) (string, []Correction) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	var corrections []Correction

	working := text
	for _, rule := range c.rules(ctx) {
		replaced := rule.re.ReplaceAllString(working, rule.replacement)
		if replaced != working {
			corrections = append(corrections, Correction{
				Original:  working,
				Corrected: replaced,
				Method:    "rule",
			})
			working = replaced
		}
	}

	if c.matcher != nil && len(vocabulary) > 0 {
		var phonetic []Correction
		working, phonetic = c.applyPhonetic(working, vocabulary)
		corrections = append(corrections, phonetic...)
	}

	return working, corrections
}

// rules returns the compiled rule set, refreshing from the source when the
// cache is older than the refresh interval. Fetch or compile failures keep
// the previous rule set.
func (c *Corrector) rules(ctx context.Context) []compiledRule {
	if c.source == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < c.refresh && c.compiled != nil {
		return c.compiled
	}

	raw, err := c.source.ListCorrectionRules(ctx)
	if err != nil {
		slog.Warn("transcript: rule refresh failed, keeping cached rules", "error", err)
		c.fetchedAt = time.Now()
		return c.compiled
	}

	compiled := make([]compiledRule, 0, len(raw))
	for _, r := range raw {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(r.Pattern) + `\b`)
		if err != nil {
			slog.Warn("transcript: skipping uncompilable rule", "pattern", r.Pattern, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{re: re, replacement: r.Replacement})
	}
	c.compiled = compiled
	c.fetchedAt = time.Now()
	return c.compiled
}

// applyPhonetic walks the text with n-gram windows, longest first, so that
// multi-word vocabulary entries take precedence over partial single-word
// matches. Matched windows are replaced by the vocabulary entry; the cursor
// advances by the number of tokens consumed.
func (c *Corrector) applyPhonetic(text string, vocabulary []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxWindow := maxWordCount(vocabulary)

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := maxWindow
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			entry, conf, ok := c.matcher.Match(window, vocabulary)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(entry)...)
			if !strings.EqualFold(window, entry) {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  entry,
					Method:     "phonetic",
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any vocabulary entry. Returns 1 when vocabulary is empty.
func maxWordCount(vocabulary []string) int {
	max := 1
	for _, v := range vocabulary {
		if n := len(strings.Fields(v)); n > max {
			max = n
		}
	}
	return max
}
