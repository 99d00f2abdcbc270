// Package phonetic matches misrecognized words against a known vocabulary
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity.
//
// The recognition engine routinely mangles proper nouns it has never seen:
// a caller asking for "Dana at Riverside Plumbing" may come back as "Donna
// at river side pluming". The matcher aligns such words with the business
// and owner names configured for the call.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary entry. An entry whose
//     codes overlap the input's becomes a candidate.
//
//  2. Jaro-Winkler ranking: among candidates, the entry with the highest
//     Jaro-Winkler similarity on the original strings (case-insensitive)
//     wins, provided its score exceeds the phonetic threshold. When no
//     phonetic candidate exists, a secondary pass tests pure Jaro-Winkler
//     similarity against all entries with a stricter fuzzy threshold.
//
// Multi-word entries ("Riverside Plumbing") are supported: codes are
// computed per word and the best pairwise score across word pairs feeds the
// ranking.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched entry to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher aligns words with a known vocabulary. All methods are safe for
// concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the vocabulary entry most phonetically similar to word.
//
// word may be a single word or a space-separated phrase; with multiple
// tokens the matcher checks whether any token phonetically aligns with any
// token of a multi-word entry, then ranks by Jaro-Winkler on the full
// strings.
//
// When matched is false, corrected equals word unchanged and confidence
// is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	if len(vocabulary) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		entry    string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, entry := range vocabulary {
		entryLower := strings.ToLower(strings.TrimSpace(entry))
		if entryLower == "" {
			continue
		}
		entryTokens := strings.Fields(entryLower)

		phoneticMatch := codesOverlap(inputCodes, codesForTokens(entryTokens))
		jwScore := bestJWScore(wordTokens, entryTokens, wordLower, entryLower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{entry: entry, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{entry: entry, score: jwScore, phonetic: false}
			}
		}
	}

	if best.entry != "" {
		return best.entry, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (word too short, no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input and the entry using three strategies: full strings, space-stripped
// strings ("river side" vs "riverside"), and the best pairwise token score.
func bestJWScore(inputTokens, entryTokens []string, inputFull, entryFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entryFull, false)

	if len(inputTokens) > 1 || len(entryTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(entryTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, et := range entryTokens {
			if s := matchr.JaroWinkler(it, et, false); s > score {
				score = s
			}
		}
	}
	return score
}
