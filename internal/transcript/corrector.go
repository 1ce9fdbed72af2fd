// Package transcript corrects proper nouns in speech-to-text output against
// a guild vocabulary (member display names, channel names).
//
// Whisper reliably garbles names it has never seen: "feldro" for "Feldrow",
// "jen eral" for "general". The corrector aligns transcribed words with the
// vocabulary in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the input window and every vocabulary term; a term whose codes overlap
//     the window's becomes a candidate.
//  2. Jaro-Winkler ranking: candidates are ranked by string similarity on
//     the original text (case-insensitive); the best one wins if it clears
//     the phonetic threshold. With no phonetic candidate, a stricter pure
//     Jaro-Winkler fallback applies.
//
// Multi-word terms are matched through an n-gram scan: at each token the
// corrector tries the widest window first so "tower of wispers" can align
// with "Tower of Whispers" before "tower" alone is considered.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one replacement the corrector applied.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// term is one vocabulary entry with its precomputed matching data.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Vocabulary is a prepared set of guild terms. Preparing once amortizes the
// Double Metaphone encoding across every segment of a voice session.
// A Vocabulary is read-only after construction and safe for concurrent use.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// NewVocabulary prepares the given terms for matching. Blank entries are
// dropped; duplicates (case-insensitive) keep their first spelling.
func NewVocabulary(names []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			original: strings.TrimSpace(name),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		if len(tokens) > v.maxWords {
			v.maxWords = len(tokens)
		}
	}
	return v
}

// Len returns the number of prepared terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched term to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists and the corrector falls back to pure string similarity.
// Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector aligns transcribed text with a vocabulary. Read-only after
// construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Corrector] with the supplied options.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites recognizable vocabulary terms in text and returns the
// corrected text plus the corrections applied, in text order. An empty
// vocabulary returns the input unchanged.
func (c *Corrector) Correct(text string, vocab *Vocabulary) (string, []Correction) {
	if vocab == nil || vocab.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := vocab.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		// Widest window first so multi-word terms beat their own prefixes.
		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			hit, conf, ok := c.match(window, vocab)
			if !ok {
				continue
			}
			if strings.EqualFold(window, hit) {
				// Already spelled right; emit as-is without a correction row.
				output = append(output, tokens[i:i+n]...)
			} else {
				output = append(output, strings.Fields(hit)...)
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  hit,
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

// match finds the vocabulary term most similar to window, or ok=false.
func (c *Corrector) match(window string, vocab *Vocabulary) (hit string, confidence float64, ok bool) {
	windowLower := strings.ToLower(window)
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesForTokens(windowTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range vocab.terms {
		phonetic := codesOverlap(windowCodes, t.codes)
		score := bestSimilarity(windowTokens, t.tokens, windowLower, t.lower)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = t.original, score, true
			}
		case !phonetic && !bestPhonetic:
			if score >= c.fuzzyThreshold && score > bestScore {
				best, bestScore = t.original, score
			}
		}
	}

	if best == "" {
		return window, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of Double Metaphone codes over the tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share a code.
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

// bestSimilarity takes the highest Jaro-Winkler score across three views of
// the pair: the full strings, the space-stripped strings (one spoken word
// split across tokens), and the best token pair.
func bestSimilarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
