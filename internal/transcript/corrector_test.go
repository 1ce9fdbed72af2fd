package transcript_test

import (
	"testing"

	"github.com/feldrow/engram/internal/transcript"
)

func TestCorrect_SingleWord(t *testing.T) {
	t.Parallel()

	c := transcript.New()
	vocab := transcript.NewVocabulary([]string{"Feldrow", "Moss", "general"})

	got, corrections := c.Correct("feldro asked about the outage", vocab)
	if got != "Feldrow asked about the outage" {
		t.Errorf("corrected text = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "feldro" || corrections[0].Corrected != "Feldrow" {
		t.Errorf("correction = %+v", corrections[0])
	}
	if corrections[0].Confidence < 0.7 {
		t.Errorf("confidence = %f, want >= 0.7", corrections[0].Confidence)
	}
}

func TestCorrect_MultiWordTerm(t *testing.T) {
	t.Parallel()

	c := transcript.New()
	vocab := transcript.NewVocabulary([]string{"Mara Vex", "Feldrow"})

	got, corrections := c.Correct("ask marah vex about it", vocab)
	if got != "ask Mara Vex about it" {
		t.Errorf("corrected text = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "marah vex" {
		t.Errorf("original window = %q, want the full n-gram", corrections[0].Original)
	}
}

func TestCorrect_ExactSpellingNotReported(t *testing.T) {
	t.Parallel()

	c := transcript.New()
	vocab := transcript.NewVocabulary([]string{"Feldrow"})

	got, corrections := c.Correct("Feldrow is here", vocab)
	if got != "Feldrow is here" {
		t.Errorf("text changed: %q", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none for an exact spelling", corrections)
	}
}

func TestCorrect_NoFalsePositives(t *testing.T) {
	t.Parallel()

	c := transcript.New()
	vocab := transcript.NewVocabulary([]string{"Zyxwvut"})

	in := "nothing here resembles that name"
	got, corrections := c.Correct(in, vocab)
	if got != in {
		t.Errorf("text changed: %q", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestCorrect_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := transcript.New()

	in := "feldro asked"
	if got, _ := c.Correct(in, transcript.NewVocabulary(nil)); got != in {
		t.Errorf("empty vocabulary changed text: %q", got)
	}
	if got, _ := c.Correct(in, nil); got != in {
		t.Errorf("nil vocabulary changed text: %q", got)
	}
}

func TestNewVocabulary_Dedup(t *testing.T) {
	t.Parallel()

	vocab := transcript.NewVocabulary([]string{"Feldrow", "feldrow", "  ", "Moss"})
	if vocab.Len() != 2 {
		t.Errorf("Len = %d, want 2 (duplicate and blank dropped)", vocab.Len())
	}
}

func TestCorrect_ThresholdOption(t *testing.T) {
	t.Parallel()

	// With an impossible threshold nothing matches.
	c := transcript.New(
		transcript.WithPhoneticThreshold(1.01),
		transcript.WithFuzzyThreshold(1.01),
	)
	vocab := transcript.NewVocabulary([]string{"Feldrow"})

	in := "feldro asked"
	if got, corrections := c.Correct(in, vocab); got != in || len(corrections) != 0 {
		t.Errorf("thresholds ignored: text=%q corrections=%v", got, corrections)
	}
}
