package resilience

import (
	"context"
	"testing"

	embmock "github.com/feldrow/engram/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallback_FailoverToSecondary(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errTest, DimensionsValue: 4, ModelIDValue: "nomic-embed-text"}
	secondary := &embmock.Provider{EmbedResult: []float32{1, 2, 3, 4}, DimensionsValue: 4}

	f := NewEmbeddingsFallback(primary, "ollama-a", FallbackConfig{})
	f.AddFallback("ollama-b", secondary)

	vec, err := f.Embed(context.Background(), "some message")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("vector length = %d, want 4", len(vec))
	}
	if len(primary.EmbedTexts) != 1 || len(secondary.EmbedTexts) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.EmbedTexts), len(secondary.EmbedTexts))
	}

	// Static metadata always comes from the primary.
	if f.Dimensions() != 4 {
		t.Errorf("Dimensions = %d, want 4", f.Dimensions())
	}
	if f.ModelID() != "nomic-embed-text" {
		t.Errorf("ModelID = %q, want nomic-embed-text", f.ModelID())
	}
}

func TestEmbeddingsFallback_Batch(t *testing.T) {
	primary := &embmock.Provider{
		EmbedBatchResult: [][]float32{{1}, {2}},
		DimensionsValue:  1,
	}

	f := NewEmbeddingsFallback(primary, "ollama", FallbackConfig{})

	vecs, err := f.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("batch length = %d, want 2", len(vecs))
	}
}
