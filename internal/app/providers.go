package app

import (
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/feldrow/engram/internal/config"
	"github.com/feldrow/engram/pkg/provider/embeddings"
	embollama "github.com/feldrow/engram/pkg/provider/embeddings/ollama"
	embopenai "github.com/feldrow/engram/pkg/provider/embeddings/openai"
	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/provider/llm/anyllm"
	llmollama "github.com/feldrow/engram/pkg/provider/llm/ollama"
	llmopenai "github.com/feldrow/engram/pkg/provider/llm/openai"
	"github.com/feldrow/engram/pkg/provider/stt"
	"github.com/feldrow/engram/pkg/provider/stt/deepgram"
	"github.com/feldrow/engram/pkg/provider/stt/whisper"
	"github.com/feldrow/engram/pkg/provider/vad"
	"github.com/feldrow/engram/pkg/provider/vad/silero"
	"github.com/feldrow/engram/pkg/provider/vision"
	visionollama "github.com/feldrow/engram/pkg/provider/vision/ollama"
)

// anyLLMBackends are the chat backends reached through any-llm-go rather
// than a dedicated provider package.
var anyLLMBackends = []string{
	"anthropic", "gemini", "groq", "mistral", "deepseek", "llamacpp", "llamafile",
}

// registerProviders fills the provider registry with every backend the
// configuration can name. Factories are cheap closures; nothing connects
// until Create* is called for an entry the config actually uses.
func registerProviders(reg *config.Registry, cfg *config.Config) {
	keepAlive := cfg.Models.KeepAlive

	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return llmollama.New(e.BaseURL, e.Model, llmollama.WithKeepAlive(keepAlive))
	})
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	reg.RegisterVision("ollama", func(e config.ProviderEntry) (vision.Captioner, error) {
		return visionollama.New(e.BaseURL, e.Model, visionollama.WithKeepAlive(keepAlive))
	})

	reg.RegisterEmbeddings("ollama", func(e config.EmbeddingEntry) (embeddings.Provider, error) {
		return embollama.New(e.BaseURL, e.Model,
			embollama.WithDimensions(e.Dimensions),
			embollama.WithKeepAlive(keepAlive),
		)
	})
	reg.RegisterEmbeddings("openai", func(e config.EmbeddingEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})

	// For local STT the entry's Model field carries the ggml model path.
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return whisper.New(e.Model)
	})
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if kw := keywordBoosts(e.Options); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	// The VAD entry's Model field carries the Silero ONNX model path.
	reg.RegisterVAD("silero", func(e config.ProviderEntry) (vad.Engine, error) {
		return silero.New(e.Model)
	})
}

// keywordBoosts reads an optional "keywords" list from a provider entry's
// options block. Entries are plain strings; boost intensity is left to the
// service default.
func keywordBoosts(options map[string]any) []deepgram.Keyword {
	raw, ok := options["keywords"].([]any)
	if !ok {
		return nil
	}
	kw := make([]deepgram.Keyword, 0, len(raw))
	for _, v := range raw {
		if word, ok := v.(string); ok && word != "" {
			kw = append(kw, deepgram.Keyword{Word: word})
		}
	}
	return kw
}
