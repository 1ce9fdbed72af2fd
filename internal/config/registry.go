package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/feldrow/engram/pkg/audio"
	"github.com/feldrow/engram/pkg/provider/embeddings"
	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/provider/stt"
	"github.com/feldrow/engram/pkg/provider/vad"
	"github.com/feldrow/engram/pkg/provider/vision"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	vision     map[string]func(ProviderEntry) (vision.Captioner, error)
	embeddings map[string]func(EmbeddingEntry) (embeddings.Provider, error)
	stt        map[string]func(ProviderEntry) (stt.Transcriber, error)
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	audio      map[string]func(ProviderEntry) (audio.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		vision:     make(map[string]func(ProviderEntry) (vision.Captioner, error)),
		embeddings: make(map[string]func(EmbeddingEntry) (embeddings.Provider, error)),
		stt:        make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		audio:      make(map[string]func(ProviderEntry) (audio.Platform, error)),
	}
}

// RegisterLLM registers a chat-model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterVision registers a vision captioner factory under name.
func (r *Registry) RegisterVision(name string, factory func(ProviderEntry) (vision.Captioner, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vision[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSTT registers a speech-to-text transcriber factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers an audio platform factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLLM instantiates a chat provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVision instantiates a vision captioner using the factory registered under entry.Name.
func (r *Registry) CreateVision(entry ProviderEntry) (vision.Captioner, error) {
	r.mu.RLock()
	factory, ok := r.vision[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vision/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry EmbeddingEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates a transcriber using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates an audio platform using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// EmbeddingEntryByID returns the embeddings entry with the given ID from cfg,
// or an error listing the known IDs.
func EmbeddingEntryByID(cfg *Config, id string) (EmbeddingEntry, error) {
	for _, e := range cfg.Models.Embeddings {
		if e.ID == id {
			return e, nil
		}
	}
	ids := make([]string, 0, len(cfg.Models.Embeddings))
	for _, e := range cfg.Models.Embeddings {
		ids = append(ids, e.ID)
	}
	return EmbeddingEntry{}, fmt.Errorf("config: unknown embedding model %q (known: %v)", id, ids)
}
