package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/feldrow/engram/internal/mcp"
	"github.com/feldrow/engram/internal/serverconfig"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "ollama", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vision":     {"ollama"},
	"embeddings": {"openai", "ollama"},
	"stt":        {"whisper", "deepgram"},
	"vad":        {"silero"},
	"audio":      {"discord"},
}

var (
	validWhisperDevices      = []string{"", "auto", "cpu", "cuda"}
	validWhisperComputeTypes = []string{"", "default", "int8", "float16", "float32"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Discord.CommandPrefix == "" {
		cfg.Discord.CommandPrefix = DefaultCommandPrefix
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Models.KeepAlive == "" {
		cfg.Models.KeepAlive = DefaultKeepAlive
	}
	if cfg.Agent.MaxResponseLength == 0 {
		cfg.Agent.MaxResponseLength = DefaultMaxResponseLength
	}
	if cfg.Agent.MaxContextMessages == 0 {
		cfg.Agent.MaxContextMessages = DefaultMaxContextMessages
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = DefaultMaxIterations
	}
	if cfg.Agent.MaxExecutionTimeSec == 0 {
		cfg.Agent.MaxExecutionTimeSec = DefaultMaxExecutionSec
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = DefaultQueueCapacity
	}
	if cfg.Queue.WorkerTimeoutSec == 0 {
		cfg.Queue.WorkerTimeoutSec = DefaultWorkerTimeoutSec
	}
	if cfg.Voice.AloneTimeoutSec == 0 {
		cfg.Voice.AloneTimeoutSec = DefaultAloneTimeoutSec
	}
	if cfg.Voice.SilenceDurationMs == 0 {
		cfg.Voice.SilenceDurationMs = DefaultSilenceDurationMs
	}
	if cfg.Ingest.LinkSummaryMaxTokens == 0 {
		cfg.Ingest.LinkSummaryMaxTokens = DefaultLinkSummaryTokens
	}
	if cfg.Ingest.ImageMaxBytes == 0 {
		cfg.Ingest.ImageMaxBytes = DefaultImageMaxBytes
	}
	if cfg.Ingest.ImageTimeoutSec == 0 {
		cfg.Ingest.ImageTimeoutSec = DefaultImageTimeoutSec
	}
	if cfg.Ingest.BackfillPageSize == 0 {
		cfg.Ingest.BackfillPageSize = DefaultBackfillPageSize
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all hard validation failures found; soft
// issues are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Required settings
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Models.Text.Name)
	validateProviderName("vision", cfg.Models.Vision.Name)
	for _, e := range cfg.Models.Embeddings {
		validateProviderName("embeddings", e.Name)
	}

	if cfg.Models.Text.Name == "" {
		errs = append(errs, errors.New("models.text is required; the agent cannot answer without a chat model"))
	}
	if cfg.Models.Vision.Name == "" {
		slog.Warn("models.vision is not configured; image attachments will not be captioned")
	}
	if cfg.Models.Temperature < 0 || cfg.Models.Temperature > 2 {
		errs = append(errs, fmt.Errorf("models.temperature %.2f is out of range [0, 2]", cfg.Models.Temperature))
	}

	// Embedding entries
	embeddingIDs := make(map[string]int, len(cfg.Models.Embeddings))
	for i, e := range cfg.Models.Embeddings {
		prefix := fmt.Sprintf("models.embeddings[%d]", i)
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := embeddingIDs[e.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models.embeddings[%d]", prefix, e.ID, prev))
			}
			embeddingIDs[e.ID] = i
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if e.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("%s.dimensions must be positive", prefix))
		}
	}

	// Bounds
	if cfg.Agent.MaxResponseLength < 0 || cfg.Agent.MaxContextMessages < 0 ||
		cfg.Agent.MaxIterations < 0 || cfg.Agent.MaxExecutionTimeSec < 0 {
		errs = append(errs, errors.New("agent bounds must not be negative"))
	}
	if cfg.Queue.Capacity < 0 || cfg.Queue.WorkerTimeoutSec < 0 {
		errs = append(errs, errors.New("queue bounds must not be negative"))
	}

	// Voice / STT
	if cfg.Voice.Enabled {
		if cfg.Voice.Whisper.ModelPath == "" {
			errs = append(errs, errors.New("voice.whisper.model_path is required when voice is enabled"))
		}
		if cfg.Voice.VADModelPath == "" {
			errs = append(errs, errors.New("voice.vad_model_path is required when voice is enabled"))
		}
		if !slices.Contains(validWhisperDevices, cfg.Voice.Whisper.Device) {
			errs = append(errs, fmt.Errorf("voice.whisper.device %q is invalid; valid values: auto, cpu, cuda", cfg.Voice.Whisper.Device))
		}
		if !slices.Contains(validWhisperComputeTypes, cfg.Voice.Whisper.ComputeType) {
			errs = append(errs, fmt.Errorf("voice.whisper.compute_type %q is invalid; valid values: default, int8, float16, float32", cfg.Voice.Whisper.ComputeType))
		}
		if cfg.Voice.Whisper.Device == "cpu" {
			slog.Warn("whisper is configured for CPU-only inference; transcription latency will be high")
		}
		if name := cfg.Voice.Deepgram.Name; name != "" {
			validateProviderName("stt", name)
			if cfg.Voice.Deepgram.APIKey == "" {
				errs = append(errs, errors.New("voice.deepgram.api_key is required when a deepgram fallback is configured"))
			}
		}
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Provisioning
	if cfg.Setup.AutoConfigure {
		if !serverconfig.ErrorPolicy(cfg.Setup.ErrorPolicy).Valid() {
			errs = append(errs, fmt.Errorf("setup.error_policy %q is invalid; valid values: skip, stop", cfg.Setup.ErrorPolicy))
		}
		if cfg.Setup.EmbeddingModel == "" {
			errs = append(errs, errors.New("setup.embedding_model is required when setup.auto_configure is enabled"))
		} else if _, ok := embeddingIDs[cfg.Setup.EmbeddingModel]; !ok {
			errs = append(errs, fmt.Errorf("setup.embedding_model %q does not match any models.embeddings entry", cfg.Setup.EmbeddingModel))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
