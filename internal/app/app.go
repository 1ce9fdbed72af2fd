// Package app assembles the engram service from its parts: durable stores,
// model providers behind the gateway, the MCP tool host, the request queue
// and its worker, the ingestion pipeline, voice capture, and the Discord
// adapter, plus the HTTP sidecar for health and metrics.
//
// Construction happens in [New]; nothing network-facing starts until [Run].
// [Shutdown] tears the service down in dependency order under one deadline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feldrow/engram/internal/agent"
	"github.com/feldrow/engram/internal/config"
	"github.com/feldrow/engram/internal/discord"
	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/gateway"
	"github.com/feldrow/engram/internal/health"
	"github.com/feldrow/engram/internal/ingest"
	"github.com/feldrow/engram/internal/mcp"
	"github.com/feldrow/engram/internal/mcp/mcphost"
	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/queue"
	"github.com/feldrow/engram/internal/resilience"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/internal/transcript"
	"github.com/feldrow/engram/internal/voice"
	"github.com/feldrow/engram/pkg/store/postgres"
)

// Version is the build version stamped in at link time.
var Version = "dev"

// readHeaderTimeout bounds request header reads on the sidecar listener.
const readHeaderTimeout = 5 * time.Second

// App is the assembled engram service.
type App struct {
	cfg *config.Config
	log *slog.Logger

	telemetryShutdown func(context.Context) error

	store     *postgres.Store
	registry  *serverconfig.Registry
	gw        *gateway.Gateway
	host      mcp.Host
	queue     *queue.Queue
	worker    *queue.Worker
	voice     *voice.Manager
	stats     *ingest.Stats
	scanner   *ingest.Scanner
	bot       *discord.Bot
	dashboard *discord.Dashboard
	httpSrv   *http.Server

	workerCancel context.CancelFunc
}

// New builds the whole service from cfg. It connects to PostgreSQL and runs
// migrations, but does not open the Discord gateway or the HTTP listener;
// call [App.Run] for that. On error the partially built app is cleaned up.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.telemetryShutdown = telemetryShutdown
	metrics := observe.DefaultMetrics()

	log.Info("connecting to postgres")
	a.store, err = postgres.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: open store: %w", err), a.closePartial(ctx))
	}

	scStore := serverconfig.NewPostgresStore(a.store.Pool())
	if err := scStore.Migrate(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: migrate server config: %w", err), a.closePartial(ctx))
	}
	a.registry = serverconfig.NewRegistry(scStore, &serverconfig.StaticProvisioner{
		AutoConfigure:    cfg.Setup.AutoConfigure,
		Policy:           serverconfig.ErrorPolicy(cfg.Setup.ErrorPolicy),
		EmbeddingModelID: cfg.Setup.EmbeddingModel,
	}, log)
	n, err := a.registry.LoadAll(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: load server configs: %w", err), a.closePartial(ctx))
	}
	log.Info("server configurations loaded", "servers", n)

	providers := config.NewRegistry()
	registerProviders(providers, cfg)

	if err := a.buildGateway(metrics, providers); err != nil {
		return nil, errors.Join(err, a.closePartial(ctx))
	}

	a.host = mcphost.New()
	for _, srv := range cfg.MCP.Servers {
		err := a.host.RegisterServer(ctx, mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			// External tools are additive; a dead server must not block boot.
			log.Error("mcp server unavailable", "name", srv.Name, "error", err)
			continue
		}
		log.Info("mcp server connected", "name", srv.Name, "transport", string(srv.Transport))
	}

	runner := agent.New(a.gw, a.host, a.store.Vectors(), a.registry,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxExecutionTime(time.Duration(cfg.Agent.MaxExecutionTimeSec)*time.Second),
		agent.WithMaxResponseChars(cfg.Agent.MaxResponseLength),
		agent.WithMetrics(metrics),
		agent.WithLogger(log),
	)

	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: discord session: %w", err), a.closePartial(ctx))
	}
	notifier := discord.NewNotifier(session, log)
	resolver := discord.NewResolver(session, log)

	a.queue = queue.New(
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithNotifier(notifier),
		queue.WithMetrics(metrics),
	)

	extractOpts := []extract.Option{
		extract.WithSummaryTokens(cfg.Ingest.LinkSummaryMaxTokens),
		extract.WithMaxFetchBytes(cfg.Ingest.ImageMaxBytes),
		extract.WithFetchTimeout(time.Duration(cfg.Ingest.ImageTimeoutSec) * time.Second),
		extract.WithLogger(log),
	}
	if cfg.Models.Vision.Name != "" {
		extractOpts = append(extractOpts, extract.WithCaptioner(a.gw))
	}
	extractor := extract.New(a.gw, extractOpts...)

	a.stats = ingest.NewStats()
	pipeline := ingest.New(a.registry, a.store.Vectors(), a.gw, extractor,
		ingest.WithResolver(resolver),
		ingest.WithStats(a.stats),
		ingest.WithMetrics(metrics),
		ingest.WithLogger(log),
	)
	a.scanner = ingest.NewScanner(pipeline, discord.NewHistory(session),
		ingest.WithPageSize(cfg.Ingest.BackfillPageSize))

	router := discord.NewRouter(cfg.Discord.CommandPrefix, session, log)
	commands := discord.NewCommands(discord.CommandsConfig{
		Session:       session,
		Queue:         a.queue,
		Registry:      a.registry,
		Conversations: a.store.Conversations(),
		Vectors:       a.store.Vectors(),
		Stats:         a.stats,
		Prefix:        cfg.Discord.CommandPrefix,
		VoiceEnabled:  cfg.Voice.Enabled,
		HistoryLimit:  cfg.Agent.MaxContextMessages,
		Logger:        log,
	})
	commands.Register(router)

	a.bot = discord.NewBot(session, router, pipeline, a.registry, log)

	if cfg.Voice.Enabled {
		if err := a.buildVoice(metrics, providers, session, notifier, resolver); err != nil {
			return nil, errors.Join(err, a.closePartial(ctx))
		}
	}

	workerOpts := []queue.WorkerOption{
		queue.WithWorkerTimeout(time.Duration(cfg.Queue.WorkerTimeoutSec) * time.Second),
		queue.WithWorkerMetrics(metrics),
		queue.WithWorkerLogger(log),
	}
	if a.voice != nil {
		workerOpts = append(workerOpts, queue.WithVoice(a.voice))
	}
	a.worker = queue.NewWorker(a.queue, runner, a.store.Conversations(), notifier, workerOpts...)

	if cfg.Discord.DashboardChannelID != "" {
		var counter discord.VoiceCounter
		if a.voice != nil {
			counter = a.voice
		}
		a.dashboard = discord.NewDashboard(session, cfg.Discord.DashboardChannelID,
			a.queue, a.stats, counter, a.registry, log)
	}

	a.httpSrv = a.buildHTTPServer(metrics)
	return a, nil
}

// buildGateway constructs the model gateway: the chat provider behind a
// circuit breaker, plus vision, every configured embedder, and STT when
// voice is on.
func (a *App) buildGateway(metrics *observe.Metrics, providers *config.Registry) error {
	cfg := a.cfg
	fallbackCfg := resilience.FallbackConfig{}

	chat, err := providers.CreateLLM(cfg.Models.Text)
	if err != nil {
		return fmt.Errorf("app: text model: %w", err)
	}
	chatFB := resilience.NewLLMFallback(chat, cfg.Models.Text.Name, fallbackCfg)

	opts := []gateway.Option{
		gateway.WithTemperature(cfg.Models.Temperature),
		gateway.WithKeepAlive(cfg.Models.KeepAlive),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(a.log),
	}

	if cfg.Models.Vision.Name != "" {
		captioner, err := providers.CreateVision(cfg.Models.Vision)
		if err != nil {
			return fmt.Errorf("app: vision model: %w", err)
		}
		opts = append(opts, gateway.WithVision(captioner))
	}

	for _, entry := range cfg.Models.Embeddings {
		emb, err := providers.CreateEmbeddings(entry)
		if err != nil {
			return fmt.Errorf("app: embedding model %q: %w", entry.ID, err)
		}
		embFB := resilience.NewEmbeddingsFallback(emb, entry.Name, fallbackCfg)
		opts = append(opts, gateway.WithEmbedder(entry.ID, embFB))
	}

	if cfg.Voice.Enabled {
		transcriber, err := providers.CreateSTT(config.ProviderEntry{
			Name:  "whisper",
			Model: cfg.Voice.Whisper.ModelPath,
		})
		if err != nil {
			return fmt.Errorf("app: whisper model: %w", err)
		}
		sttFB := resilience.NewSTTFallback(transcriber, "whisper", fallbackCfg)
		if entry := cfg.Voice.Deepgram; entry.Name != "" {
			fallback, err := providers.CreateSTT(entry)
			if err != nil {
				return fmt.Errorf("app: stt fallback %q: %w", entry.Name, err)
			}
			sttFB.AddFallback(entry.Name, fallback)
		}
		opts = append(opts, gateway.WithSTT(sttFB))
	}

	a.gw = gateway.New(chatFB, opts...)
	return nil
}

// buildVoice constructs the voice capture manager and its VAD engine.
func (a *App) buildVoice(metrics *observe.Metrics, providers *config.Registry, session discord.Session, notifier *discord.Notifier, resolver *discord.Resolver) error {
	cfg := a.cfg

	vadEngine, err := providers.CreateVAD(config.ProviderEntry{
		Name:  "silero",
		Model: cfg.Voice.VADModelPath,
	})
	if err != nil {
		return fmt.Errorf("app: vad engine: %w", err)
	}

	a.voice = voice.NewManager(
		discord.NewChannelManager(session),
		a.bot.Connector(),
		a.store.Voice(),
		a.queue,
		vadEngine,
		a.gw,
		voice.WithAloneTimeout(time.Duration(cfg.Voice.AloneTimeoutSec)*time.Second),
		voice.WithSilenceDuration(time.Duration(cfg.Voice.SilenceDurationMs)*time.Millisecond),
		voice.WithCorrector(transcript.New(), resolver),
		voice.WithResponder(notifier),
		voice.WithMetrics(metrics),
		voice.WithLogger(a.log),
	)
	return nil
}

// buildHTTPServer wires the health and metrics sidecar.
func (a *App) buildHTTPServer(metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "postgres", Check: func(ctx context.Context) error {
			return a.store.Pool().Ping(ctx)
		}},
		health.Checker{Name: "gateway", Check: a.gw.CheckReady},
	).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Run starts everything: the worker, model pre-warming, the Discord gateway,
// the history backfill, the dashboard, and the HTTP sidecar. It blocks until
// ctx is cancelled or the HTTP listener fails; call [App.Shutdown] after.
func (a *App) Run(ctx context.Context) error {
	// The worker outlives ctx so in-flight requests can drain during
	// shutdown. Shutdown stops intake via Worker.Stop and cancels this
	// context only if the drain budget expires.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	a.workerCancel = workerCancel
	a.worker.Start(workerCtx)

	a.gw.StartWarm(ctx)

	if a.voice != nil {
		if err := a.voice.ReapOrphans(ctx); err != nil {
			a.log.Error("orphaned voice session reaping failed", "error", err)
		}
	}

	if err := a.bot.Open(ctx); err != nil {
		return fmt.Errorf("app: open discord gateway: %w", err)
	}
	a.log.Info("discord gateway open")

	go func() {
		if err := a.scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("history backfill aborted", "error", err)
		}
	}()

	if a.dashboard != nil {
		a.dashboard.Start()
	}

	httpErr := make(chan error, 1)
	go func() {
		a.log.Info("http sidecar listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-httpErr:
		return fmt.Errorf("app: http sidecar: %w", err)
	}
}

// Shutdown tears the service down in order: stop intake, drain in-flight
// work, clean up voice sessions, unload models, then close stores. Each step
// runs only while ctx still has budget; over-budget steps are logged and
// skipped. Stores are always closed.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func() error) {
		if ctx.Err() != nil {
			a.log.Warn("shutdown budget exhausted, skipping", "step", name)
			return
		}
		if err := fn(); err != nil {
			a.log.Error("shutdown step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("app: shutdown %s: %w", name, err))
		}
	}

	// 1. Stop accepting new work.
	if a.dashboard != nil {
		a.dashboard.Stop()
	}
	step("discord", a.bot.Close)
	step("http", func() error { return a.httpSrv.Shutdown(ctx) })

	// 2. Drain in-flight requests.
	step("drain", a.drainWorker(ctx))

	// 3. Voice cleanup, including pending channel deletions.
	if a.voice != nil {
		step("voice", func() error {
			a.voice.EndAll(ctx)
			return nil
		})
	}

	// 4. Unload models.
	step("models", func() error {
		a.gw.Unload(ctx)
		return nil
	})
	step("mcp", a.host.Close)

	// 5. Close store handles and flush telemetry.
	step("telemetry", func() error { return a.telemetryShutdown(ctx) })
	a.store.Close()

	return errors.Join(errs...)
}

// drainWorker stops queue intake and waits for the in-flight request to
// finish, bounded by ctx. Only when the budget expires is the worker context
// cancelled, aborting the dispatch; the user then sees the timeout surface.
func (a *App) drainWorker(ctx context.Context) func() error {
	return func() error {
		if a.workerCancel == nil {
			return nil
		}
		defer a.workerCancel()
		a.worker.Stop()
		done := make(chan struct{})
		go func() {
			a.worker.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.New("worker did not drain in time")
		}
	}
}

// closePartial releases whatever New managed to build before failing.
func (a *App) closePartial(ctx context.Context) error {
	var errs []error
	if a.host != nil {
		errs = append(errs, a.host.Close())
	}
	if a.telemetryShutdown != nil {
		errs = append(errs, a.telemetryShutdown(ctx))
	}
	if a.store != nil {
		a.store.Close()
	}
	return errors.Join(errs...)
}
