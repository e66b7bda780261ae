package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"genstudio/internal/chatter"
	"genstudio/internal/events"
	"genstudio/internal/http/handlers"
	httpapi "genstudio/internal/http/httpapi"
	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/infra/geoip"
	"genstudio/internal/jobs"
	"genstudio/internal/ledger"
	"genstudio/internal/middleware"
	"genstudio/internal/pipeline"
	"genstudio/internal/providers/media"
	"genstudio/internal/providers/prompt"
	"genstudio/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	runner := infra.NewSQLRunner(dbpool, logger)
	creds := credentials.NewStore(runner)

	ledgerSvc := ledger.NewService(ledger.NewPGStore(runner), ledger.Options{
		GraceDays: cfg.CreditGraceDays,
		Logger:    &logger,
	})
	jobStore := jobs.NewPGStore(runner)

	hubOpts := events.Options{Retain: 2 * time.Minute, Logger: &logger}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(events.KafkaSinkConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure kafka sink")
		}
		defer sink.Close()
		hubOpts.Sink = sink
	}
	hub := events.NewHub(hubOpts)

	mediaKey, err := creds.Resolve(ctx, credentials.ProviderMedia, cfg.MediaAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load media api key")
	}
	mediaClient := media.NewHTTPClient(media.Options{
		APIKey:         mediaKey,
		BaseURL:        cfg.MediaBaseURL,
		Logger:         &logger,
		RequestTimeout: cfg.MediaCallTimeout,
	})
	if !mediaClient.HasCredentials() {
		logger.Warn().Msg("media api key missing; generations will fail at the provider")
	}

	completer, err := newCompleter(ctx, cfg, creds, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure prompt completer")
	}

	persister, err := newPersister(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	orch := pipeline.New(pipeline.Options{
		Ledger:        ledgerSvc,
		Jobs:          jobStore,
		Hub:           hub,
		Chatter:       chatter.New(hub, jobStore, chatter.Options{Interval: cfg.ChatterInterval, Logger: &logger}),
		Media:         media.NewRunner(mediaClient, media.RunnerOptions{Logger: &logger}),
		Synthesizer:   prompt.NewSynthesizer(completer, prompt.SynthesizerOptions{Timeout: cfg.PromptTimeout, Logger: &logger}),
		Storage:       persister,
		StoragePrefix: cfg.S3Prefix,
		Flows:         newFlows(cfg),
		Features:      pipeline.Features{Video: cfg.FeatureVideo, Reference: cfg.FeatureReference},
		Logger:        &logger,
	})

	var lookup middleware.CountryLookup
	countries, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if countries != nil {
		lookup = countries.CountryCode
	}

	app := &handlers.App{
		Generations: orch,
		Credits:     ledgerSvc,
		Streams:     hub,
		Jobs:        jobStore,
		DB:          dbpool,
		Logger:      logger,
		Keepalive:   cfg.SSEKeepalive,
	}
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		Logger:          logger,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   "en",
		CountryLookup:   lookup,
	})
	if cfg.StorageDriver == "file" {
		router = withStatic(router, cfg.StoragePath)
	}

	server := infra.NewHTTPServer(cfg, router)
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", server.Addr()).Msg("API listening")
	if err := server.Run(runCtx, cfg.HTTPIdleTimeout); err != nil {
		logger.Error().Err(err).Msg("http server stopped with error")
	}

	// In-flight jobs finish on their own deadlines; the reaper picks up
	// whatever a hard kill leaves behind.
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.MediaDeadline + time.Minute):
		logger.Warn().Msg("gave up waiting for running generations")
	}
	logger.Info().Msg("server stopped")
}

func newFlows(cfg *infra.Config) pipeline.Flows {
	base := media.Descriptor{
		CallTimeout:     cfg.MediaCallTimeout,
		PollInterval:    cfg.MediaPollInterval,
		Deadline:        cfg.MediaDeadline,
		CancelOnTimeout: cfg.MediaCancelOnTimeout,
	}
	flow := func(name, model, strip string) media.Descriptor {
		d := base
		d.Name = name
		d.Model = model
		d.StripField = strip
		return d
	}
	return pipeline.Flows{
		StillMain:  flow("still-main", cfg.MediaModelStillMain, "style_image"),
		StillNiche: flow("still-niche", cfg.MediaModelStillNiche, "style_image"),
		Video:      flow("video", cfg.MediaModelVideo, "negative_prompt"),
		Reference:  flow("video-reference", cfg.MediaModelReference, "negative_prompt"),
	}
}

// newCompleter orders the configured language models by PROMPT_PROVIDER and
// falls back to the static completer when no key is available.
func newCompleter(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger zerolog.Logger) (prompt.Completer, error) {
	openAIKey, err := creds.Resolve(ctx, credentials.ProviderOpenAI, cfg.OpenAIAPIKey)
	if err != nil {
		return nil, err
	}
	geminiKey, err := creds.Resolve(ctx, credentials.ProviderGemini, cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	var available []prompt.Completer
	add := func(c prompt.Completer, err error) error {
		if err != nil {
			return err
		}
		available = append(available, c)
		return nil
	}
	openAI := func() error {
		if openAIKey == "" {
			return nil
		}
		return add(prompt.NewOpenAICompleter(prompt.OpenAIOptions{
			APIKey:       openAIKey,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			OnWarning: func(reason, detail string) {
				logger.Warn().Str("reason", reason).Str("detail", detail).Msg("openai completion warning")
			},
		}))
	}
	gemini := func() error {
		if geminiKey == "" {
			return nil
		}
		return add(prompt.NewGeminiCompleter(prompt.GeminiOptions{
			APIKey:  geminiKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		}))
	}
	order := []func() error{openAI, gemini}
	if cfg.PromptProvider == "gemini" {
		order = []func() error{gemini, openAI}
	}
	for _, build := range order {
		if err := build(); err != nil {
			return nil, err
		}
	}

	switch len(available) {
	case 0:
		logger.Warn().Msg("no language model key configured; prompts echo the brief")
		return prompt.StaticCompleter{}, nil
	case 1:
		return available[0], nil
	default:
		return &prompt.FallbackCompleter{
			Primary:   available[0],
			Secondary: available[1],
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("prompt completer fell back")
			},
		}, nil
	}
}

func newPersister(ctx context.Context, cfg *infra.Config) (storage.Persister, error) {
	switch cfg.StorageDriver {
	case "none":
		return nil, nil
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{Bucket: cfg.S3Bucket, PublicBaseURL: cfg.S3PublicBaseURL})
	default:
		return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL, nil)
	}
}

// withStatic serves the file store under /static next to the API.
func withStatic(api http.Handler, root string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(root))))
	mux.Handle("/", api)
	return mux
}
