package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/config"
	"github.com/john/chatmux/internal/emotes"
	"github.com/john/chatmux/internal/health"
	"github.com/john/chatmux/internal/hub"
	"github.com/john/chatmux/internal/kick"
	"github.com/john/chatmux/internal/logs"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/metrics"
	"github.com/john/chatmux/internal/recorder"
	"github.com/john/chatmux/internal/uploader"
	"github.com/john/chatmux/internal/youtube"
)

func main() {
	// A missing .env is fine, the real environment still applies
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logs.Fatal("Failed to load config: %v", err)
	}
	if err := logs.Init(cfg.Log); err != nil {
		logs.Fatal("Failed to initialize logging: %v", err)
	}
	log := logs.Logger()
	log.Infof("Chatmux starting with config %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	m := metrics.New()

	var catalog *emotes.Catalog
	if !cfg.Emotes.Disabled {
		catalog = emotes.NewCatalog(emotes.CatalogOptions{
			SevenTVURL: cfg.Emotes.SevenTVURL,
			BTTVURL:    cfg.Emotes.BTTVURL,
			Timeout:    cfg.Emotes.Timeout,
			Log:        log.WithField("component", "emotes"),
			OnFetch:    m.EmoteFetch,
		})
	}

	platforms, err := buildPlatforms(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to configure platforms: %v", err)
	}

	h := hub.New(hub.Options{
		Factory:      platforms,
		Catalog:      catalog,
		Metrics:      m,
		Log:          log.WithField("component", "hub"),
		HistorySize:  cfg.Reconcile.HistorySize,
		EchoWindow:   cfg.Reconcile.EchoWindow,
		DedupWindow:  cfg.Reconcile.DedupWindow,
		FanoutWindow: cfg.Reconcile.FanoutWindow,
	})

	fileChan := make(chan string, 100)
	rec := recorder.New(recorder.Options{
		OutputDir:       cfg.Recorder.OutputDir,
		BufferSize:      cfg.Recorder.BufferSize,
		RotateMinutes:   cfg.Recorder.RotateMinutes,
		RotateMegabytes: cfg.Recorder.RotateMegabytes,
		Log:             log.WithField("component", "recorder"),
	})

	var up *uploader.Uploader
	if cfg.UploadEnabled() {
		if cfg.S3.RoleARN != "" {
			log.Infof("Using OIDC authentication with role: %s", cfg.S3.RoleARN)
		} else {
			log.Warnf("Using static AWS credentials (deprecated). Migrate to OIDC for better security.")
		}
		client, err := uploader.NewS3Client(ctx, uploader.Credentials{
			Region:          cfg.S3.Region,
			RoleARN:         cfg.S3.RoleARN,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
		})
		if err != nil {
			log.Fatalf("Failed to create uploader: %v", err)
		}
		up = uploader.New(client, uploader.Options{
			Bucket:      cfg.S3.Bucket,
			DeleteAfter: *cfg.Uploader.DeleteAfterUpload,
			MaxRetries:  cfg.Uploader.MaxRetries,
			ScanEvery:   time.Duration(cfg.Uploader.CheckIntervalSeconds) * time.Second,
			Skip:        rec.IsOpen,
			OnUpload:    m.Upload,
			Log:         log.WithField("component", "uploader"),
		})
		if err := up.ScanAndUploadExisting(ctx, cfg.Recorder.OutputDir); err != nil {
			log.Warnf("Failed to scan for existing files: %v", err)
		}
	} else {
		log.Infof("S3 bucket not configured, transcripts stay in %s", cfg.Recorder.OutputDir)
	}

	healthServer := health.New(health.Options{
		Addr:    cfg.Health.Addr,
		Hub:     h,
		Metrics: m.Handler(),
		Extra: func() map[string]any {
			return map[string]any{"recorder": rec.Stats()}
		},
		Log: log.WithField("component", "health"),
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Start(ctx, h.Updates(), fileChan); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Recorder error: %v", err)
		}
	}()

	if up != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := up.Start(ctx, cfg.Recorder.OutputDir, fileChan); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Uploader error: %v", err)
			}
		}()
	} else {
		// Nothing consumes finished transcripts
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-fileChan:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil {
			log.Errorf("Health server error: %v", err)
		}
	}()

	openChannels(ctx, h, cfg)
	log.Infof("All components started successfully")

	<-sigChan
	log.Infof("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down health server: %v", err)
	}

	// Disconnect adapters before the recorder flushes
	h.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("All components stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warnf("Shutdown timeout exceeded, forcing exit")
	}
	log.Infof("Chatmux stopped")
}

// buildPlatforms turns the credential sections of cfg into adapter
// constructors
func buildPlatforms(ctx context.Context, cfg *config.Config) (*hub.Platforms, error) {
	p := &hub.Platforms{
		Backoff: adapter.Backoff{Base: cfg.Reconnect.Base, Cap: cfg.Reconnect.Cap},

		TwitchUsername:  cfg.Twitch.Username,
		TwitchOAuth:     cfg.Twitch.OAuth,
		TwitchAnonymous: cfg.Twitch.Anonymous || cfg.Twitch.OAuth == "",
		TwitchURL:       cfg.Twitch.URL,

		KickURL:   cfg.Kick.GatewayURL,
		KickRelay: cfg.Kick.Relay,
	}

	site := kick.NewHTTPResolver()
	if cfg.Kick.SiteURL != "" {
		site.BaseURL = cfg.Kick.SiteURL
	}
	pinned := make(map[string]kick.Channel, len(cfg.Kick.Chatrooms))
	for slug, id := range cfg.Kick.Chatrooms {
		pinned[slug] = kick.Channel{Slug: slug, ChatroomID: id}
	}
	p.KickResolver = kick.StaticResolver{Channels: pinned, Fallback: site}
	p.KickAPI = kick.NewAPIClient(kick.APIOptions{
		Token:    cfg.Kick.Token,
		APIURL:   cfg.Kick.APIURL,
		Fallback: p.KickResolver,
	})

	if len(cfg.YouTube.Videos) > 0 {
		t, err := youtube.NewAPITransport(ctx, youtube.TransportOptions{
			APIKey:   cfg.YouTube.APIKey,
			Token:    cfg.YouTube.Token,
			Endpoint: cfg.YouTube.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		p.YouTube = t
		p.YouTubeAuthenticated = cfg.YouTube.Token != ""
	}
	return p, nil
}

// openChannels connects every configured channel. Failures are logged and
// leave the channel closed; it can be reopened over the control API.
func openChannels(ctx context.Context, h *hub.Hub, cfg *config.Config) {
	type target struct {
		platform message.Platform
		names    []string
	}
	targets := []target{
		{message.Twitch, cfg.Twitch.Channels},
		{message.Kick, cfg.Kick.Channels},
		{message.YouTube, cfg.YouTube.Videos},
	}
	for _, t := range targets {
		if len(t.names) == 0 {
			continue
		}
		logs.Info("Monitoring %d %s channel(s): %v", len(t.names), t.platform, t.names)
		for _, name := range t.names {
			openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := h.Open(openCtx, t.platform, name); err != nil {
				logs.Error("Failed to open %s/%s: %v", t.platform, name, err)
			}
			cancel()
		}
	}
}
