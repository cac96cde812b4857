package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"buffer-orchestrator/internal/abr"
	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/manifest/dash"
	"buffer-orchestrator/internal/platform/config"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/playback"
	"buffer-orchestrator/internal/session"
	"buffer-orchestrator/internal/sink"
	"buffer-orchestrator/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	manifestURL := config.GetEnv("MANIFEST_URL", "")
	manifestFile := config.GetEnv("MANIFEST_FILE", "")

	log := logger.New(logLevel, logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: config.GetEnvDuration("FETCH_TIMEOUT", 30*time.Second)}
	content, err := loadManifest(ctx, client, manifestURL, manifestFile)
	if err != nil {
		log.Error("load manifest", "error", err)
		os.Exit(1)
	}
	log.Info("manifest loaded",
		"manifest_id", content.ID,
		"periods", len(content.Periods),
		"duration", content.MaximumPosition()-content.MinimumPosition(),
	)

	met := metrics.New()
	repo := session.NewInMemoryRepository()
	svc := session.NewService(repo)
	h := session.NewHandler(svc, log)

	sess := session.New(sessionConfig(content, client, log, met), repo, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := svc.Run(gctx, sess); err != nil {
			return fmt.Errorf("session %s: %w", sess.ID, err)
		}
		log.Info("playback finished, status stays available until shutdown", "session_id", string(sess.ID))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("server starting",
		"port", port,
		"session_id", string(sess.ID),
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// sessionConfig maps the environment onto the session settings.
func sessionConfig(content *manifest.Manifest, client *http.Client, log *slog.Logger, met *metrics.Metrics) session.Config {
	opts := stream.DefaultOptions()
	opts.BufferGoalRatioStep = config.GetEnvFloat("BUFFER_GOAL_RATIO_STEP", opts.BufferGoalRatioStep)
	opts.MinimumBufferGoal = config.GetEnvFloat("BUFFER_MINIMUM_GOAL", opts.MinimumBufferGoal)
	opts.BitrateRebufferingRatio = config.GetEnvFloat("BUFFER_BITRATE_REBUFFERING_RATIO", opts.BitrateRebufferingRatio)
	opts.EnableFastSwitching = config.GetEnvBool("BUFFER_FAST_SWITCHING", opts.EnableFastSwitching)
	opts.ManualBitrateSwitchingMode = switchingMode("BUFFER_MANUAL_SWITCHING_MODE", opts.ManualBitrateSwitchingMode)
	opts.AudioTrackSwitchingMode = switchingMode("BUFFER_AUDIO_SWITCHING_MODE", opts.AudioTrackSwitchingMode)

	goals := stream.NewBufferGoals(
		config.GetEnvFloat("BUFFER_WANTED_AHEAD", 30),
		config.GetEnvFloat("BUFFER_MAX_AHEAD", math.Inf(1)),
		config.GetEnvFloat("BUFFER_MAX_BEHIND", math.Inf(1)),
	)

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.MaxConcurrent = config.GetEnvInt("FETCH_MAX_CONCURRENT", fetchCfg.MaxConcurrent)
	fetchCfg.MaxRetry = config.GetEnvInt("FETCH_MAX_RETRY", fetchCfg.MaxRetry)
	fetchCfg.RequestsPerSecond = config.GetEnvFloat("FETCH_REQUESTS_PER_SECOND", fetchCfg.RequestsPerSecond)
	fetchCfg.Timeout = client.Timeout

	abrCfg := abr.DefaultConfig()
	abrCfg.InitialBitrate = config.GetEnvFloat("ABR_INITIAL_BITRATE", abrCfg.InitialBitrate)
	abrCfg.SafetyFactor = config.GetEnvFloat("ABR_SAFETY_FACTOR", abrCfg.SafetyFactor)

	pb := playback.DefaultConfig()
	pb.Interval = config.GetEnvDuration("PLAYBACK_TICK_INTERVAL", pb.Interval)
	pb.StartPosition = config.GetEnvFloat("PLAYBACK_START", content.MinimumPosition())
	pb.AutoPlay = config.GetEnvBool("PLAYBACK_AUTOPLAY", pb.AutoPlay)
	pb.Speed = config.GetEnvFloat("PLAYBACK_SPEED", pb.Speed)

	quota := config.GetEnvFloat("BUFFER_QUOTA_SECONDS", 0)

	return session.Config{
		Manifest: content,
		Fetcher:  fetch.NewHTTPFetcher(client, fetchCfg, log, met),
		ABR:      abr.New(abrCfg, log),
		Backends: func(manifest.StreamType, string) (sink.Backend, error) {
			return sink.NewMemoryBackend(quota), nil
		},
		Options:     opts,
		Goals:       goals,
		Playback:    pb,
		ChooseTrack: session.PreferLanguage(config.GetEnv("PREFERRED_LANGUAGE", "")),
		StopAtEnd:   config.GetEnvBool("PLAYBACK_STOP_AT_END", true),
	}
}

func switchingMode(key string, fallback stream.SwitchingMode) stream.SwitchingMode {
	switch mode := stream.SwitchingMode(config.GetEnv(key, string(fallback))); mode {
	case stream.SwitchSeamless, stream.SwitchDirect:
		return mode
	default:
		return fallback
	}
}

// loadManifest reads the MPD at url, or in file when url is empty.
func loadManifest(ctx context.Context, client *http.Client, url, file string) (*manifest.Manifest, error) {
	switch {
	case url != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("get %s: http status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return dash.Parse(string(body), url)
	case file != "":
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return dash.Parse(string(body), config.GetEnv("MANIFEST_BASE_URL", ""))
	default:
		return nil, errors.New("MANIFEST_URL or MANIFEST_FILE must be set")
	}
}
