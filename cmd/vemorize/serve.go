package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albertojacini/vemorize/internal/api"
	"github.com/albertojacini/vemorize/internal/buildinfo"
	"github.com/albertojacini/vemorize/internal/config"
	"github.com/albertojacini/vemorize/internal/connwatch"
	"github.com/albertojacini/vemorize/internal/device"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/mqtt"
	"github.com/albertojacini/vemorize/internal/voice"
)

// runServe is the main operating mode. Shutdown order on SIGINT/SIGTERM:
//  1. the HTTP server drains
//  2. the voice loop stops and the lifecycle returns to stopped
//  3. the session cancels any in-flight LLM call
//  4. MQTT publishes offline and the database closes
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting vemorize", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "listen", cfg.Listen.Addr(), "data_dir", cfg.DataDir)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()

	client, err := newLLMClient(cfg.LLM, logger)
	if err != nil {
		return err
	}
	session, err := newSession(ctx, cfg, st, client, bus, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	// --- Voice ---
	dev := device.NewBridge(bus, logger)
	defer dev.Close()

	var wake voice.WakeWordDetector = dev.WakeWord()
	var mq *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		mq = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyUsage(nil), bus, logger)
		if cfg.Voice.WakeWordSource == config.WakeWordMQTT {
			wake = mq.WakeWord()
		}
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName,
			"wake_topic", cfg.MQTT.WakeTopicOrDefault())
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	lifecycle := voice.NewLifecycle(voice.LifecycleConfig{
		Speech:            dev,
		WakeWord:          wake,
		Language:          cfg.Voice.Language,
		InactivityTimeout: cfg.Voice.InactivityTimeout,
		Bus:               bus,
		Logger:            logger,
	})
	defer lifecycle.Close()
	dev.SetListener(lifecycle)
	if mq != nil {
		mq.SetListener(lifecycle)
	}

	var synth voice.Synthesizer
	if cfg.TTS.CloudURL != "" {
		token := cfg.TTS.Token
		synth = voice.NewCloudTTS(cfg.TTS.CloudURL, func() string { return token }, cfg.TTS.Timeout, logger)
	}
	speaker := voice.NewFallbackSpeaker(synth, dev.Player(), dev.Speaker(), cfg.TTS.Timeout, bus, logger)

	loop := voice.NewLoop(lifecycle, session, speaker, logger)

	// --- Health ---
	watch := connwatch.NewManager(bus, logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.WatcherConfig{Name: "llm", Probe: client.Ping})
	if mq != nil {
		watch.Watch(ctx, connwatch.WatcherConfig{Name: "mqtt", Probe: mq.AwaitConnection})
	}

	// --- HTTP ---
	server := api.NewServer(api.Config{
		Addr:     cfg.Listen.Addr(),
		UserID:   cfg.UserID,
		Dialogue: session,
		Courses:  st.courses,
		Voice:    lifecycle,
		Device:   dev,
		Health:   watch,
		Bus:      bus,
		Logger:   logger,
		CourseLoaded: func(ctx context.Context, courseID string) {
			if err := st.opstate.SetLastCourse(ctx, cfg.UserID, courseID); err != nil {
				logger.Warn("failed to remember course", "course_id", courseID, "error", err)
			}
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if mq != nil {
		g.Go(func() error { return mq.Run(gctx) })
	}

	loop.Start(gctx)
	err = g.Wait()

	loop.Stop()
	if mq != nil {
		offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stopErr := mq.Stop(offlineCtx); stopErr != nil {
			logger.Warn("mqtt shutdown failed", "error", stopErr)
		}
		cancel()
	}
	if err != nil {
		return err
	}
	logger.Info("vemorize stopped")
	return nil
}
