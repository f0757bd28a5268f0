// Package api is the composition root of MemeryBot and serves its status endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/agent"
	"github.com/BTreeMap/MemeryBot/internal/bot"
	"github.com/BTreeMap/MemeryBot/internal/genai"
	"github.com/BTreeMap/MemeryBot/internal/store"
	"github.com/BTreeMap/MemeryBot/internal/twitter"
	"github.com/BTreeMap/MemeryBot/internal/video"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Defaults for the status server.
const (
	DefaultAddr          = ":8080"
	DefaultShutdownGrace = 2 * time.Minute
)

// Opts holds configuration for the status server and the shutdown sequence.
type Opts struct {
	Addr          string
	ShutdownGrace time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address of the status server.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownGrace sets how long in-flight units may keep running after a shutdown signal.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownGrace = d }
}

func defaultOpts() Opts {
	return Opts{Addr: DefaultAddr, ShutdownGrace: DefaultShutdownGrace}
}

// Run wires the state store, X client, generation backend, scheduler and status server, and
// blocks until ctx ends. On return every in-flight unit has either finished or been recorded as
// failed. A nil videoOpts disables the video tool.
func Run(ctx context.Context, storeOpts []store.Option, twitterOpts []twitter.Option, genaiOpts []genai.Option, videoOpts []video.Option, agentOpts []agent.Option, botOpts []bot.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := store.Open(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: failed to close state store", "error", err)
		}
	}()

	tw, err := twitter.NewClient(twitterOpts...)
	if err != nil {
		return fmt.Errorf("failed to create X client: %w", err)
	}
	me, err := tw.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify X credentials: %w", err)
	}
	slog.Info("api.Run: authenticated", "username", me.Username, "userID", me.ID)

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	if videoOpts != nil {
		gen, err := video.NewGenerator(ctx, videoOpts...)
		switch {
		case errors.Is(err, video.ErrMissingAPIKey):
			slog.Warn("api.Run: video generation disabled", "reason", err)
		case err != nil:
			return fmt.Errorf("failed to create video generator: %w", err)
		default:
			agentOpts = append(agentOpts, agent.WithVideo(gen))
			slog.Info("api.Run: video generation enabled")
		}
	}
	backend := agent.NewBackend(gaClient, tw, agentOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	botOpts = append(botOpts, bot.WithBotUsername(me.Username), bot.WithMetrics(bot.NewMetrics(reg)))
	sched, err := bot.NewScheduler(st, tw, backend, tw, botOpts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	server := NewServer(st, reg, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	slog.Info("api.Run: draining in-flight units", "grace", cfg.ShutdownGrace)
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancel()
	if err := sched.Shutdown(graceCtx); err != nil {
		slog.Warn("api.Run: units cancelled after grace period", "error", err)
	}
	return runErr
}
