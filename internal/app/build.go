package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/apiclient"
	"github.com/ent0n29/pastexam/internal/channel"
	"github.com/ent0n29/pastexam/internal/config"
	"github.com/ent0n29/pastexam/internal/credentials"
	"github.com/ent0n29/pastexam/internal/discussion"
	"github.com/ent0n29/pastexam/internal/httpapi"
	"github.com/ent0n29/pastexam/internal/lifecycle"
	"github.com/ent0n29/pastexam/internal/logging"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/storage"
	"github.com/ent0n29/pastexam/internal/taskrecord"
	"github.com/ent0n29/pastexam/internal/unauthorized"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Lifecycle   *lifecycle.Machine
	Discussions *discussion.Registry
	Signal      *unauthorized.Signal
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to close channels and release the store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	// The session scope lives as long as the process; the local scope survives restarts.
	session := storage.NewMemoryStore()
	local, err := storage.NewStore(ctx, cfg.DatabaseURL, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	creds := credentials.NewStore(session, local)
	notices := notice.NewHub(logger.Named("notice"))
	routes := unauthorized.NewRoutes(cfg.AuthLandingRoute)
	signal := unauthorized.New(creds, notices, routes, unauthorized.Options{
		Cooldown:     cfg.AuthNoticeCooldown,
		NoticeLife:   cfg.AuthNoticeLife,
		LandingRoute: cfg.AuthLandingRoute,
		Logger:       logger.Named("auth"),
		Metrics:      metrics,
	})
	trigger := func(source string) func(ctx context.Context) {
		return func(ctx context.Context) { signal.Trigger(ctx, source) }
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:        cfg.APIBaseURL,
		Timeout:        cfg.HTTPTimeout,
		Tokens:         creds,
		OnUnauthorized: trigger(unauthorized.SourceREST),
		Logger:         logger.Named("api"),
		Metrics:        metrics,
	})
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("api client init failed: %w", err)
	}

	taskDialer := channel.NewWSDialer(channel.WSDialerConfig{
		BaseURL:          cfg.APIBaseURL,
		Tokens:           creds,
		HandshakeTimeout: cfg.WSHandshakeTimeout,
		Name:             "task",
		OnUnauthorized:   trigger(unauthorized.SourceTaskChannel),
		Logger:           logger.Named("task_channel"),
		Metrics:          metrics,
	})
	discussionDialer := channel.NewWSDialer(channel.WSDialerConfig{
		BaseURL:          cfg.APIBaseURL,
		Tokens:           creds,
		HandshakeTimeout: cfg.WSHandshakeTimeout,
		Name:             "discussion",
		OnUnauthorized:   trigger(unauthorized.SourceDiscussionChannel),
		Logger:           logger.Named("discussion_channel"),
		Metrics:          metrics,
	})

	machine := lifecycle.New(lifecycle.Options{
		Records:     taskrecord.NewStore(local),
		Submitter:   client,
		Keys:        client,
		Dialer:      taskDialer,
		Notifier:    notices,
		MaxArchives: cfg.AIExamMaxArchives,
		Logger:      logger.Named("lifecycle"),
		Metrics:     metrics,
	})
	registry := discussion.NewRegistry(discussion.Deps{
		Dialer:   discussionDialer,
		API:      client,
		Notifier: notices,
		Logger:   logger.Named("discussion"),
		Metrics:  metrics,
	})

	// Every feature drops its in-flight state when the session is gone.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	events, unsubscribe := signal.Subscribe()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			select {
			case <-watchCtx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				machine.Abandon("unauthorized")
				closed := registry.CloseAll()
				logger.Info("session cleared",
					zap.String("source", evt.Source),
					zap.Bool("notice_shown", evt.NoticeShown),
					zap.Int("discussions_closed", closed),
				)
			}
		}
	}()

	api := httpapi.New(cfg, httpapi.Deps{
		Lifecycle:   machine,
		Discussions: registry,
		Upstream:    client,
		Credentials: creds,
		Notices:     notices,
		Signal:      signal,
		Metrics:     metrics,
		Logger:      logger.Named("http"),
	})

	cleanup := func() error {
		stopWatch()
		unsubscribe()
		<-watchDone
		machine.Close()
		registry.CloseAll()
		return errors.Join(session.Close(), local.Close())
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Lifecycle:   machine,
		Discussions: registry,
		Signal:      signal,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
