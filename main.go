package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"doverie/internal/cache"
	"doverie/internal/commands"
	"doverie/internal/config"
	"doverie/internal/identity"
	"doverie/internal/notify"
	"doverie/internal/rest"
	"doverie/internal/router"
	"doverie/internal/session"
	"doverie/internal/transport"
)

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "Path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.Log.Level, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	restClient := rest.NewClient(cfg.API.BaseURL, cfg.API.Token, log)

	token := cfg.API.Token
	if token == "" {
		token, err = restClient.Login(ctx, cfg.API.Username, cfg.API.Password)
		if err != nil {
			return err
		}
	}

	viewer, err := identity.FromToken(token)
	if err != nil {
		return err
	}
	log.Info().Int64("user_id", viewer.UserID).Str("role", string(viewer.Role)).Msg("authenticated")

	store, err := cache.NewBboltStore(cfg.Cache.File)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tr := transport.New(transport.Config{
		URL:   cfg.API.WSURL,
		Token: token,
	}, log)

	sess := session.New(ctx, session.Deps{
		Messages:  restClient.Messages(),
		Dialogs:   restClient.Dialogs(),
		Transport: tr,
		Viewer:    viewer,
		Notifier:  &notify.LogNotifier{Log: log},
		Store:     store,
		Log:       log,
	}, session.Config{
		PageSize:            cfg.Session.PageSize,
		TypingThrottle:      cfg.Session.TypingThrottle,
		TypingStopAfter:     cfg.Session.TypingStopAfter,
		TypingExpiry:        cfg.Session.TypingExpiry,
		DetailRefreshWindow: cfg.Session.DetailRefreshWindow,
		MutationFallback:    cfg.Session.MutationFallback,
		Destinations: session.Destinations{
			Send:   cfg.Destinations.Send,
			Typing: cfg.Destinations.Typing,
			Edit:   cfg.Destinations.Edit,
			Delete: cfg.Destinations.Delete,
			React:  cfg.Destinations.React,
			Read:   cfg.Destinations.Read,
		},
	})
	defer sess.Close()
	sess.Prime()

	rt := router.New(sess, tr, router.Config{
		Topics: router.Topics{
			Inbox:    cfg.Topics.Inbox,
			Typing:   cfg.Topics.Typing,
			Dialogs:  cfg.Topics.Dialogs,
			Presence: cfg.Topics.Presence,
		},
		Destinations: router.Destinations{
			View:  cfg.Destinations.View,
			Join:  cfg.Destinations.Join,
			Leave: cfg.Destinations.Leave,
		},
		DialogsDebounce:   cfg.Router.DialogsDebounce,
		HeartbeatInterval: cfg.Router.HeartbeatInterval,
		HeartbeatMinGap:   cfg.Router.HeartbeatMinGap,
	}, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := tr.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := rt.Start(gCtx); err != nil {
		return err
	}
	defer rt.Close()

	if err := sess.RefreshDialogs(gCtx); err != nil {
		log.Warn().Err(err).Msg("initial dialog refresh failed, showing cached state")
	}

	g.Go(func() error {
		err := commands.NewREPL(sess, rt, os.Stdout, log).Run(gCtx)
		if err == nil || errors.Is(err, context.Canceled) {
			// REPL exit shuts the whole client down.
			return context.Canceled
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "doverie: %v\n", err)
		os.Exit(1)
	}
}
