// Command ankilive runs a spoken flashcard review against the Gemini Live
// API, using the local microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/MoPaMo/anki-gemini-live/internal/app"
	"github.com/MoPaMo/anki-gemini-live/internal/config"
	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	"github.com/MoPaMo/anki-gemini-live/internal/observe"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file with GEMINI_API_KEY; ignored when missing")
	importPath := flag.String("import", "", "deck YAML file to upsert into the postgres deck before the session")
	meter := flag.Bool("meter", false, "draw the microphone level")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ankilive: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ankilive: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ankilive: %v\n", err)
		}
		return 1
	}
	config.ApplyEnv(cfg, os.Getenv)

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Slog())
	logger, syncLog := observe.NewLogger(observe.LogConfig{
		LevelVar: levelVar,
		File:     cfg.Server.LogFile,
		Output:   os.Stderr,
	})
	defer func() { _ = syncLog() }()
	slog.SetDefault(logger)

	slog.Info("ankilive starting",
		"version", version,
		"config", *configPath,
		"deck_driver", cfg.Deck.Driver,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	if cfg.Gemini.APIKey == "" {
		slog.Warn("no API key; set gemini.api_key or export " + config.EnvAPIKey)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	sessionID := uuid.NewString()
	reg := config.NewRegistry()
	registerBackends(reg, sessionID, *importPath)

	out := newConsole(os.Stdout, *meter)
	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithPresenter(out),
		app.WithMetrics(tel.Metrics, tel.Handler),
		app.WithLogger(logger),
		app.WithConfigWatch(*configPath, levelVar),
		app.WithSessionID(sessionID),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	fmt.Fprint(os.Stdout, helpText)
	go readCommands(ctx, os.Stdin, os.Stdout, application.Controller(), stop)

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("session ended with error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye", "reviewed", application.Controller().Reviewed())
	return code
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBackends wires the built-in audio backend and deck drivers into
// reg. Ratings are appended to deck.review_log, tagged with sessionID. For
// the postgres driver a non-empty importPath is upserted before use.
func registerBackends(reg *config.Registry, sessionID, importPath string) {
	reg.RegisterAudio(config.DefaultAudioBackend, func(config.AudioConfig) (audio.Device, error) {
		return portaudio.New(), nil
	})

	reg.RegisterDeck(config.DeckFile, func(_ context.Context, dc config.DeckConfig) (deck.Scheduler, io.Closer, error) {
		d, err := deck.LoadFile(dc.Path, deck.WithSessionLimit(dc.SessionLimit))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("deck loaded", "name", d.Name(), "cards", d.Len(), "path", dc.Path)
		save := closerFunc(func() error {
			if err := d.SaveFile(dc.Path); err != nil {
				return err
			}
			slog.Info("deck saved", "path", dc.Path)
			return nil
		})
		return withReviewLog(d, dc, sessionID), save, nil
	})

	reg.RegisterDeck(config.DeckPostgres, func(ctx context.Context, dc config.DeckConfig) (deck.Scheduler, io.Closer, error) {
		pool, err := pgxpool.New(ctx, dc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		d := deck.NewPostgresDeck(pool, dc.SessionLimit)
		if err := d.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if importPath != "" {
			src, err := deck.LoadFile(importPath)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			if err := d.Import(ctx, src.Cards()); err != nil {
				pool.Close()
				return nil, nil, err
			}
			slog.Info("deck imported", "path", importPath, "cards", src.Len())
		}
		release := closerFunc(func() error {
			pool.Close()
			return nil
		})
		return withReviewLog(d, dc, sessionID), release, nil
	})
}

func withReviewLog(s deck.Scheduler, dc config.DeckConfig, sessionID string) deck.Scheduler {
	if dc.ReviewLog == "" {
		return s
	}
	return deck.NewLoggedScheduler(s, deck.NewFileLog(dc.ReviewLog), sessionID)
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
