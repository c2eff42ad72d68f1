// Package app wires the ankilive subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the review session and
// its collaborators, Run drives the session next to the optional
// health/metrics listener, and Shutdown releases the deck and the config
// watcher.
//
// For testing, inject doubles via functional options (WithProvider,
// WithDevice, WithScheduler, etc.). When an option is not provided, New
// creates real implementations from the config through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MoPaMo/anki-gemini-live/internal/config"
	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	"github.com/MoPaMo/anki-gemini-live/internal/health"
	"github.com/MoPaMo/anki-gemini-live/internal/observe"
	"github.com/MoPaMo/anki-gemini-live/internal/review"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/live"
	"github.com/MoPaMo/anki-gemini-live/pkg/live/gemini"
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// App owns one review session and everything around it.
type App struct {
	cfg *config.Config
	log *slog.Logger

	registry       *config.Registry
	provider       live.Provider
	device         audio.Device
	sched          deck.Scheduler
	presenter      review.Presenter
	metrics        *observe.Metrics
	metricsHandler http.Handler
	configPath     string
	levelVar       *slog.LevelVar
	sessionID      string

	ctrl    *review.Controller
	server  *http.Server
	watcher *config.Watcher

	mu        sync.Mutex
	addr      net.Addr
	startedAt time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the registry used to build the audio device and open
// the deck when they are not injected.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects a live provider instead of the Gemini websocket one.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDevice injects an audio device instead of creating one from config.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithScheduler injects a scheduler instead of opening the configured deck.
// The caller keeps ownership of it.
func WithScheduler(s deck.Scheduler) Option {
	return func(a *App) { a.sched = s }
}

// WithPresenter sets the session presenter.
func WithPresenter(p review.Presenter) Option {
	return func(a *App) { a.presenter = p }
}

// WithMetrics sets the metrics instruments and the /metrics handler. A nil
// handler leaves /metrics unserved.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithSessionID fixes the session identifier, e.g. to match the one a
// review log was opened with. A random one is used otherwise.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithConfigWatch polls path for changes while the app runs. A changed
// log level is applied to lv; other changes are logged as taking effect on
// the next start.
func WithConfigWatch(path string, lv *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.levelVar = lv
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Anything not
// injected through an Option is built from cfg. On error every resource
// opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Deck ──────────────────────────────────────────────────────────
	if err := a.initDeck(ctx); err != nil {
		return nil, fmt.Errorf("app: init deck: %w", err)
	}

	// ── 2. Audio device ──────────────────────────────────────────────────
	if a.device == nil {
		dev, err := a.registry.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: init audio: %w", err)
		}
		a.device = dev
	}

	// ── 3. Live provider ─────────────────────────────────────────────────
	if a.provider == nil {
		a.provider = a.newGemini()
	}

	// ── 4. Review session ────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 5. Health and metrics listener ───────────────────────────────────
	a.initServer()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithWatcherLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDeck opens the configured deck unless a scheduler was injected.
func (a *App) initDeck(ctx context.Context) error {
	if a.sched != nil {
		return nil
	}
	sched, closer, err := a.registry.OpenDeck(ctx, a.cfg.Deck)
	if err != nil {
		return err
	}
	a.sched = sched
	if closer != nil {
		a.closers = append(a.closers, closer.Close)
	}
	return nil
}

func (a *App) newGemini() *gemini.Provider {
	opts := []gemini.Option{
		gemini.WithLogger(a.log),
		gemini.WithMetrics(a.metrics),
	}
	if a.cfg.Gemini.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
	}
	if a.cfg.Gemini.ParseErrorThreshold > 0 {
		opts = append(opts, gemini.WithParseErrorThreshold(a.cfg.Gemini.ParseErrorThreshold))
	}
	return gemini.New(opts...)
}

func (a *App) initSession() error {
	var speaker audio.Format
	if r := a.cfg.Audio.SpeakerRate; r > 0 {
		speaker = audio.Format{SampleRate: r, Channels: 1}
	}
	ctrl, err := review.New(review.Config{
		Credentials:        a.cfg.Gemini.APIKey,
		Model:              a.cfg.Gemini.Model,
		Voice:              a.cfg.Gemini.Voice,
		ExplanationEnabled: a.cfg.Session.ExplanationEnabled,
		PacingDelay:        a.cfg.Session.PacingDelay,
		StopTimeout:        a.cfg.Session.StopTimeout,
		DrainTimeout:       a.cfg.Session.DrainTimeout,
		PlaybackBuffer:     a.cfg.Audio.PlaybackBuffer,
		SpeakerFormat:      speaker,
		SessionID:          a.sessionID,
	}, review.Deps{
		Provider:  a.provider,
		Device:    a.device,
		Scheduler: a.sched,
		Presenter: a.presenter,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	return nil
}

// initServer builds the listener mux when server.listen_addr is set.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	health.New(a.readinessCheckers()...).Register(mux)
	mux.HandleFunc("GET /session", a.serveSession)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics, a.log)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// readinessCheckers reports the session as ready while it is Active and,
// when the deck can count, while the deck answers.
func (a *App) readinessCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "session",
		Check: func(context.Context) error {
			if s := a.ctrl.State(); s != review.Active {
				return fmt.Errorf("state %s", s)
			}
			return nil
		},
	}}
	if c, ok := a.sched.(deck.Counter); ok {
		checkers = append(checkers, health.Checker{
			Name: "deck",
			Check: func(ctx context.Context) error {
				_, err := c.DueCount(ctx)
				return err
			},
		})
	}
	return checkers
}

func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired() {
		a.log.Warn("config changed; takes effect on the next session",
			"gemini", d.GeminiChanged,
			"audio", d.AudioChanged,
			"session", d.SessionChanged,
			"deck", d.DeckChanged,
		)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the review session.
func (a *App) Controller() *review.Controller { return a.ctrl }

// Addr returns the address the health/metrics listener is bound to, or nil
// before Run opened it or when no listen address is configured.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the listener, starts the review session and blocks until the
// session ends or ctx is cancelled. Cancelling ctx stops the session
// gracefully. It returns the error that ended the session, or nil for a
// clean end.
func (a *App) Run(ctx context.Context) error {
	var ln net.Listener
	if a.server != nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()
		a.log.Info("serving health and metrics", "addr", ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	if ln != nil {
		g.Go(func() error {
			if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer a.stopServer()

		a.mu.Lock()
		a.startedAt = time.Now()
		a.mu.Unlock()
		if err := a.ctrl.Start(gctx); err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}

		select {
		case <-a.ctrl.Done():
		case <-gctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.stopBudget())
			defer cancel()
			if err := a.ctrl.Stop(stopCtx); err != nil {
				a.log.Warn("stop session", "err", err)
			}
		}
		if err := a.ctrl.Err(); err != nil {
			return fmt.Errorf("app: session: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// stopBudget covers capture shutdown, playback drain and the close.
func (a *App) stopBudget() time.Duration {
	s := a.cfg.Session
	stop, drain := s.StopTimeout, s.DrainTimeout
	if stop <= 0 {
		stop = review.DefaultStopTimeout
	}
	if drain <= 0 {
		drain = review.DefaultDrainTimeout
	}
	return 3*stop + drain
}

func (a *App) stopServer() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session if it is still running and releases the deck
// and the config watcher. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.ctrl != nil {
			if err := a.ctrl.Stop(ctx); err != nil {
				a.log.Warn("stop session", "err", err)
			}
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}
	})
	return shutdownErr
}
