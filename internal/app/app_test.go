package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MoPaMo/anki-gemini-live/internal/app"
	"github.com/MoPaMo/anki-gemini-live/internal/config"
	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	deckmock "github.com/MoPaMo/anki-gemini-live/internal/deck/mock"
	"github.com/MoPaMo/anki-gemini-live/internal/observe"
	"github.com/MoPaMo/anki-gemini-live/internal/review"
	audiomock "github.com/MoPaMo/anki-gemini-live/pkg/audio/mock"
	"github.com/MoPaMo/anki-gemini-live/pkg/live"
	livemock "github.com/MoPaMo/anki-gemini-live/pkg/live/mock"
)

var cards = []deckmock.Card{
	{Ref: "c1", Question: "What is the capital of France?", Answer: "Paris"},
	{Ref: "c2", Question: "What is the capital of Peru?", Answer: "Lima"},
}

// testConfig returns a minimal config with short session timings.
func testConfig() *config.Config {
	return &config.Config{
		Gemini: config.GeminiConfig{APIKey: "test-key"},
		Session: config.SessionConfig{
			PacingDelay:  20 * time.Millisecond,
			StopTimeout:  300 * time.Millisecond,
			DrainTimeout: 300 * time.Millisecond,
		},
		Deck: config.DeckConfig{Driver: config.DeckFile, Path: "deck.yaml"},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

func newApp(t *testing.T, cfg *config.Config, provider *livemock.Provider, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithProvider(provider),
		app.WithDevice(&audiomock.Device{}),
		app.WithScheduler(deckmock.New(cards...)),
		app.WithMetrics(testMetrics(t), nil),
		app.WithLogger(slog.New(slog.DiscardHandler)),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// runApp starts Run in the background and returns its result channel.
func runApp(ctx context.Context, a *app.App) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	return errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_UnregisteredDeck(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(),
		app.WithProvider(&livemock.Provider{}),
		app.WithDevice(&audiomock.Device{}),
	)
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("New() error = %v, want ErrNotRegistered", err)
	}
}

func TestNew_OpensDeckThroughRegistry(t *testing.T) {
	t.Parallel()
	closer := &closeCounter{}
	var opened config.DeckConfig
	reg := config.NewRegistry()
	reg.RegisterDeck(config.DeckFile, func(_ context.Context, cfg config.DeckConfig) (deck.Scheduler, io.Closer, error) {
		opened = cfg
		return deckmock.New(cards...), closer, nil
	})

	a, err := app.New(context.Background(), testConfig(),
		app.WithRegistry(reg),
		app.WithProvider(&livemock.Provider{}),
		app.WithDevice(&audiomock.Device{}),
		app.WithMetrics(testMetrics(t), nil),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if opened.Path != "deck.yaml" {
		t.Errorf("deck opened with path %q, want %q", opened.Path, "deck.yaml")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := closer.n.Load(); got != 1 {
		t.Errorf("deck closed %d times, want 1", got)
	}
}

func TestNew_ReleasesDeckOnFailure(t *testing.T) {
	t.Parallel()
	closer := &closeCounter{}
	reg := config.NewRegistry()
	reg.RegisterDeck(config.DeckFile, func(context.Context, config.DeckConfig) (deck.Scheduler, io.Closer, error) {
		return deckmock.New(cards...), closer, nil
	})

	cfg := testConfig()
	cfg.Audio.Backend = "missing"
	_, err := app.New(context.Background(), cfg,
		app.WithRegistry(reg),
		app.WithProvider(&livemock.Provider{}),
	)
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("New() error = %v, want ErrNotRegistered", err)
	}
	if got := closer.n.Load(); got != 1 {
		t.Errorf("deck closed %d times, want 1", got)
	}
}

func TestRun_EndsWhenSessionEnds(t *testing.T) {
	t.Parallel()
	provider := &livemock.Provider{}
	a := newApp(t, testConfig(), provider)

	errc := runApp(context.Background(), a)
	waitFor(t, "active session", func() bool { return a.Controller().State() == review.Active })

	provider.LastSession().EndRemote(nil)
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := a.Controller().State(); got != review.Stopped {
		t.Errorf("State() = %v, want %v", got, review.Stopped)
	}
}

func TestRun_SessionErrorIsReturned(t *testing.T) {
	t.Parallel()
	provider := &livemock.Provider{}
	a := newApp(t, testConfig(), provider)

	errc := runApp(context.Background(), a)
	waitFor(t, "active session", func() bool { return a.Controller().State() == review.Active })

	boom := &live.ReceiveError{Err: errors.New("connection reset")}
	provider.LastSession().EndRemote(boom)
	if err := waitRun(t, errc); !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want %v", err, boom)
	}
}

func TestRun_CancelStopsSession(t *testing.T) {
	t.Parallel()
	provider := &livemock.Provider{}
	a := newApp(t, testConfig(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	errc := runApp(ctx, a)
	waitFor(t, "active session", func() bool { return a.Controller().State() == review.Active })

	cancel()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := a.Controller().State(); got != review.Stopped {
		t.Errorf("State() = %v, want %v", got, review.Stopped)
	}
	if got := provider.LastSession().CloseCount(); got == 0 {
		t.Error("session was not closed")
	}
}

func TestRun_StartFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Gemini.APIKey = ""
	provider := &livemock.Provider{}
	a := newApp(t, cfg, provider)

	err := waitRun(t, runApp(context.Background(), a))
	var ce *review.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Run() = %v, want *review.ConfigError", err)
	}
	if got := provider.ConnectCount(); got != 0 {
		t.Errorf("ConnectCount() = %d, want 0", got)
	}
}

func TestRun_ServesHealthAndSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	provider := &livemock.Provider{}
	a := newApp(t, cfg, provider, app.WithMetrics(testMetrics(t), metricsHandler))

	ctx, cancel := context.WithCancel(context.Background())
	errc := runApp(ctx, a)
	waitFor(t, "active session", func() bool { return a.Controller().State() == review.Active })
	base := "http://" + a.Addr().String()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}

	resp, err := http.Get(base + "/session")
	if err != nil {
		t.Fatalf("GET /session: %v", err)
	}
	var info app.SessionInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /session: %v", err)
	}
	if info.State != "active" {
		t.Errorf("state = %q, want %q", info.State, "active")
	}
	if info.SessionID != a.Controller().ID() {
		t.Errorf("session_id = %q, want %q", info.SessionID, a.Controller().ID())
	}
	if info.StartedAt.IsZero() {
		t.Error("started_at is zero")
	}

	cancel()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Error("listener still serving after Run returned")
	}
}

func TestRun_StopFromOutside(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	provider := &livemock.Provider{}
	a := newApp(t, cfg, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runApp(ctx, a)
	waitFor(t, "listener", func() bool { return a.Addr() != nil })
	waitFor(t, "active session", func() bool { return a.Controller().State() == review.Active })

	if err := a.Controller().Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if info := a.Info(); info.State != "stopped" {
		t.Errorf("Info().State = %q, want %q", info.State, "stopped")
	}
}

func TestNew_WithSessionID(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &livemock.Provider{}, app.WithSessionID("session-42"))
	if got := a.Controller().ID(); got != "session-42" {
		t.Errorf("ID() = %q, want %q", got, "session-42")
	}
}
