// Package review runs a spoken flashcard review session.
//
// A [Controller] owns one live session, the microphone capture loop and the
// speaker playback loop. It feeds due cards to the tutor, listens for the
// rating the tutor announces, records it with the scheduler and moves on
// after a short pause until the deck is done.
//
// All state transitions are serialized by one mutex. Callbacks from the
// transport and the audio loops never take it: they push events into an
// unbounded queue drained by a single controller goroutine, so tearing the
// loops down while holding the mutex cannot deadlock.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	"github.com/MoPaMo/anki-gemini-live/internal/observe"
	"github.com/MoPaMo/anki-gemini-live/internal/rating"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/live"
)

// Defaults applied by [New] to zero Config fields.
const (
	DefaultModel        = "gemini-2.0-flash-exp"
	DefaultVoice        = "Aoede"
	DefaultPacingDelay  = 2 * time.Second
	DefaultStopTimeout  = time.Second
	DefaultDrainTimeout = 3 * time.Second
	DefaultSendTimeout  = 5 * time.Second

	joinTimeout = time.Second
)

// Config tunes one review session.
type Config struct {
	// Credentials is the Gemini API key.
	Credentials string

	Model string
	Voice string

	// ExplanationEnabled asks the tutor to take follow-up questions.
	ExplanationEnabled bool

	// PacingDelay is the pause between a rating and the next card.
	PacingDelay time.Duration

	// StopTimeout bounds each loop shutdown.
	StopTimeout time.Duration

	// DrainTimeout bounds how long Stop lets queued speech finish.
	DrainTimeout time.Duration

	// SendTimeout bounds each control message write.
	SendTimeout time.Duration

	// SessionID identifies the session in logs and review records. A
	// random UUID is used when empty.
	SessionID string

	// PlaybackBuffer is the playback queue capacity in frames.
	PlaybackBuffer int

	// SpeakerFormat is the format the speaker is opened with. Zero means
	// 16 kHz mono.
	SpeakerFormat audio.Format
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Provider  live.Provider
	Device    audio.Device
	Scheduler deck.Scheduler

	// Presenter defaults to NopPresenter.
	Presenter Presenter

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// controller-internal events.
type (
	msgEvent    struct{ msg live.Message }
	closeEvent  struct{ err error }
	deviceEvent struct{ err error }
	nextEvent   struct{ gen int }
)

// Controller drives one review session. It is single use: once Stopped or
// Errored it cannot be started again.
type Controller struct {
	cfg       Config
	id        string
	provider  live.Provider
	device    audio.Device
	sched     deck.Scheduler
	log       *slog.Logger
	metrics   *observe.Metrics
	presenter *dispatcher

	events   *audio.Queue[any]
	loopDone chan struct{}
	done     chan struct{}

	// opMu serializes transitions and guards everything below.
	opMu       sync.Mutex
	state      State
	err        error
	session    live.Session
	captureQ   *audio.Queue[audio.AudioFrame]
	capture    *audio.Capture
	playback   *audio.Playback
	muted      bool
	current    deck.CardRef
	gen        int
	pacer      *time.Timer
	userText   strings.Builder
	turnText   strings.Builder
	transcript []Entry
	reviewed   int
	started    time.Time
	released   bool

	// onTransition, when set, observes every state change under opMu.
	onTransition func(from, to State)
}

// New validates deps and returns an idle Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Provider == nil {
		return nil, errors.New("review: Provider must not be nil")
	}
	if deps.Device == nil {
		return nil, errors.New("review: Device must not be nil")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("review: Scheduler must not be nil")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.PacingDelay <= 0 {
		cfg.PacingDelay = DefaultPacingDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.PlaybackBuffer <= 0 {
		cfg.PlaybackBuffer = audio.DefaultPlaybackBuffer
	}
	if cfg.SpeakerFormat.SampleRate == 0 {
		cfg.SpeakerFormat = audio.Capture16kMono
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	p := deps.Presenter
	if p == nil {
		p = NopPresenter{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", cfg.SessionID)
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	return &Controller{
		cfg:       cfg,
		id:        cfg.SessionID,
		provider:  deps.Provider,
		device:    deps.Device,
		sched:     deps.Scheduler,
		log:       log,
		metrics:   m,
		presenter: newDispatcher(p, log),
		events:    audio.NewQueue[any](0),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current state.
func (c *Controller) State() State {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.state
}

// Done is closed once the session reached Stopped or Errored.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the error that moved the session to Errored, or nil.
func (c *Controller) Err() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.err
}

// Muted reports whether the microphone is muted.
func (c *Controller) Muted() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.muted
}

// Reviewed returns how many cards were rated so far.
func (c *Controller) Reviewed() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.reviewed
}

// Transcript returns a copy of the transcript so far.
func (c *Controller) Transcript() []Entry {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start fetches the first due card, connects, configures the tutor, asks
// the first question and starts listening. A missing API key or an empty
// deck fails with *ConfigError before any connection is made. Any failure
// leaves the controller Errored.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "review.start",
		trace.WithAttributes(attribute.String("review.session_id", c.id)))
	defer span.End()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.state != Disconnected {
		return ErrAlreadyStarted
	}
	if c.released {
		return ErrReleased
	}

	err := c.startLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.failLocked(err)
	}
	return err
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.cfg.Credentials == "" {
		return &ConfigError{Field: "credentials", Err: live.ErrNoCredentials}
	}

	ref, ok, err := c.sched.NextDueCard(ctx)
	if err != nil {
		return fmt.Errorf("review: fetch first card: %w", err)
	}
	if !ok {
		return &ConfigError{Field: "deck", Err: ErrNoDueCards}
	}
	question, err := c.sched.QuestionText(ctx, ref)
	if err != nil {
		return fmt.Errorf("review: question for %q: %w", ref, err)
	}

	c.transitionLocked(ctx, Connecting)
	c.presenter.emit(Status{Kind: StatusConnecting, Message: "Connecting to Gemini..."})

	c.captureQ = audio.NewQueue[audio.AudioFrame](0)
	c.playback = audio.NewPlayback(c.device,
		audio.WithPlaybackLogger(c.log),
		audio.WithPlaybackBuffer(c.cfg.PlaybackBuffer),
		audio.WithSpeakerFormat(c.cfg.SpeakerFormat),
		audio.WithPlaybackErrorHandler(c.deviceFailed),
		audio.WithOnDrop(func() { c.metrics.RecordDrop(context.Background(), observe.DirectionPlayback) }),
		audio.WithOnPlayed(func(audio.AudioFrame) {
			c.metrics.RecordFrame(context.Background(), observe.DirectionPlayback)
		}),
	)
	c.capture = audio.NewCapture(c.device, c.captureQ,
		audio.WithCaptureLogger(c.log),
		audio.WithLevelObserver(func(l float64) { c.presenter.emit(levelEvent(l)) }),
		audio.WithCaptureErrorHandler(c.deviceFailed),
		audio.WithOnCaptured(func(audio.AudioFrame) {
			c.metrics.RecordFrame(context.Background(), observe.DirectionCapture)
		}),
	)

	sess, err := c.provider.Connect(ctx, live.ConnectOptions{
		Credentials: c.cfg.Credentials,
		Source:      c.captureQ,
		Sink:        c.playback,
		Handler: live.Handler{
			OnMessage: func(m live.Message) { c.post(msgEvent{msg: m}) },
			OnClose:   func(err error) { c.post(closeEvent{err: err}) },
		},
	})
	if err != nil {
		return err
	}
	c.session = sess
	go c.run()

	c.transitionLocked(ctx, Configuring)
	err = c.sendLocked(ctx, live.SetupRequest{
		Model:              c.cfg.Model,
		ResponseModalities: []string{"AUDIO"},
		SystemInstruction:  SystemInstruction(c.cfg.ExplanationEnabled),
		Voice:              c.cfg.Voice,
		Transcribe:         true,
	})
	if err != nil {
		return fmt.Errorf("review: send setup: %w", err)
	}

	c.current = ref
	c.presenter.emit(CardShown{Question: question})
	if err := c.sendLocked(ctx, userTurn(InitialPrompt(question))); err != nil {
		return fmt.Errorf("review: send first prompt: %w", err)
	}

	c.transitionLocked(ctx, Active)
	c.started = time.Now()
	c.metrics.ActiveSessions.Add(ctx, 1)

	if err := c.capture.Start(); err != nil {
		return err
	}
	c.presenter.emit(Status{Kind: StatusActive, Message: "Session Active - Speak naturally!"})
	c.addEntryLocked(SpeakerSystem, "Session started. Gemini will ask you the question.")
	c.log.Info("review: session started", "card", ref, "model", c.cfg.Model)
	return nil
}

func userTurn(text string) live.ClientTextTurn {
	return live.ClientTextTurn{Role: "user", Text: text, TurnComplete: true}
}

func (c *Controller) sendLocked(ctx context.Context, m live.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return c.session.Send(ctx, m)
}

// ── Stop ──────────────────────────────────────────────────────────────────────

// Stop ends the session: capture stops, queued speech drains for at most
// DrainTimeout or until ctx is done, and the connection is closed. It is a
// no-op after the session ended. Before Start it only releases the
// presenter goroutine; the controller can no longer be started.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	switch c.state {
	case Disconnected:
		c.releaseLocked()
		c.opMu.Unlock()
		return nil
	case Stopped, Errored:
		c.opMu.Unlock()
		return nil
	}
	c.stopLocked(ctx, "Session ended.", drainBudget(ctx, c.cfg.DrainTimeout))
	c.opMu.Unlock()

	c.joinLoop(ctx)
	return nil
}

// releaseLocked frees an unstarted controller's goroutine and queues.
func (c *Controller) releaseLocked() {
	if c.released {
		return
	}
	c.released = true
	c.events.Close()
	close(c.loopDone)
	c.presenter.close(joinTimeout)
}

// drainBudget caps d by ctx. A done ctx gets no drain at all.
func drainBudget(ctx context.Context, d time.Duration) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	if dl, ok := ctx.Deadline(); ok {
		d = min(d, time.Until(dl))
	}
	return max(d, 0)
}

func (c *Controller) stopLocked(ctx context.Context, note string, drain time.Duration) {
	c.transitionLocked(ctx, Stopping)
	c.teardownLocked(drain)
	c.transitionLocked(ctx, Stopped)
	c.addEntryLocked(SpeakerSystem, note)
	c.presenter.emit(Status{Kind: StatusStopped, Message: "Session Stopped"})
	c.finishLocked(ctx)
	c.log.Info("review: session stopped", "reviewed", c.reviewed)
}

// failLocked moves to Errored after a best-effort teardown that discards
// queued speech.
func (c *Controller) failLocked(err error) {
	if c.state.Terminal() {
		return
	}
	ctx := context.Background()
	c.teardownLocked(0)
	c.err = err
	c.transitionLocked(ctx, Errored)
	c.addEntryLocked(SpeakerError, err.Error())
	c.presenter.emit(Status{Kind: StatusErrored, Message: err.Error()})
	c.finishLocked(ctx)
	c.log.Error("review: session failed", "err", err)
}

// teardownLocked stops the loops in order: capture, playback, connection.
// Playback drains for at most drain; zero discards queued speech.
func (c *Controller) teardownLocked(drain time.Duration) {
	c.gen++
	if c.pacer != nil {
		c.pacer.Stop()
		c.pacer = nil
	}
	if c.capture != nil {
		if err := c.capture.Stop(c.cfg.StopTimeout); err != nil {
			c.log.Warn("review: stop capture", "err", err)
		}
	}
	if c.captureQ != nil {
		c.captureQ.Close()
	}
	if c.playback != nil {
		c.playback.Close()
		if drain > 0 {
			if err := c.playback.Stop(drain); err != nil {
				c.log.Warn("review: playback did not drain, aborting", "err", err)
				_ = c.playback.Abort(c.cfg.StopTimeout)
			}
		} else {
			_ = c.playback.Abort(c.cfg.StopTimeout)
		}
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Warn("review: close session", "err", err)
		}
	}
}

// finishLocked closes the event queue, drains the presenter and closes
// Done. The state is terminal.
func (c *Controller) finishLocked(ctx context.Context) {
	if !c.started.IsZero() {
		c.metrics.ActiveSessions.Add(ctx, -1)
		c.metrics.SessionDuration.Record(ctx, time.Since(c.started).Seconds())
	}
	c.events.Close()
	if c.session == nil {
		// The event loop never started.
		close(c.loopDone)
	}
	c.presenter.close(joinTimeout)
	close(c.done)
}

func (c *Controller) joinLoop(ctx context.Context) {
	select {
	case <-c.loopDone:
	case <-ctx.Done():
		c.log.Warn("review: gave up waiting for the event loop", "err", ctx.Err())
	case <-time.After(joinTimeout):
		c.log.Warn("review: event loop did not exit in time", "timeout", joinTimeout)
	}
}

func (c *Controller) transitionLocked(ctx context.Context, to State) {
	from := c.state
	c.state = to
	c.metrics.RecordTransition(ctx, to.String())
	c.log.Debug("review: state change", "from", from, "to", to)
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}

// ── Controls ──────────────────────────────────────────────────────────────────

// SetMuted stops or restarts the microphone. The connection and playback
// are untouched.
func (c *Controller) SetMuted(muted bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.state != Active {
		return ErrNotActive
	}
	if muted == c.muted {
		return nil
	}
	if muted {
		if err := c.capture.Stop(c.cfg.StopTimeout); err != nil {
			c.log.Warn("review: mute", "err", err)
		}
		c.muted = true
		c.presenter.emit(Status{Kind: StatusMuted, Message: "Microphone Muted"})
		return nil
	}
	if err := c.capture.Start(); err != nil {
		return err
	}
	c.muted = false
	c.presenter.emit(Status{Kind: StatusActive, Message: "Session Active - Speak naturally!"})
	return nil
}

// AnswerCurrentCard rates the card under review by hand, as if the tutor
// had announced r.
func (c *Controller) AnswerCurrentCard(ctx context.Context, r rating.Rating) error {
	ctx, span := observe.StartSpan(ctx, "review.answer",
		trace.WithAttributes(attribute.String("review.rating", r.String())))
	defer span.End()

	if !r.Valid() {
		return fmt.Errorf("review: invalid rating %d", int(r))
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.state != Active {
		return ErrNotActive
	}
	if c.current == "" {
		return ErrNoActiveCard
	}
	err := c.rateLocked(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (c *Controller) post(ev any) {
	if err := c.events.Push(ev); err != nil {
		c.log.Debug("review: event after shutdown dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) deviceFailed(err error) { c.post(deviceEvent{err: err}) }

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		ev, err := c.events.Pop(context.Background(), time.Second)
		if errors.Is(err, audio.ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		c.handle(ev)
	}
}

func (c *Controller) handle(ev any) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.state != Active {
		return
	}
	ctx := context.Background()

	switch ev := ev.(type) {
	case msgEvent:
		c.onMessageLocked(ctx, ev.msg)
	case closeEvent:
		if ev.err != nil {
			c.failLocked(ev.err)
			return
		}
		c.stopLocked(ctx, "Session ended by Gemini.", c.cfg.DrainTimeout)
	case deviceEvent:
		c.failLocked(ev.err)
	case nextEvent:
		if ev.gen == c.gen {
			c.advanceLocked(ctx)
		}
	}
}

func (c *Controller) onMessageLocked(ctx context.Context, m live.Message) {
	switch m := m.(type) {
	case live.SetupComplete:
		c.log.Debug("review: setup acknowledged")
	case live.ServerTextPart:
		c.flushUserLocked()
		c.addEntryLocked(SpeakerGemini, m.Text)
		c.maybeRateLocked(ctx, m.Text)
	case live.Transcription:
		if m.Source == live.InputTranscript {
			c.userText.WriteString(m.Text)
			return
		}
		c.flushUserLocked()
		c.turnText.WriteString(m.Text)
	case live.TurnComplete:
		c.flushUserLocked()
		text := strings.TrimSpace(c.turnText.String())
		c.turnText.Reset()
		if text == "" {
			return
		}
		c.addEntryLocked(SpeakerGemini, text)
		if !m.Interrupted {
			c.maybeRateLocked(ctx, text)
		}
	}
}

func (c *Controller) flushUserLocked() {
	text := strings.TrimSpace(c.userText.String())
	c.userText.Reset()
	if text != "" {
		c.addEntryLocked(SpeakerUser, text)
	}
}

func (c *Controller) maybeRateLocked(ctx context.Context, text string) {
	if c.current == "" {
		return
	}
	r, ok := rating.Extract(text)
	if !ok {
		return
	}
	if err := c.rateLocked(ctx, r); err != nil {
		c.log.Error("review: record rating", "err", err, "card", c.current)
	}
}

// rateLocked records r for the current card and schedules the next one
// after PacingDelay. A scheduler failure keeps the card current.
func (c *Controller) rateLocked(ctx context.Context, r rating.Rating) error {
	ref := c.current
	if err := c.sched.RecordRating(ctx, ref, r); err != nil {
		c.addEntryLocked(SpeakerSystem, "Could not record rating: "+err.Error())
		return fmt.Errorf("review: record rating for %q: %w", ref, err)
	}
	c.metrics.RecordRating(ctx, r.String())
	c.addEntryLocked(SpeakerSystem, "Card rated as: "+r.Title())
	c.log.Info("review: card rated", "card", ref, "rating", r)

	c.current = ""
	c.reviewed++
	c.gen++
	gen := c.gen
	if c.pacer != nil {
		c.pacer.Stop()
	}
	c.pacer = time.AfterFunc(c.cfg.PacingDelay, func() { c.post(nextEvent{gen: gen}) })
	return nil
}

// advanceLocked asks for the next due card, or completes the session when
// the deck is done.
func (c *Controller) advanceLocked(ctx context.Context) {
	c.pacer = nil

	ref, ok, err := c.sched.NextDueCard(ctx)
	if err != nil {
		c.failLocked(fmt.Errorf("review: fetch next card: %w", err))
		return
	}
	if !ok {
		c.addEntryLocked(SpeakerSystem, "All cards reviewed! Great job!")
		c.presenter.emit(Status{Kind: StatusCompleted, Message: "Review session complete!"})
		c.stopLocked(ctx, "Session ended.", c.cfg.DrainTimeout)
		return
	}

	question, err := c.sched.QuestionText(ctx, ref)
	if err != nil {
		c.failLocked(fmt.Errorf("review: question for %q: %w", ref, err))
		return
	}
	c.current = ref
	c.presenter.emit(CardShown{Question: question})
	if err := c.sendLocked(ctx, userTurn(NextPrompt(question))); err != nil {
		c.failLocked(fmt.Errorf("review: send next prompt: %w", err))
		return
	}
	c.addEntryLocked(SpeakerSystem, "Moving to next card...")
}

func (c *Controller) addEntryLocked(speaker, text string) {
	e := Entry{Speaker: speaker, Text: text, Time: time.Now()}
	c.transcript = append(c.transcript, e)
	c.presenter.emit(e)
}
