// Package gemini implements [live.Provider] for Google's Gemini Live API.
//
// A session is one WebSocket connection to the BidiGenerateContent endpoint
// carrying JSON text frames. The send loop is the only writer: it drains
// queued control messages first and then streams captured audio as base64
// PCM chunks. The receive loop is the only reader: it decodes each frame,
// pushes speech into the playback sink without blocking and reports text and
// turn events through the session handler. A keepalive loop pings the
// server so idle stretches between cards do not drop the connection.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MoPaMo/anki-gemini-live/internal/observe"
	"github.com/MoPaMo/anki-gemini-live/internal/resilience"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*session)(nil)
)

const (
	// DefaultBaseURL is the public Gemini Live WebSocket endpoint.
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultPollInterval   = 100 * time.Millisecond
	defaultJoinTimeout    = time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultKeepalive      = 20 * time.Second
	keepaliveTimeout      = 5 * time.Second
	defaultParseThreshold = 5
	controlQueueSize      = 16

	// Server audio frames routinely exceed the library's 32 KiB default.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the WebSocket base URL. Tests point it at a local
// server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithPollInterval sets how long the send loop waits for audio before
// re-checking for a stop signal. Default 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.poll = d }
}

// WithJoinTimeout bounds how long Close waits for the loops. Default 1s.
func WithJoinTimeout(d time.Duration) Option {
	return func(p *Provider) { p.joinTimeout = d }
}

// WithKeepalive sets the ping interval; zero disables pings. Default 20s.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// WithParseErrorThreshold sets how many consecutive malformed frames end a
// session. Default 5.
func WithParseErrorThreshold(n int) Option {
	return func(p *Provider) { p.parseThreshold = n }
}

// WithAudioMIMEType sets the MIME type sent with microphone chunks. Default
// "audio/pcm".
func WithAudioMIMEType(mt string) Option {
	return func(p *Provider) { p.mimeType = mt }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials Gemini Live sessions.
type Provider struct {
	baseURL        string
	poll           time.Duration
	joinTimeout    time.Duration
	keepalive      time.Duration
	parseThreshold int
	mimeType       string
	log            *slog.Logger
	metrics        *observe.Metrics
}

// New creates a Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:        DefaultBaseURL,
		poll:           defaultPollInterval,
		joinTimeout:    defaultJoinTimeout,
		keepalive:      defaultKeepalive,
		parseThreshold: defaultParseThreshold,
		mimeType:       live.MIMETypePCM,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Connect dials the endpoint and starts the session loops. The caller sends
// the SetupRequest as the first control message.
func (p *Provider) Connect(ctx context.Context, opts live.ConnectOptions) (live.Session, error) {
	if opts.Credentials == "" {
		return nil, &live.ConnectError{Endpoint: p.baseURL, Err: live.ErrNoCredentials}
	}

	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(opts.Credentials)
	start := time.Now()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		p.metrics.RecordTransportError(ctx, "connect")
		return nil, &live.ConnectError{
			Endpoint: p.baseURL,
			Err:      redactedError{err: err, secret: opts.Credentials},
		}
	}
	p.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	conn.SetReadLimit(readLimit)

	s := newSession(p, conn, opts)
	s.start()
	p.log.Info("gemini: session connected", "endpoint", p.baseURL, "elapsed", time.Since(start))
	return s, nil
}

// redactedError keeps the API key, which sits in the dial URL, out of error
// strings and logs.
type redactedError struct {
	err    error
	secret string
}

func (e redactedError) Error() string {
	return strings.ReplaceAll(e.err.Error(), url.QueryEscape(e.secret), "REDACTED")
}

func (e redactedError) Unwrap() error { return e.err }

// ── session ────────────────────────────────────────────────────────────────────

// outbound is a control message waiting for the send loop.
type outbound struct {
	kind   string
	data   []byte
	result chan error
}

type session struct {
	conn     *websocket.Conn
	source   live.AudioSource
	sink     live.AudioSink
	handler  live.Handler
	control  chan *outbound
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger
	metrics  *observe.Metrics
	mimeType string

	poll        time.Duration
	joinTimeout time.Duration
	keepalive   time.Duration

	// ctx bounds the whole session; sendCtx additionally stops the writer
	// side first during a local Close so the close handshake is the last
	// frame written.
	ctx        context.Context
	cancel     context.CancelFunc
	sendCtx    context.Context
	sendCancel context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
}

func newSession(p *Provider, conn *websocket.Conn, opts live.ConnectOptions) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(ctx)
	return &session{
		conn:    conn,
		source:  opts.Source,
		sink:    opts.Sink,
		handler: opts.Handler,
		control: make(chan *outbound, controlQueueSize),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "gemini-frames",
			MaxFailures:  p.parseThreshold,
			ResetTimeout: time.Hour,
			Logger:       p.log,
		}),
		log:         p.log,
		metrics:     p.metrics,
		mimeType:    p.mimeType,
		poll:        p.poll,
		joinTimeout: p.joinTimeout,
		keepalive:   p.keepalive,
		ctx:         ctx,
		cancel:      cancel,
		sendCtx:     sendCtx,
		sendCancel:  sendCancel,
		done:        make(chan struct{}),
	}
}

func (s *session) start() {
	s.wg.Add(2)
	go s.sendLoop()
	go s.receiveLoop()
	if s.keepalive > 0 {
		go s.keepaliveLoop()
	}
	go s.await()
}

// await closes done once both loops exited and reports a self-inflicted end
// to the handler.
func (s *session) await() {
	s.wg.Wait()

	s.mu.Lock()
	local, err := s.closing, s.err
	s.mu.Unlock()

	if !local {
		_ = s.conn.CloseNow()
	}
	close(s.done)

	if !local && s.handler.OnClose != nil {
		s.handler.OnClose(err)
	}
}

// finish ends the session because of err (nil for a clean remote close).
// The first reason wins.
func (s *session) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error("gemini: session failed", "err", err)
	} else {
		s.log.Info("gemini: connection closed by server")
	}
	s.cancel()
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ── Send loop ──────────────────────────────────────────────────────────────────

func (s *session) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var ready <-chan struct{}
	if s.source != nil {
		ready = s.source.Ready()
	}

	for {
		if s.sendCtx.Err() != nil {
			s.rejectPending()
			return
		}

		// Control messages always go before the next audio chunk.
		select {
		case out := <-s.control:
			if !s.writeControl(out) {
				return
			}
			continue
		default:
		}

		if s.source != nil {
			if frame, ok := s.source.TryPop(); ok {
				if !s.writeAudio(frame) {
					return
				}
				continue
			}
		}

		select {
		case <-s.sendCtx.Done():
		case out := <-s.control:
			if !s.writeControl(out) {
				return
			}
		case <-ready:
		case <-ticker.C:
		}
	}
}

func (s *session) writeControl(out *outbound) bool {
	err := s.write(out.data)
	out.result <- err
	if err != nil {
		return false
	}
	s.metrics.RecordControl(s.ctx, out.kind)
	return true
}

func (s *session) writeAudio(frame audio.AudioFrame) bool {
	data, err := live.Encode(live.RealtimeAudioChunk{MIMEType: s.mimeType, Data: frame.Data})
	if err != nil {
		s.log.Warn("gemini: encode audio chunk", "err", err)
		return true
	}
	if err := s.write(data); err != nil {
		return false
	}
	s.metrics.RecordFrame(s.ctx, observe.DirectionSend)
	return true
}

// write sends one text frame. A failure ends the session unless it was
// caused by a local Close.
func (s *session) write(data []byte) error {
	ctx, cancel := context.WithTimeout(s.sendCtx, defaultWriteTimeout)
	defer cancel()

	err := s.conn.Write(ctx, websocket.MessageText, data)
	if err == nil {
		return nil
	}
	if s.sendCtx.Err() != nil {
		return live.ErrSessionClosed
	}
	sendErr := &live.SendError{Err: err}
	s.metrics.RecordTransportError(s.ctx, "send")
	s.finish(sendErr)
	return sendErr
}

// rejectPending fails control messages still queued when the loop stops.
func (s *session) rejectPending() {
	for {
		select {
		case out := <-s.control:
			out.result <- live.ErrSessionClosed
		default:
			return
		}
	}
}

// ── Receive loop ───────────────────────────────────────────────────────────────

func (s *session) receiveLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.readFailed(err)
			return
		}

		msgs, err := live.Decode(data)
		if err != nil {
			s.metrics.ParseErrors.Add(s.ctx, 1)
			s.log.Warn("gemini: skipping malformed frame", "err", err)
			if s.breaker.Record(err) == resilience.StateOpen {
				s.metrics.RecordTransportError(s.ctx, "parse")
				s.finish(live.ErrTooManyParseErrors)
				return
			}
			continue
		}
		s.breaker.Record(nil)

		for _, m := range msgs {
			switch m := m.(type) {
			case live.ServerAudioChunk:
				s.deliverAudio(m)
			case live.ServerError:
				s.metrics.RecordTransportError(s.ctx, "server")
				s.finish(&live.ReceiveError{Err: m})
				return
			default:
				if s.handler.OnMessage != nil {
					s.handler.OnMessage(m)
				}
			}
		}
	}
}

func (s *session) readFailed(err error) {
	if s.isClosing() || s.ctx.Err() != nil {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.finish(nil)
		return
	}
	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return
	}
	s.metrics.RecordTransportError(s.ctx, "receive")
	s.finish(&live.ReceiveError{Err: err})
}

// deliverAudio hands a chunk to the sink. It never waits: a sink that is
// full or closed costs a dropped chunk, not a stalled reader.
func (s *session) deliverAudio(m live.ServerAudioChunk) {
	if s.sink == nil {
		s.metrics.RecordDrop(s.ctx, observe.DirectionReceive)
		return
	}
	frame := audio.AudioFrame{Data: m.Data, SampleRate: m.SampleRate, Channels: 1}
	if err := s.sink.Push(frame); err != nil {
		s.metrics.RecordDrop(s.ctx, observe.DirectionReceive)
		s.log.Debug("gemini: audio chunk dropped", "err", err, "bytes", len(m.Data))
		return
	}
	s.metrics.RecordFrame(s.ctx, observe.DirectionReceive)
}

// ── Keepalive ──────────────────────────────────────────────────────────────────

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.sendCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.sendCtx, keepaliveTimeout)
			if err := s.conn.Ping(ctx); err != nil && s.sendCtx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Session ───────────────────────────────────────────────────────────────

// Send queues msg ahead of pending audio and waits for it to be written.
func (s *session) Send(ctx context.Context, msg live.Message) error {
	data, err := live.Encode(msg)
	if err != nil {
		return err
	}
	out := &outbound{kind: kindOf(msg), data: data, result: make(chan error, 1)}

	select {
	case s.control <- out:
	case <-s.sendCtx.Done():
		return live.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-s.done:
		select {
		case err := <-out.result:
			return err
		default:
			return live.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func kindOf(m live.Message) string {
	switch m.(type) {
	case live.SetupRequest:
		return "setup"
	case live.ClientTextTurn:
		return "text"
	case live.RealtimeAudioChunk:
		return "audio"
	default:
		return "other"
	}
}

// Done is closed after both loops exited.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended on its own, or nil.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close performs the WebSocket close handshake and stops the loops, waiting
// at most the join timeout for each step. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	// Stop writing first so the close frame is the last thing sent.
	s.sendCancel()

	handshake := make(chan error, 1)
	go func() {
		handshake <- s.conn.Close(websocket.StatusNormalClosure, "session closed")
	}()
	select {
	case err := <-handshake:
		if err != nil {
			s.log.Debug("gemini: close handshake", "err", err)
		}
	case <-time.After(s.joinTimeout):
		s.log.Warn("gemini: close handshake timed out", "timeout", s.joinTimeout)
	}

	s.cancel()
	_ = s.conn.CloseNow()

	select {
	case <-s.done:
	case <-time.After(s.joinTimeout):
		s.log.Warn("gemini: session loops did not stop in time", "timeout", s.joinTimeout)
	}
	return nil
}
