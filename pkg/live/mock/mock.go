// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inspect what a caller sent and to play the server side:
// Emit delivers server messages through the registered handler and
// EndRemote ends the session as if the connection dropped.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, live.ConnectOptions{Credentials: "k", Handler: h})
//	p.LastSession().Emit(live.ServerTextPart{Text: "rating: good"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// SendErr is copied into every session created by Connect.
	SendErr error

	// ConnectCalls records the options passed to every Connect call.
	ConnectCalls []live.ConnectOptions

	sessions []*Session
}

// Connect records the call and returns a new Session bound to opts.
func (p *Provider) Connect(_ context.Context, opts live.ConnectOptions) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, opts)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession(opts)
	s.SendErr = p.SendErr
	p.sessions = append(p.sessions, s)
	return s, nil
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of live.Session. It drains the audio
// source in the background so capture never backs up.
type Session struct {
	opts live.ConnectOptions

	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	sent       []live.Message
	audioCount int
	closeCount int
	err        error
	ended      bool

	sentCh chan live.Message
	done   chan struct{}
}

// NewSession returns a running Session for opts.
func NewSession(opts live.ConnectOptions) *Session {
	s := &Session{
		opts:   opts,
		sentCh: make(chan live.Message, 64),
		done:   make(chan struct{}),
	}
	if opts.Source != nil {
		go s.drain()
	}
	return s
}

func (s *Session) drain() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for {
			if _, ok := s.opts.Source.TryPop(); !ok {
				break
			}
			s.mu.Lock()
			s.audioCount++
			s.mu.Unlock()
		}
		select {
		case <-s.done:
			return
		case <-s.opts.Source.Ready():
		case <-ticker.C:
		}
	}
}

// Send records msg. It fails with ErrSessionClosed once the session ended.
func (s *Session) Send(_ context.Context, msg live.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, msg)
	select {
	case s.sentCh <- msg:
	default:
	}
	return nil
}

// Sent returns a copy of every message passed to Send.
func (s *Session) Sent() []live.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.Message(nil), s.sent...)
}

// SentCh delivers each sent message, dropping them once 64 are unread.
func (s *Session) SentCh() <-chan live.Message { return s.sentCh }

// AudioFrames returns how many frames were drained from the source.
func (s *Session) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioCount
}

// Emit plays one server message: audio goes to the sink, anything else to
// the handler.
func (s *Session) Emit(msg live.Message) {
	if chunk, ok := msg.(live.ServerAudioChunk); ok {
		if s.opts.Sink != nil {
			_ = s.opts.Sink.Push(chunkFrame(chunk))
		}
		return
	}
	if s.opts.Handler.OnMessage != nil {
		s.opts.Handler.OnMessage(msg)
	}
}

// EndRemote ends the session as if the server went away and reports err to
// the handler. It does nothing after Close.
func (s *Session) EndRemote(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	if s.opts.Handler.OnClose != nil {
		s.opts.Handler.OnClose(err)
	}
}

// Done implements live.Session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements live.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session without calling OnClose. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.ended {
		s.ended = true
		close(s.done)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Options returns the options the session was created with.
func (s *Session) Options() live.ConnectOptions { return s.opts }

func chunkFrame(c live.ServerAudioChunk) audio.AudioFrame {
	rate := c.SampleRate
	if rate == 0 {
		rate = live.DefaultServerSampleRate
	}
	return audio.AudioFrame{Data: c.Data, SampleRate: rate, Channels: 1}
}
