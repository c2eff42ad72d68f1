// Package live defines the transport contract for a realtime duplex session
// with a conversational endpoint such as the Gemini Live API.
//
// A session multiplexes three flows over one persistent connection: captured
// microphone audio going out, synthesized speech coming back, and control
// traffic (setup, text turns, transcripts, errors) in both directions. The
// transport runs exactly one send loop and one receive loop per connection.
// The send loop drains an [AudioSource] and a control queue, always writing
// pending control messages before the next audio chunk. The receive loop
// decodes frames with [Decode], pushes audio into an [AudioSink] without ever
// blocking, and hands everything else to a [Handler].
//
// Retry and reconnect policy is not part of a transport: a failed session
// stays failed and reports why through [Handler.OnClose].
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

// AudioSource is the capture queue drained by the send loop. [audio.Queue]
// satisfies it.
type AudioSource interface {
	TryPop() (audio.AudioFrame, bool)
	Ready() <-chan struct{}
}

// AudioSink receives decoded server audio. Push must not block; a full or
// closed sink rejects the frame with an error and the frame is dropped.
// [audio.Playback] satisfies it.
type AudioSink interface {
	Push(frame audio.AudioFrame) error
}

// Handler receives everything the receive loop decodes apart from audio.
// Callbacks run on the receive goroutine and must return quickly; they must
// not call [Session.Close] synchronously.
type Handler struct {
	// OnMessage receives ServerTextPart, Transcription, TurnComplete and
	// SetupComplete messages in arrival order.
	OnMessage func(Message)

	// OnClose is called once when the session ended on its own, that is
	// not through Close. err is nil when the server closed the connection
	// normally and otherwise a *SendError, *ReceiveError or
	// ErrTooManyParseErrors.
	OnClose func(err error)
}

// ConnectOptions configures one session.
type ConnectOptions struct {
	// Credentials is the endpoint API key. It is used for the dial only and
	// not retained by the session.
	Credentials string

	// Source is drained by the send loop. May be nil for text-only sessions.
	Source AudioSource

	// Sink receives server audio. May be nil, in which case audio is dropped.
	Sink AudioSink

	Handler Handler
}

// Provider opens sessions against one endpoint.
type Provider interface {
	// Connect dials the endpoint and starts the send and receive loops. A
	// dial failure is returned as *ConnectError.
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// Session is a live connection. All methods are safe for concurrent use.
type Session interface {
	// Send queues a control message ahead of any pending audio and waits
	// until it was written. It returns *SendError on a write failure and
	// ErrSessionClosed once the session ended.
	Send(ctx context.Context, msg Message) error

	// Done is closed once both loops have exited.
	Done() <-chan struct{}

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close sends a normal-closure frame, stops both loops and waits a
	// bounded time for them to exit. Idempotent.
	Close() error
}

// Sentinel errors.
var (
	ErrSessionClosed      = errors.New("live: session closed")
	ErrNoCredentials      = errors.New("live: no credentials")
	ErrTooManyParseErrors = errors.New("live: too many malformed server frames")
)

// ConnectError reports a failure to establish the connection.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("live: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed write. The send loop stops after one.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "live: send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a failed read or a structured server error.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string { return "live: receive: " + e.Err.Error() }

func (e *ReceiveError) Unwrap() error { return e.Err }
