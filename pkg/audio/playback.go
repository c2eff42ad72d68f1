package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultPlaybackBuffer is the default playback queue capacity in frames.
const DefaultPlaybackBuffer = 1024

// PlaybackOption configures a [Playback].
type PlaybackOption func(*Playback)

// WithPlaybackLogger sets the logger. Defaults to slog.Default().
func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(p *Playback) { p.log = l }
}

// WithPlaybackBuffer sets the playback queue capacity in frames. Pushes beyond
// it are dropped rather than blocking the producer.
func WithPlaybackBuffer(n int) PlaybackOption {
	return func(p *Playback) { p.buffer = n }
}

// WithPollInterval sets how long the loop waits on an empty queue before
// re-checking whether it should keep running. Default 500ms.
func WithPollInterval(d time.Duration) PlaybackOption {
	return func(p *Playback) { p.poll = d }
}

// WithSpeakerFormat sets the format the speaker is opened with. Incoming
// frames are converted to it. Default [Capture16kMono].
func WithSpeakerFormat(f Format) PlaybackOption {
	return func(p *Playback) { p.format = f }
}

// WithPlaybackErrorHandler sets the callback invoked with a *DeviceError when
// the speaker fails.
func WithPlaybackErrorHandler(fn func(error)) PlaybackOption {
	return func(p *Playback) { p.onError = fn }
}

// WithOnDrop sets a callback invoked for every frame rejected by a full queue.
func WithOnDrop(fn func()) PlaybackOption {
	return func(p *Playback) { p.onDrop = fn }
}

// WithOnPlayed sets a callback invoked after each frame reached the speaker.
func WithOnPlayed(fn func(AudioFrame)) PlaybackOption {
	return func(p *Playback) { p.onPlayed = fn }
}

// Playback plays queued frames on a speaker. The loop starts lazily on the
// first Push and keeps running while it is told to or while frames remain,
// so trailing audio is never cut off by Stop. The speaker stays open across
// gaps between frames.
type Playback struct {
	dev      Device
	queue    *Queue[AudioFrame]
	format   Format
	buffer   int
	poll     time.Duration
	log      *slog.Logger
	onError  func(error)
	onDrop   func()
	onPlayed func(AudioFrame)

	mu       sync.Mutex
	running  bool
	keep     bool
	done     chan struct{}
	stopLoop context.CancelFunc
}

// NewPlayback creates an idle playback loop.
func NewPlayback(dev Device, opts ...PlaybackOption) *Playback {
	p := &Playback{
		dev:    dev,
		format: Capture16kMono,
		buffer: DefaultPlaybackBuffer,
		poll:   500 * time.Millisecond,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = NewQueue[AudioFrame](p.buffer)
	return p
}

// Push enqueues frame without blocking and starts the loop if it is idle.
// It fails with ErrQueueClosed after Close and ErrQueueFull when the buffer
// is exhausted; in both cases the frame is dropped.
func (p *Playback) Push(frame AudioFrame) error {
	if err := p.queue.Push(frame); err != nil {
		if errors.Is(err, ErrQueueFull) && p.onDrop != nil {
			p.onDrop()
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.startLocked()
	}
	return nil
}

func (p *Playback) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.keep = true
	p.done = make(chan struct{})
	p.stopLoop = cancel
	go p.loop(ctx, p.done)
}

// Playing reports whether the loop is running.
func (p *Playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Queued returns the number of frames waiting to be played.
func (p *Playback) Queued() int { return p.queue.Len() }

// Stop tells the loop to finish: every frame already queued is still played,
// then the speaker is flushed and closed. Stop waits up to timeout.
func (p *Playback) Stop(timeout time.Duration) error {
	p.mu.Lock()
	p.keep = false
	running, done, cancel := p.running, p.done, p.stopLoop
	p.mu.Unlock()
	if !running {
		return nil
	}
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		p.log.Warn("audio: playback loop did not stop in time",
			"timeout", timeout,
			"queued", p.queue.Len(),
		)
		return ErrStopTimeout
	}
}

// Abort discards all queued frames and then stops. It is the only way queued
// audio is thrown away.
func (p *Playback) Abort(timeout time.Duration) error {
	if n := p.queue.Discard(); n > 0 {
		p.log.Debug("audio: playback aborted", "discarded", n)
	}
	return p.Stop(timeout)
}

// Close rejects further pushes. Frames already queued are still played.
func (p *Playback) Close() {
	p.queue.Close()
}

// finish decides under the lock whether the loop may exit, so a concurrent
// Push either sees running=false and starts a new loop or lands in the queue
// before this check.
func (p *Playback) finish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keep && !p.queue.Closed() {
		return false
	}
	if p.queue.Len() > 0 {
		return false
	}
	p.running = false
	return true
}

func (p *Playback) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	spk, err := p.dev.OpenSpeaker(p.format, ChunkSamples)
	if err != nil {
		p.fail(&DeviceError{Op: "open speaker", Err: err})
		return
	}

	conv := FormatConverter{Target: p.format, Logger: p.log}
	for {
		frame, err := p.queue.Pop(ctx, p.poll)
		switch {
		case err == nil:
			out := conv.Convert(frame)
			if len(out.Data) == 0 {
				break
			}
			if err := spk.Write(out.Data); err != nil {
				_ = spk.Close()
				p.fail(&DeviceError{Op: "write", Err: err})
				return
			}
			if p.onPlayed != nil {
				p.onPlayed(frame)
			}
		case errors.Is(err, ErrQueueEmpty), errors.Is(err, context.Canceled):
			// Temporarily empty, or Stop was requested; finish decides.
		case errors.Is(err, ErrQueueClosed):
		}

		if p.finish() {
			break
		}
	}

	if err := spk.Close(); err != nil {
		p.log.Warn("audio: close speaker", "err", err)
	}
	p.log.Debug("audio: playback loop exited")
}

func (p *Playback) fail(err error) {
	dropped := p.queue.Discard()
	p.mu.Lock()
	p.running = false
	p.keep = false
	p.mu.Unlock()

	p.log.Error("audio: playback loop ended", "err", err, "discarded", dropped)
	if p.onError != nil {
		p.onError(err)
	}
}
