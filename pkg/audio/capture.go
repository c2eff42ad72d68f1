package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultJoinTimeout bounds how long Stop waits for a loop to exit.
const DefaultJoinTimeout = time.Second

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureLogger sets the logger. Defaults to slog.Default().
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// WithLevelObserver registers fn to receive microphone levels in [0, 1].
// Observers run on a metering goroutine, never on the capture goroutine, and
// receive at most one sample per meter interval. Samples are dropped while an
// observer is busy.
func WithLevelObserver(fn func(level float64)) CaptureOption {
	return func(c *Capture) { c.observers = append(c.observers, fn) }
}

// WithMeterInterval sets the minimum spacing of level samples. Default 100ms.
func WithMeterInterval(d time.Duration) CaptureOption {
	return func(c *Capture) { c.meterEvery = d }
}

// WithCaptureErrorHandler sets the callback invoked with a *DeviceError when
// the microphone fails. It is called from the capture goroutine after the
// loop has stopped reading.
func WithCaptureErrorHandler(fn func(error)) CaptureOption {
	return func(c *Capture) { c.onError = fn }
}

// WithOnCaptured sets a callback invoked for every frame pushed to the queue.
func WithOnCaptured(fn func(AudioFrame)) CaptureOption {
	return func(c *Capture) { c.onFrame = fn }
}

// Capture reads fixed-size chunks from a microphone and pushes them onto a
// queue. It can be started again after Stop, which is how mute is
// implemented.
type Capture struct {
	dev        Device
	out        *Queue[AudioFrame]
	format     Format
	chunk      int
	log        *slog.Logger
	observers  []func(float64)
	meterEvery time.Duration
	onError    func(error)
	onFrame    func(AudioFrame)

	mu   sync.Mutex
	run  *captureRun
	base time.Duration
}

// captureRun is the state of one Start..Stop cycle.
type captureRun struct {
	stop   chan struct{}
	done   chan struct{}
	levels chan float64
}

// NewCapture creates a capture loop feeding out. The microphone is opened on
// Start at [Capture16kMono] with [ChunkSamples] samples per read.
func NewCapture(dev Device, out *Queue[AudioFrame], opts ...CaptureOption) *Capture {
	c := &Capture{
		dev:        dev,
		out:        out,
		format:     Capture16kMono,
		chunk:      ChunkSamples,
		log:        slog.Default(),
		meterEvery: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the microphone and begins capturing. Starting a running
// capture is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.run; r != nil {
		select {
		case <-r.done:
		case <-r.stop:
			// A previous Stop timed out; give the old loop one more join
			// window so two loops never read the same device.
			select {
			case <-r.done:
			case <-time.After(DefaultJoinTimeout):
				return ErrStopTimeout
			}
		default:
			return nil
		}
	}

	mic, err := c.dev.OpenMicrophone(c.format, c.chunk)
	if err != nil {
		return &DeviceError{Op: "open microphone", Err: err}
	}

	r := &captureRun{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		levels: make(chan float64, 1),
	}
	c.run = r
	go c.meter(r)
	go c.loop(r, mic, c.base)
	c.log.Debug("audio: capture started", "format", c.format, "chunk", c.chunk)
	return nil
}

// Running reports whether the capture goroutine is active.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	select {
	case <-c.run.done:
		return false
	default:
		return true
	}
}

// Stop signals the loop and waits up to timeout for it to close the
// microphone and exit. A timeout is logged and returned as ErrStopTimeout;
// the loop still exits on its own once the blocked read returns.
func (c *Capture) Stop(timeout time.Duration) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case <-r.stop:
	default:
		close(r.stop)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-t.C:
		c.log.Warn("audio: capture loop did not stop in time", "timeout", timeout)
		return ErrStopTimeout
	}
}

func (c *Capture) loop(r *captureRun, mic Microphone, ts time.Duration) {
	defer close(r.done)
	defer close(r.levels)

	var devErr error
	for {
		select {
		case <-r.stop:
			c.closeMic(mic, nil)
			c.saveTimestamp(ts)
			return
		default:
		}

		pcm, err := mic.Read()
		if err != nil {
			devErr = &DeviceError{Op: "read", Err: err}
			break
		}

		frame := AudioFrame{
			Data:       pcm,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  ts,
		}
		ts += frame.Duration()

		if err := c.out.Push(frame); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				c.closeMic(mic, nil)
				c.saveTimestamp(ts)
				return
			}
			c.log.Debug("audio: capture frame dropped", "err", err)
		} else if c.onFrame != nil {
			c.onFrame(frame)
		}

		if len(c.observers) > 0 {
			select {
			case r.levels <- Level(pcm):
			default:
			}
		}
	}

	c.closeMic(mic, devErr)
	c.saveTimestamp(ts)
	c.log.Error("audio: capture loop ended", "err", devErr)
	if c.onError != nil {
		c.onError(devErr)
	}
}

func (c *Capture) closeMic(mic Microphone, cause error) {
	if err := mic.Close(); err != nil && cause == nil {
		c.log.Warn("audio: close microphone", "err", err)
	}
}

func (c *Capture) saveTimestamp(ts time.Duration) {
	c.mu.Lock()
	c.base = ts
	c.mu.Unlock()
}

// meter forwards levels to observers, rate limited to one per meterEvery.
func (c *Capture) meter(r *captureRun) {
	var last time.Time
	for lvl := range r.levels {
		now := time.Now()
		if now.Sub(last) < c.meterEvery {
			continue
		}
		last = now
		for _, fn := range c.observers {
			fn(lvl)
		}
	}
}
