package audio_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio/mock"
)

func chunk(v int16) []byte {
	s := make([]int16, audio.ChunkSamples)
	for i := range s {
		s[i] = v
	}
	return samplesToBytes(s)
}

func popFrame(t *testing.T, q *audio.Queue[audio.AudioFrame]) audio.AudioFrame {
	t.Helper()
	f, err := q.Pop(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return f
}

func TestCapture_PushesFramesInOrder(t *testing.T) {
	t.Parallel()
	mic := mock.NewMicrophone(chunk(1), chunk(2), chunk(3))
	dev := &mock.Device{Mic: mic}
	q := audio.NewQueue[audio.AudioFrame](0)

	var captured atomic.Int32
	c := audio.NewCapture(dev, q, audio.WithOnCaptured(func(audio.AudioFrame) { captured.Add(1) }))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i, want := range []int16{1, 2, 3} {
		f := popFrame(t, q)
		if got := bytesToSamples(f.Data)[0]; got != want {
			t.Errorf("frame %d: first sample = %d, want %d", i, got, want)
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: format = %dHz/%dch", i, f.SampleRate, f.Channels)
		}
		if wantTS := time.Duration(i) * 64 * time.Millisecond; f.Timestamp != wantTS {
			t.Errorf("frame %d: Timestamp = %v, want %v", i, f.Timestamp, wantTS)
		}
	}

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Running() {
		t.Error("Running() = true after Stop")
	}
	if mic.Closes() != 1 {
		t.Errorf("mic closed %d times, want 1", mic.Closes())
	}
	if got := captured.Load(); got < 3 {
		t.Errorf("OnCaptured called %d times, want >= 3", got)
	}
	if dev.Formats[0] != audio.Capture16kMono {
		t.Errorf("opened at %v, want %v", dev.Formats[0], audio.Capture16kMono)
	}
}

func TestCapture_StartTwiceIsNoop(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	c := audio.NewCapture(dev, audio.NewQueue[audio.AudioFrame](0))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if dev.CallCountOpenMicrophone != 1 {
		t.Errorf("microphone opened %d times, want 1", dev.CallCountOpenMicrophone)
	}
	_ = c.Stop(time.Second)
}

func TestCapture_RestartContinuesTimestamps(t *testing.T) {
	t.Parallel()
	mic := mock.NewMicrophone(chunk(1))
	dev := &mock.Device{Mic: mic}
	q := audio.NewQueue[audio.AudioFrame](0)
	c := audio.NewCapture(dev, q)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	popFrame(t, q)
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	last := time.Duration(0)
	for {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		last = f.Timestamp
	}

	mic.Feed(chunk(2))
	if err := c.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f := popFrame(t, q)
	if got := bytesToSamples(f.Data)[0]; got != 2 {
		t.Errorf("first sample after restart = %d, want 2", got)
	}
	if want := last + 64*time.Millisecond; f.Timestamp != want {
		t.Errorf("Timestamp after restart = %v, want %v", f.Timestamp, want)
	}
	if dev.CallCountOpenMicrophone != 2 {
		t.Errorf("microphone opened %d times, want 2", dev.CallCountOpenMicrophone)
	}
	_ = c.Stop(time.Second)
}

func TestCapture_OpenError(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{OpenMicError: errors.New("no such device")}
	c := audio.NewCapture(dev, audio.NewQueue[audio.AudioFrame](0))

	err := c.Start()
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Op != "open microphone" {
		t.Fatalf("Start() = %v, want DeviceError(open microphone)", err)
	}
	if c.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestCapture_ReadErrorReported(t *testing.T) {
	t.Parallel()
	mic := mock.NewMicrophone(chunk(1))
	mic.ReadError = errors.New("overflow")
	dev := &mock.Device{Mic: mic}
	q := audio.NewQueue[audio.AudioFrame](0)

	errCh := make(chan error, 1)
	c := audio.NewCapture(dev, q, audio.WithCaptureErrorHandler(func(err error) { errCh <- err }))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-errCh:
		var de *audio.DeviceError
		if !errors.As(err, &de) || de.Op != "read" {
			t.Errorf("error = %v, want DeviceError(read)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	popFrame(t, q)
	if mic.Closes() != 1 {
		t.Errorf("mic closed %d times, want 1", mic.Closes())
	}
}

func TestCapture_ClosedQueueEndsLoop(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	q := audio.NewQueue[audio.AudioFrame](0)
	c := audio.NewCapture(dev, q, audio.WithCaptureErrorHandler(func(err error) {
		t.Errorf("unexpected error: %v", err)
	}))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	q.Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("capture still running after queue closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if dev.Mic.Closes() != 1 {
		t.Errorf("mic closed %d times, want 1", dev.Mic.Closes())
	}
}

func TestCapture_StopTimeoutOnStuckRead(t *testing.T) {
	t.Parallel()
	// A mic whose Read ignores Close for a while.
	mic := &slowMic{release: make(chan struct{})}
	dev := stuckDevice{mic: mic}
	c := audio.NewCapture(dev, audio.NewQueue[audio.AudioFrame](0))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.Stop(20 * time.Millisecond); !errors.Is(err, audio.ErrStopTimeout) {
		t.Errorf("Stop() = %v, want ErrStopTimeout", err)
	}
	close(mic.release)
	if err := c.Stop(time.Second); err != nil {
		t.Errorf("Stop after release = %v, want nil", err)
	}
}

func TestCapture_LevelObserver(t *testing.T) {
	t.Parallel()
	mic := mock.NewMicrophone(chunk(16384))
	levels := make(chan float64, 4)
	c := audio.NewCapture(&mock.Device{Mic: mic}, audio.NewQueue[audio.AudioFrame](0),
		audio.WithMeterInterval(time.Millisecond),
		audio.WithLevelObserver(func(l float64) {
			select {
			case levels <- l:
			default:
			}
		}),
	)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(time.Second) }()

	select {
	case l := <-levels:
		if l < 0.49 || l > 0.51 {
			t.Errorf("level = %v, want 0.5", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no level reported")
	}
}

// slowMic blocks every Read until release is closed.
type slowMic struct {
	release chan struct{}
}

func (m *slowMic) Read() ([]byte, error) {
	<-m.release
	return nil, errors.New("released")
}

func (m *slowMic) Close() error { return nil }

type stuckDevice struct{ mic *slowMic }

func (d stuckDevice) OpenMicrophone(audio.Format, int) (audio.Microphone, error) { return d.mic, nil }
func (d stuckDevice) OpenSpeaker(audio.Format, int) (audio.Speaker, error)       { return &mock.Speaker{}, nil }
