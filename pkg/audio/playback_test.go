package audio_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio/mock"
)

func speech(samples int, v int16) audio.AudioFrame {
	s := make([]int16, samples)
	for i := range s {
		s[i] = v
	}
	return audio.AudioFrame{Data: samplesToBytes(s), SampleRate: 16000, Channels: 1}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPlayback_StartsLazily(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	p := audio.NewPlayback(dev)
	if p.Playing() {
		t.Fatal("Playing() = true before first Push")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("Stop on idle playback = %v, want nil", err)
	}
	if dev.CallCountOpenSpeaker != 0 {
		t.Error("speaker opened without audio")
	}
}

func TestPlayback_PlaysInOrderAndDrainsOnStop(t *testing.T) {
	t.Parallel()
	spk := &mock.Speaker{}
	dev := &mock.Device{Spk: spk}
	var played atomic.Int32
	p := audio.NewPlayback(dev, audio.WithOnPlayed(func(audio.AudioFrame) { played.Add(1) }))

	for i := range 5 {
		if err := p.Push(speech(160, int16(i))); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	writes := spk.Writes()
	if len(writes) != 5 {
		t.Fatalf("speaker got %d writes, want 5", len(writes))
	}
	for i, w := range writes {
		if got := bytesToSamples(w)[0]; got != int16(i) {
			t.Errorf("write %d: first sample = %d, want %d", i, got, i)
		}
	}
	if played.Load() != 5 {
		t.Errorf("OnPlayed called %d times, want 5", played.Load())
	}
	if spk.Closes() != 1 {
		t.Errorf("speaker closed %d times, want 1", spk.Closes())
	}
	if p.Playing() {
		t.Error("Playing() = true after Stop")
	}
}

func TestPlayback_SpeakerStaysOpenAcrossGaps(t *testing.T) {
	t.Parallel()
	spk := &mock.Speaker{}
	dev := &mock.Device{Spk: spk}
	p := audio.NewPlayback(dev, audio.WithPollInterval(5*time.Millisecond))

	_ = p.Push(speech(160, 1))
	waitUntil(t, "first write", func() bool { return len(spk.Writes()) == 1 })
	time.Sleep(30 * time.Millisecond)
	_ = p.Push(speech(160, 2))
	waitUntil(t, "second write", func() bool { return len(spk.Writes()) == 2 })

	if dev.CallCountOpenSpeaker != 1 {
		t.Errorf("speaker opened %d times, want 1", dev.CallCountOpenSpeaker)
	}
	_ = p.Stop(time.Second)
}

func TestPlayback_ConvertsServerRate(t *testing.T) {
	t.Parallel()
	spk := &mock.Speaker{}
	p := audio.NewPlayback(&mock.Device{Spk: spk})

	_ = p.Push(audio.AudioFrame{Data: make([]byte, 960), SampleRate: 24000, Channels: 1})
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	writes := spk.Writes()
	if len(writes) != 1 || len(writes[0]) != 640 {
		t.Errorf("writes = %d, want one 640-byte write", len(writes))
	}
}

func TestPlayback_FullBufferDrops(t *testing.T) {
	t.Parallel()
	dev := &gatedDevice{open: make(chan struct{}), spk: &mock.Speaker{}}
	var drops atomic.Int32
	p := audio.NewPlayback(dev,
		audio.WithPlaybackBuffer(2),
		audio.WithOnDrop(func() { drops.Add(1) }),
	)

	// The loop is stuck opening the speaker, so nothing is consumed.
	for i := range 2 {
		if err := p.Push(speech(16, int16(i))); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := p.Push(speech(16, 2)); !errors.Is(err, audio.ErrQueueFull) {
		t.Errorf("Push on full buffer = %v, want ErrQueueFull", err)
	}
	if drops.Load() != 1 {
		t.Errorf("OnDrop called %d times, want 1", drops.Load())
	}

	close(dev.open)
	p.Close()
	if err := p.Push(speech(16, 3)); !errors.Is(err, audio.ErrQueueClosed) {
		t.Errorf("Push after Close = %v, want ErrQueueClosed", err)
	}
	if drops.Load() != 1 {
		t.Error("closed push counted as drop")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(dev.spk.Writes()); n != 2 {
		t.Errorf("speaker got %d writes, want 2", n)
	}
}

func TestPlayback_Abort(t *testing.T) {
	t.Parallel()
	spk := &slowSpeaker{delay: 20 * time.Millisecond}
	p := audio.NewPlayback(speakerDevice{spk: spk})

	for i := range 20 {
		_ = p.Push(speech(160, int16(i)))
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.Abort(time.Second); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if n := spk.writes.Load(); n >= 20 {
		t.Errorf("speaker got %d writes, want fewer than 20 after Abort", n)
	}
	if p.Queued() != 0 {
		t.Errorf("Queued() = %d, want 0", p.Queued())
	}
}

func TestPlayback_StopTimeout(t *testing.T) {
	t.Parallel()
	spk := &slowSpeaker{delay: 50 * time.Millisecond}
	p := audio.NewPlayback(speakerDevice{spk: spk})
	for i := range 10 {
		_ = p.Push(speech(160, int16(i)))
	}

	if err := p.Stop(20 * time.Millisecond); !errors.Is(err, audio.ErrStopTimeout) {
		t.Errorf("Stop() = %v, want ErrStopTimeout", err)
	}
	if err := p.Abort(time.Second); err != nil {
		t.Errorf("Abort after timeout = %v, want nil", err)
	}
}

func TestPlayback_CloseStillPlaysQueued(t *testing.T) {
	t.Parallel()
	spk := &mock.Speaker{}
	p := audio.NewPlayback(&mock.Device{Spk: spk})
	for i := range 3 {
		_ = p.Push(speech(160, int16(i)))
	}
	p.Close()
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(spk.Writes()); n != 3 {
		t.Errorf("speaker got %d writes, want 3", n)
	}
}

func TestPlayback_WriteErrorReported(t *testing.T) {
	t.Parallel()
	spk := &mock.Speaker{WriteError: errors.New("underrun")}
	errCh := make(chan error, 1)
	p := audio.NewPlayback(&mock.Device{Spk: spk},
		audio.WithPlaybackErrorHandler(func(err error) { errCh <- err }))

	_ = p.Push(speech(160, 1))

	select {
	case err := <-errCh:
		var de *audio.DeviceError
		if !errors.As(err, &de) || de.Op != "write" {
			t.Errorf("error = %v, want DeviceError(write)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	waitUntil(t, "loop exit", func() bool { return !p.Playing() })
	if p.Queued() != 0 {
		t.Errorf("Queued() = %d after failure, want 0", p.Queued())
	}
	if spk.Closes() != 1 {
		t.Errorf("speaker closed %d times, want 1", spk.Closes())
	}
}

func TestPlayback_OpenErrorReported(t *testing.T) {
	t.Parallel()
	errCh := make(chan error, 1)
	p := audio.NewPlayback(&mock.Device{OpenSpeakerError: errors.New("no device")},
		audio.WithPlaybackErrorHandler(func(err error) { errCh <- err }))
	_ = p.Push(speech(160, 1))

	select {
	case err := <-errCh:
		var de *audio.DeviceError
		if !errors.As(err, &de) || de.Op != "open speaker" {
			t.Errorf("error = %v, want DeviceError(open speaker)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
}

// slowSpeaker takes delay per write.
type slowSpeaker struct {
	delay  time.Duration
	writes atomic.Int32
}

func (s *slowSpeaker) Write([]byte) error {
	time.Sleep(s.delay)
	s.writes.Add(1)
	return nil
}

func (s *slowSpeaker) Close() error { return nil }

type speakerDevice struct{ spk audio.Speaker }

func (d speakerDevice) OpenMicrophone(audio.Format, int) (audio.Microphone, error) {
	return mock.NewMicrophone(), nil
}
func (d speakerDevice) OpenSpeaker(audio.Format, int) (audio.Speaker, error) { return d.spk, nil }

// gatedDevice blocks OpenSpeaker until open is closed.
type gatedDevice struct {
	open chan struct{}
	spk  *mock.Speaker
}

func (d *gatedDevice) OpenMicrophone(audio.Format, int) (audio.Microphone, error) {
	return mock.NewMicrophone(), nil
}

func (d *gatedDevice) OpenSpeaker(audio.Format, int) (audio.Speaker, error) {
	<-d.open
	return d.spk, nil
}
