// Package portaudio implements [audio.Device] on the host's default input
// and output devices through PortAudio.
//
// Every open stream holds its own PortAudio initialisation, which PortAudio
// reference counts, so streams can be opened and closed independently.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

// Device opens blocking PortAudio streams on the default devices.
type Device struct{}

var _ audio.Device = Device{}

// New returns a Device.
func New() Device { return Device{} }

// OpenMicrophone opens and starts the default input stream.
func (Device) OpenMicrophone(f audio.Format, chunkSamples int) (audio.Microphone, error) {
	buf := make([]int16, chunkSamples*f.Channels)
	s, err := open(f.Channels, 0, f.SampleRate, chunkSamples, buf)
	if err != nil {
		return nil, err
	}
	return &microphone{stream: s, buf: buf}, nil
}

// OpenSpeaker opens and starts the default output stream.
func (Device) OpenSpeaker(f audio.Format, chunkSamples int) (audio.Speaker, error) {
	buf := make([]int16, chunkSamples*f.Channels)
	s, err := open(0, f.Channels, f.SampleRate, chunkSamples, buf)
	if err != nil {
		return nil, err
	}
	return &speaker{stream: s, buf: buf}, nil
}

func open(in, out, rate, frames int, buf []int16) (*portaudio.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	s, err := portaudio.OpenDefaultStream(in, out, float64(rate), frames, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	return s, nil
}

func shutdown(s *portaudio.Stream) error {
	return errors.Join(s.Stop(), s.Close(), portaudio.Terminate())
}

// ─── Microphone ──────────────────────────────────────────────────────────────

type microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// Read blocks until one buffer of samples was captured. Input overflow is
// not fatal: the samples that made it are still returned.
func (m *microphone) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("portaudio: microphone closed")
	}
	if err := m.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}
	return audio.SamplesToPCM(m.buf), nil
}

func (m *microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return shutdown(m.stream)
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

type speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// Write plays pcm in buffer-sized pieces. A trailing partial buffer is padded
// with silence.
func (s *speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: speaker closed")
	}

	samples := audio.PCMToSamples(pcm)
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return err
		}
	}
	return nil
}

// Close stops the stream, which lets PortAudio play what is still buffered.
func (s *speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return shutdown(s.stream)
}
