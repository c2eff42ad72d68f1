// Package mock provides in-memory implementations of [audio.Device],
// [audio.Microphone] and [audio.Speaker] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and payloads, and expose fields that control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(chunkA, chunkB)
//	dev := &mock.Device{Mic: mic, Spk: &mock.Speaker{}}
//	capture := audio.NewCapture(dev, queue)
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device] handing out the configured streams.
type Device struct {
	mu sync.Mutex

	// Mic is returned by OpenMicrophone. A nil Mic yields a microphone that
	// produces silence.
	Mic *Microphone

	// Spk is returned by OpenSpeaker. A nil Spk yields a fresh Speaker.
	Spk *Speaker

	// OpenMicError and OpenSpeakerError are returned by the open methods.
	OpenMicError     error
	OpenSpeakerError error

	// CallCountOpenMicrophone and CallCountOpenSpeaker count open calls.
	CallCountOpenMicrophone int
	CallCountOpenSpeaker    int

	// Formats records the format of every open call, in order.
	Formats []audio.Format
}

// OpenMicrophone implements [audio.Device].
func (d *Device) OpenMicrophone(f audio.Format, _ int) (audio.Microphone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenMicrophone++
	d.Formats = append(d.Formats, f)
	if d.OpenMicError != nil {
		return nil, d.OpenMicError
	}
	if d.Mic == nil {
		d.Mic = NewMicrophone()
	}
	d.Mic.reopen()
	return d.Mic, nil
}

// OpenSpeaker implements [audio.Device].
func (d *Device) OpenSpeaker(f audio.Format, _ int) (audio.Speaker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenSpeaker++
	d.Formats = append(d.Formats, f)
	if d.OpenSpeakerError != nil {
		return nil, d.OpenSpeakerError
	}
	if d.Spk == nil {
		d.Spk = &Speaker{}
	}
	return d.Spk, nil
}

// ─── Microphone ──────────────────────────────────────────────────────────────

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("mock: microphone closed")

// Microphone returns scripted chunks from Read. Once the script is exhausted
// it behaves like hardware: every Interval it returns a chunk of silence.
type Microphone struct {
	mu     sync.Mutex
	chunks [][]byte
	closed chan struct{}

	// ReadError, when set, is returned once the scripted chunks run out.
	ReadError error

	// Interval paces silent chunks. Defaults to 10ms.
	Interval time.Duration

	// Hang makes Read block until Close once the script is exhausted,
	// simulating a stuck device.
	Hang bool

	// CallCountRead and CallCountClose count calls.
	CallCountRead  int
	CallCountClose int
}

// NewMicrophone returns a microphone that yields chunks in order.
func NewMicrophone(chunks ...[]byte) *Microphone {
	return &Microphone{chunks: chunks, closed: make(chan struct{})}
}

// Feed appends chunks to the script.
func (m *Microphone) Feed(chunks ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
}

func (m *Microphone) reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		m.closed = make(chan struct{})
	default:
	}
}

// Read implements [audio.Microphone].
func (m *Microphone) Read() ([]byte, error) {
	m.mu.Lock()
	m.CallCountRead++
	closed := m.closed
	if len(m.chunks) > 0 {
		c := m.chunks[0]
		m.chunks = m.chunks[1:]
		m.mu.Unlock()
		return c, nil
	}
	readErr, hang, interval := m.ReadError, m.Hang, m.Interval
	m.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}
	if hang {
		<-closed
		return nil, ErrClosed
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	select {
	case <-closed:
		return nil, ErrClosed
	case <-time.After(interval):
		return make([]byte, audio.ChunkSamples*2), nil
	}
}

// SetReadError makes Read fail with err once the script is exhausted.
func (m *Microphone) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadError = err
}

// Reads returns how many times Read was called.
func (m *Microphone) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountRead
}

// Closes returns how many times Close was called.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker records every buffer written to it.
type Speaker struct {
	mu sync.Mutex

	// WriteError is returned by Write when set.
	WriteError error

	// Written holds every buffer passed to Write, in order.
	Written [][]byte

	// CallCountClose counts Close calls.
	CallCountClose int
}

// Write implements [audio.Speaker].
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	s.Written = append(s.Written, append([]byte(nil), pcm...))
	return nil
}

// Close implements [audio.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// SetWriteError makes subsequent writes fail with err.
func (s *Speaker) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}

// Writes returns a snapshot of the written buffers.
func (s *Speaker) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Written...)
}

// Closes returns how many times Close was called.
func (s *Speaker) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
