package audio

import (
	"errors"
	"fmt"
	"time"
)

// ChunkSamples is the number of samples the microphone delivers per read.
const ChunkSamples = 1024

// Capture16kMono is the fixed capture format: 16 kHz, mono, 16-bit signed
// little-endian PCM. It is also the format the remote endpoint expects on input.
var Capture16kMono = Format{SampleRate: 16000, Channels: 1}

// AudioFrame is one chunk of PCM audio flowing through a [Queue]. A frame is
// owned by whichever queue holds it and handed over, not shared, on dequeue.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, usually 24000 for server speech).
	SampleRate int

	// Channels is 1 for every frame this package produces.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration reports how much audio the frame holds.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Sentinel errors returned by queues and loops.
var (
	ErrQueueClosed = errors.New("audio: queue closed")
	ErrQueueFull   = errors.New("audio: queue full")
	ErrQueueEmpty  = errors.New("audio: queue empty")
	ErrStopTimeout = errors.New("audio: loop did not stop in time")
)

// DeviceError reports a microphone or speaker failure. It is fatal to the loop
// that observed it.
type DeviceError struct {
	// Op is one of "open microphone", "read", "open speaker", "write", "close".
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Microphone is an open capture stream. Read blocks until one full chunk is
// available and returns a fresh buffer each call.
type Microphone interface {
	Read() ([]byte, error)
	Close() error
}

// Speaker is an open playback stream. Write blocks until the device accepted
// the samples. Close flushes pending output before releasing the stream.
type Speaker interface {
	Write(pcm []byte) error
	Close() error
}

// Device opens capture and playback streams at a fixed format. Any backend
// exposing blocking read/write at 16-bit PCM satisfies it.
type Device interface {
	OpenMicrophone(f Format, chunkSamples int) (Microphone, error)
	OpenSpeaker(f Format, chunkSamples int) (Speaker, error)
}
