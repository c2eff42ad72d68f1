package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

// DefaultAudioBackend is used when audio.backend is empty.
const DefaultAudioBackend = "portaudio"

// ErrNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// AudioFactory builds an audio device.
type AudioFactory func(AudioConfig) (audio.Device, error)

// DeckFactory opens a card store. The returned closer persists and releases
// it; it is called once when the session is over.
type DeckFactory func(context.Context, DeckConfig) (deck.Scheduler, io.Closer, error)

// Registry maps backend names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[string]AudioFactory
	decks map[DeckDriver]DeckFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[string]AudioFactory),
		decks: make(map[DeckDriver]DeckFactory),
	}
}

// RegisterAudio registers an audio backend under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterDeck registers a deck driver.
func (r *Registry) RegisterDeck(driver DeckDriver, factory DeckFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decks[driver] = factory
}

// CreateAudio builds the device named by cfg.Backend, or
// [DefaultAudioBackend] when empty.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Device, error) {
	name := cfg.Backend
	if name == "" {
		name = DefaultAudioBackend
	}
	r.mu.RLock()
	factory, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, name)
	}
	return factory(cfg)
}

// OpenDeck opens the store named by cfg.Driver, or the file driver when
// empty.
func (r *Registry) OpenDeck(ctx context.Context, cfg DeckConfig) (deck.Scheduler, io.Closer, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DeckFile
	}
	r.mu.RLock()
	factory, ok := r.decks[driver]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: deck/%q", ErrNotRegistered, driver)
	}
	return factory(ctx, cfg)
}
