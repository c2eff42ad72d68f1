package deck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
)

// File is the YAML layout read by [LoadFile].
//
// Example:
//
//	deck:
//	  name: "Capitals"
//	cards:
//	  - id: fr
//	    question: "What is the capital of <b>France</b>?"
//	    answer: "Paris"
//	  - id: au
//	    question: "What is the capital of Australia?"
//	    answer: "Canberra"
//	    due: 2026-01-02T15:04:05Z
//	    interval: 72h
//	    ease: 2.3
type File struct {
	Deck  FileMeta   `yaml:"deck"`
	Cards []FileCard `yaml:"cards"`
}

// FileMeta holds deck-level metadata.
type FileMeta struct {
	Name string `yaml:"name"`
}

// FileCard is one card as stored in a deck file.
type FileCard struct {
	ID       string        `yaml:"id"`
	Question string        `yaml:"question"`
	Answer   string        `yaml:"answer"`
	Due      time.Time     `yaml:"due,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Ease     float64       `yaml:"ease,omitempty"`
	Reps     int           `yaml:"reps,omitempty"`
	Lapses   int           `yaml:"lapses,omitempty"`
}

// MemDeckOption configures a [MemDeck].
type MemDeckOption func(*MemDeck)

// WithSessionLimit caps how many distinct cards one session serves. Zero
// means no cap.
func WithSessionLimit(n int) MemDeckOption {
	return func(d *MemDeck) { d.sess = newSessionCap(n) }
}

// WithClock replaces time.Now. Tests use it to pin due dates.
func WithClock(now func() time.Time) MemDeckOption {
	return func(d *MemDeck) { d.now = now }
}

// MemDeck is an in-memory [Scheduler]. Cards keep their file order, which
// breaks ties between cards due at the same time. Safe for concurrent use.
type MemDeck struct {
	name string
	now  func() time.Time

	mu    sync.RWMutex
	cards []Card
	index map[CardRef]int
	sess  sessionCap
}

var (
	_ Scheduler = (*MemDeck)(nil)
	_ Counter   = (*MemDeck)(nil)
)

// NewMemDeck builds a deck from cards. Card refs must be unique and
// non-empty.
func NewMemDeck(name string, cards []Card, opts ...MemDeckOption) (*MemDeck, error) {
	d := &MemDeck{
		name:  name,
		now:   time.Now,
		cards: make([]Card, 0, len(cards)),
		index: make(map[CardRef]int, len(cards)),
		sess:  newSessionCap(0),
	}
	for _, o := range opts {
		o(d)
	}
	for i, c := range cards {
		if c.Ref == "" {
			return nil, fmt.Errorf("deck: card %d: empty id", i)
		}
		if _, dup := d.index[c.Ref]; dup {
			return nil, fmt.Errorf("deck: duplicate card id %q", c.Ref)
		}
		d.index[c.Ref] = len(d.cards)
		d.cards = append(d.cards, c)
	}
	return d, nil
}

// LoadFile reads a deck from a YAML file.
func LoadFile(path string, opts ...MemDeckOption) (*MemDeck, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deck: open %q: %w", path, err)
	}
	defer f.Close()

	d, err := Load(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("deck: parse %q: %w", path, err)
	}
	return d, nil
}

// Load parses a deck from r. Unknown keys are rejected.
func Load(r io.Reader, opts ...MemDeckOption) (*MemDeck, error) {
	var df File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&df); err != nil {
		if errors.Is(err, io.EOF) {
			return NewMemDeck("", nil, opts...)
		}
		return nil, fmt.Errorf("deck: decode: %w", err)
	}

	cards := make([]Card, 0, len(df.Cards))
	for _, fc := range df.Cards {
		cards = append(cards, Card{
			Ref:      CardRef(fc.ID),
			Question: fc.Question,
			Answer:   fc.Answer,
			Due:      fc.Due,
			Interval: fc.Interval,
			Ease:     fc.Ease,
			Reps:     fc.Reps,
			Lapses:   fc.Lapses,
		})
	}
	return NewMemDeck(df.Deck.Name, cards, opts...)
}

// Save writes the deck, including scheduling state, as YAML.
func (d *MemDeck) Save(w io.Writer) error {
	d.mu.RLock()
	df := File{Deck: FileMeta{Name: d.name}, Cards: make([]FileCard, 0, len(d.cards))}
	for _, c := range d.cards {
		df.Cards = append(df.Cards, FileCard{
			ID:       string(c.Ref),
			Question: c.Question,
			Answer:   c.Answer,
			Due:      c.Due,
			Interval: c.Interval,
			Ease:     c.Ease,
			Reps:     c.Reps,
			Lapses:   c.Lapses,
		})
	}
	d.mu.RUnlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(df); err != nil {
		return fmt.Errorf("deck: encode: %w", err)
	}
	return enc.Close()
}

// SaveFile writes the deck to path through a temporary file and rename.
func (d *MemDeck) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("deck: create %q: %w", tmp, err)
	}
	if err := d.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deck: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("deck: rename %q: %w", tmp, err)
	}
	return nil
}

// Name returns the deck name from the file header.
func (d *MemDeck) Name() string { return d.name }

// NextDueCard returns the earliest due card. Cards due at the same instant
// come in deck order.
func (d *MemDeck) NextDueCard(_ context.Context) (CardRef, bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	best := -1
	for i, c := range d.cards {
		if !c.IsDue(now) {
			continue
		}
		if _, seen := d.sess.served[c.Ref]; !seen && d.sess.exhausted() {
			continue
		}
		if best < 0 || c.Due.Before(d.cards[best].Due) {
			best = i
		}
	}
	if best < 0 {
		return "", false, nil
	}
	ref := d.cards[best].Ref
	d.sess.allow(ref)
	return ref, true, nil
}

// DueCount returns how many cards are due now.
func (d *MemDeck) DueCount(_ context.Context) (int, error) {
	now := d.now()

	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, c := range d.cards {
		if c.IsDue(now) {
			n++
		}
	}
	return n, nil
}

// QuestionText implements [Scheduler].
func (d *MemDeck) QuestionText(_ context.Context, ref CardRef) (string, error) {
	c, err := d.Card(ref)
	if err != nil {
		return "", err
	}
	return StripHTML(c.Question), nil
}

// AnswerText implements [Scheduler].
func (d *MemDeck) AnswerText(_ context.Context, ref CardRef) (string, error) {
	c, err := d.Card(ref)
	if err != nil {
		return "", err
	}
	return StripHTML(c.Answer), nil
}

// RecordRating reschedules ref with [Schedule].
func (d *MemDeck) RecordRating(_ context.Context, ref CardRef, r rating.Rating) error {
	if !r.Valid() {
		return fmt.Errorf("deck: record rating: invalid rating %d", int(r))
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.index[ref]
	if !ok {
		return fmt.Errorf("deck: record rating %q: %w", ref, ErrCardNotFound)
	}
	d.cards[i] = Schedule(d.cards[i], r, now)
	return nil
}

// Card returns a copy of the card with ref.
func (d *MemDeck) Card(ref CardRef) (Card, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i, ok := d.index[ref]
	if !ok {
		return Card{}, fmt.Errorf("deck: card %q: %w", ref, ErrCardNotFound)
	}
	return d.cards[i], nil
}

// Len returns the number of cards.
func (d *MemDeck) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cards)
}

// Cards returns a copy of every card in deck order.
func (d *MemDeck) Cards() []Card {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Card(nil), d.cards...)
}
