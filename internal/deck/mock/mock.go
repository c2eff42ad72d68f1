// Package mock provides a test double for deck.Scheduler.
//
// Cards are served in slice order. A card leaves the queue once it was
// rated, whatever the rating, so a test walks a fixed script of cards.
package mock

import (
	"context"
	"sync"

	"github.com/MoPaMo/anki-gemini-live/internal/deck"
	"github.com/MoPaMo/anki-gemini-live/internal/rating"
)

var _ deck.Scheduler = (*Scheduler)(nil)

// Card is one scripted card.
type Card struct {
	Ref      deck.CardRef
	Question string
	Answer   string
}

// RatingCall records one RecordRating invocation.
type RatingCall struct {
	Ref    deck.CardRef
	Rating rating.Rating
}

// Scheduler is a mock implementation of deck.Scheduler.
type Scheduler struct {
	mu sync.Mutex

	// Cards is the review queue.
	Cards []Card

	// NextErr, if non-nil, is returned by NextDueCard.
	NextErr error

	// QuestionErr, if non-nil, is returned by QuestionText.
	QuestionErr error

	// RecordErr, if non-nil, is returned by RecordRating.
	RecordErr error

	// RatingCalls records every RecordRating call in order.
	RatingCalls []RatingCall

	// NextCallCount is the number of NextDueCard calls.
	NextCallCount int

	rated map[deck.CardRef]bool
}

// New returns a Scheduler serving cards.
func New(cards ...Card) *Scheduler {
	return &Scheduler{Cards: cards}
}

// NextDueCard returns the first card not yet rated.
func (s *Scheduler) NextDueCard(_ context.Context) (deck.CardRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NextCallCount++
	if s.NextErr != nil {
		return "", false, s.NextErr
	}
	for _, c := range s.Cards {
		if !s.rated[c.Ref] {
			return c.Ref, true, nil
		}
	}
	return "", false, nil
}

// QuestionText returns the scripted question.
func (s *Scheduler) QuestionText(_ context.Context, ref deck.CardRef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QuestionErr != nil {
		return "", s.QuestionErr
	}
	c, ok := s.find(ref)
	if !ok {
		return "", deck.ErrCardNotFound
	}
	return c.Question, nil
}

// AnswerText returns the scripted answer.
func (s *Scheduler) AnswerText(_ context.Context, ref deck.CardRef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.find(ref)
	if !ok {
		return "", deck.ErrCardNotFound
	}
	return c.Answer, nil
}

// RecordRating records the call and takes the card out of the queue.
func (s *Scheduler) RecordRating(_ context.Context, ref deck.CardRef, r rating.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RatingCalls = append(s.RatingCalls, RatingCall{Ref: ref, Rating: r})
	if s.RecordErr != nil {
		return s.RecordErr
	}
	if s.rated == nil {
		s.rated = make(map[deck.CardRef]bool)
	}
	s.rated[ref] = true
	return nil
}

// NextCalls returns NextCallCount.
func (s *Scheduler) NextCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NextCallCount
}

// Ratings returns a copy of RatingCalls.
func (s *Scheduler) Ratings() []RatingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RatingCall(nil), s.RatingCalls...)
}

func (s *Scheduler) find(ref deck.CardRef) (Card, bool) {
	for _, c := range s.Cards {
		if c.Ref == ref {
			return c, true
		}
	}
	return Card{}, false
}
