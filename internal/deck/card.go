// Package deck holds the flashcards a review session works through and the
// spacing rule that decides when each card comes back.
//
// A [Scheduler] is the narrow view the review controller needs: the next due
// card, its question and answer as plain text, and a place to record the
// rating the tutor gave. [MemDeck] serves cards from a YAML file and
// [PostgresDeck] from a PostgreSQL database. [LoggedScheduler] wraps either
// and appends every rating to a JSON-lines review log.
package deck

import (
	"context"
	"errors"
	"time"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
)

// ErrCardNotFound is returned for a CardRef the deck does not hold.
var ErrCardNotFound = errors.New("deck: card not found")

// CardRef identifies a card within a deck.
type CardRef string

// Card is one flashcard with its scheduling state.
type Card struct {
	Ref CardRef

	// Question and Answer may contain HTML; schedulers return them stripped.
	Question string
	Answer   string

	// Due is when the card is next shown. The zero time means due now.
	Due time.Time

	// Interval is the current spacing. Zero for cards never reviewed or
	// being relearned.
	Interval time.Duration

	// Ease is the SM-2 ease factor. Zero means DefaultEase.
	Ease float64

	Reps   int
	Lapses int
}

// IsDue reports whether the card should be shown at now.
func (c Card) IsDue(now time.Time) bool {
	return !c.Due.After(now)
}

// Scheduler hands out due cards and records ratings.
type Scheduler interface {
	// NextDueCard returns the next card to review. The boolean is false when
	// nothing is due.
	NextDueCard(ctx context.Context) (CardRef, bool, error)

	// QuestionText returns the question side as plain text.
	QuestionText(ctx context.Context, ref CardRef) (string, error)

	// AnswerText returns the answer side as plain text.
	AnswerText(ctx context.Context, ref CardRef) (string, error)

	// RecordRating reschedules the card according to r.
	RecordRating(ctx context.Context, ref CardRef, r rating.Rating) error
}

// Counter is implemented by schedulers that can report how many cards are
// due without handing one out.
type Counter interface {
	DueCount(ctx context.Context) (int, error)
}

// sessionCap limits how many distinct cards one session may serve. A limit
// of zero or less means no cap. Not safe for concurrent use on its own.
type sessionCap struct {
	limit  int
	served map[CardRef]struct{}
}

func newSessionCap(limit int) sessionCap {
	return sessionCap{limit: limit, served: make(map[CardRef]struct{})}
}

// allow reports whether ref may be served and books it.
func (s *sessionCap) allow(ref CardRef) bool {
	if _, ok := s.served[ref]; ok {
		return true
	}
	if s.limit > 0 && len(s.served) >= s.limit {
		return false
	}
	s.served[ref] = struct{}{}
	return true
}

// exhausted reports whether no new card may be served.
func (s *sessionCap) exhausted() bool {
	return s.limit > 0 && len(s.served) >= s.limit
}
