package deck

import (
	"time"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
)

// SM-2 tuning.
const (
	DefaultEase = 2.5
	MinEase     = 1.3

	// RelearnDelay is how soon a card rated Again comes back.
	RelearnDelay = time.Minute

	// firstInterval is the base spacing for a card leaving learning.
	firstInterval = 24 * time.Hour

	hardFactor  = 1.2
	easyBonus   = 1.3
	easeLapse   = 0.20
	easeHard    = 0.15
	easeEasyAdd = 0.15
)

// Schedule applies r to c at now and returns the updated card.
//
// Again re-queues the card after RelearnDelay, resets its interval and lowers
// its ease. Hard grows the interval by 1.2, Good by the ease factor and Easy
// by ease times 1.3. Ease never drops below MinEase.
func Schedule(c Card, r rating.Rating, now time.Time) Card {
	if c.Ease <= 0 {
		c.Ease = DefaultEase
	}
	c.Reps++

	switch r {
	case rating.Again:
		c.Lapses++
		c.Interval = 0
		c.Ease = max(MinEase, c.Ease-easeLapse)
		c.Due = now.Add(RelearnDelay)
		return c
	case rating.Hard:
		c.Interval = grow(c.Interval, hardFactor)
		c.Ease = max(MinEase, c.Ease-easeHard)
	case rating.Easy:
		c.Interval = grow(c.Interval, c.Ease*easyBonus)
		c.Ease += easeEasyAdd
	default:
		c.Interval = grow(c.Interval, c.Ease)
	}
	c.Due = now.Add(c.Interval)
	return c
}

func grow(iv time.Duration, factor float64) time.Duration {
	if iv < firstInterval {
		iv = firstInterval
	}
	return time.Duration(float64(iv) * factor).Round(time.Minute)
}
