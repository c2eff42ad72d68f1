// Package rating maps free-form tutor speech onto the four review ratings.
//
// [Extract] is deliberately simple and deterministic. Explicit markers such
// as "rating: good" win. Otherwise the last few words are scanned for a
// rating keyword. "again" only counts when "wrong" or "incorrect" also
// appears somewhere in the text, so "say that again" is not a rating.
package rating

import (
	"fmt"
	"strings"
	"unicode"
)

// Rating is an answer grade. The numeric values match the review ease
// buttons.
type Rating int

const (
	Again Rating = 1
	Hard  Rating = 2
	Good  Rating = 3
	Easy  Rating = 4
)

// All lists every rating in ascending order.
var All = []Rating{Again, Hard, Good, Easy}

func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	default:
		return fmt.Sprintf("rating(%d)", int(r))
	}
}

// Title returns the capitalised name used in transcripts ("Good").
func (r Rating) Title() string {
	s := r.String()
	if !r.Valid() {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Ease returns the ease button number, 1 through 4.
func (r Rating) Ease() int { return int(r) }

// Valid reports whether r is one of the four ratings.
func (r Rating) Valid() bool { return r >= Again && r <= Easy }

// Parse accepts a rating name in any case, or its ease number.
func Parse(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "again", "1":
		return Again, nil
	case "hard", "2":
		return Hard, nil
	case "good", "3":
		return Good, nil
	case "easy", "4":
		return Easy, nil
	}
	return 0, fmt.Errorf("rating: unknown rating %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Rating) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("rating: cannot marshal %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rating) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// tailWords is how many trailing words the keyword scan looks at.
const tailWords = 5

// Extract finds a rating in text. The boolean is false when the text carries
// no rating, which is the normal case for most of the conversation.
func Extract(text string) (Rating, bool) {
	lower := strings.ToLower(text)

	for _, r := range All {
		name := r.String()
		if strings.Contains(lower, "rating: "+name) || strings.Contains(lower, "rate this "+name) {
			return r, true
		}
	}

	words := tokenize(lower)
	tail := words
	if len(tail) > tailWords {
		tail = tail[len(tail)-tailWords:]
	}
	has := func(w string) bool {
		for _, t := range tail {
			if t == w {
				return true
			}
		}
		return false
	}
	anywhere := func(w string) bool {
		for _, t := range words {
			if t == w {
				return true
			}
		}
		return false
	}

	switch {
	case has("again") && (anywhere("wrong") || anywhere("incorrect")):
		return Again, true
	case has("hard"):
		return Hard, true
	case has("easy"):
		return Easy, true
	case has("good") || anywhere("correct"):
		return Good, true
	}
	return 0, false
}

// tokenize splits s into runs of letters. Apostrophes split words, so
// "that's" yields "that" and "s".
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
}
