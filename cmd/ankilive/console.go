package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
	"github.com/MoPaMo/anki-gemini-live/internal/review"
)

const meterWidth = 20

// console renders session events as terminal lines. With meter enabled the
// microphone level is drawn in place on the current line.
type console struct {
	mu      sync.Mutex
	w       io.Writer
	meter   bool
	inMeter bool
}

var _ review.Presenter = (*console)(nil)

func newConsole(w io.Writer, meter bool) *console {
	return &console{w: w, meter: meter}
}

func (c *console) OnStatus(s review.Status) {
	c.printf("[%s] %s\n", s.Kind, s.Message)
}

func (c *console) OnTranscript(e review.Entry) {
	c.printf("%s %s: %s\n", e.Time.Format("15:04:05"), e.Speaker, e.Text)
}

func (c *console) OnCard(cs review.CardShown) {
	c.printf("\n>> %s\n", cs.Question)
}

func (c *console) OnLevel(level float64) {
	if !c.meter {
		return
	}
	n := int(level*meterWidth + 0.5)
	n = min(max(n, 0), meterWidth)

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\r mic [%s%s]", strings.Repeat("#", n), strings.Repeat(" ", meterWidth-n))
	c.inMeter = true
}

// printf writes a full line, first ending a meter line in progress.
func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inMeter {
		fmt.Fprintln(c.w)
		c.inMeter = false
	}
	fmt.Fprintf(c.w, format, args...)
}

// controls is what the keyboard commands drive.
type controls interface {
	SetMuted(muted bool) error
	Muted() bool
	AnswerCurrentCard(ctx context.Context, r rating.Rating) error
}

const helpText = `commands:
  m          toggle mute (or: mute, unmute)
  1-4        rate the current card (again, hard, good, easy)
  q          end the session
  ?          this help
`

// readCommands executes one command per input line until q, EOF or ctx
// ends. quit is called for q only, so a closed stdin leaves the session
// running.
func readCommands(ctx context.Context, r io.Reader, out io.Writer, ctl controls, quit func()) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := runCommand(ctx, strings.TrimSpace(line), out, ctl, quit); done {
				return
			}
		}
	}
}

// runCommand executes one command and reports whether it was quit.
func runCommand(ctx context.Context, cmd string, out io.Writer, ctl controls, quit func()) bool {
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "":
		return false
	case "q", "quit", "exit":
		quit()
		return true
	case "?", "h", "help":
		fmt.Fprint(out, helpText)
		return false
	case "m", "mute", "unmute":
		muted := !ctl.Muted()
		if cmd != "m" {
			muted = cmd == "mute"
		}
		if err := ctl.SetMuted(muted); err != nil {
			fmt.Fprintf(out, "mute: %v\n", err)
		}
		return false
	}

	r, err := rating.Parse(cmd)
	if err != nil {
		fmt.Fprintf(out, "unknown command %q, type ? for help\n", cmd)
		return false
	}
	if err := ctl.AnswerCurrentCard(ctx, r); err != nil {
		if errors.Is(err, review.ErrNoActiveCard) {
			fmt.Fprintln(out, "no card is waiting for a rating")
		} else {
			fmt.Fprintf(out, "rate: %v\n", err)
		}
	}
	return false
}
