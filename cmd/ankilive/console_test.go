package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
	"github.com/MoPaMo/anki-gemini-live/internal/review"
)

type fakeControls struct {
	mu      sync.Mutex
	muted   bool
	rated   []rating.Rating
	rateErr error
}

func (f *fakeControls) SetMuted(m bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = m
	return nil
}

func (f *fakeControls) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeControls) AnswerCurrentCard(_ context.Context, r rating.Rating) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rateErr != nil {
		return f.rateErr
	}
	f.rated = append(f.rated, r)
	return nil
}

func TestConsole_Lines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := newConsole(&buf, false)

	c.OnStatus(review.Status{Kind: review.StatusActive, Message: "Session Active"})
	c.OnCard(review.CardShown{Question: "What is the capital of France?"})
	c.OnTranscript(review.Entry{
		Speaker: review.SpeakerGemini,
		Text:    "Paris. good",
		Time:    time.Date(2026, 1, 2, 9, 30, 5, 0, time.UTC),
	})
	c.OnLevel(0.7)

	want := "[active] Session Active\n" +
		"\n>> What is the capital of France?\n" +
		"09:30:05 Gemini: Paris. good\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestConsole_Meter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := newConsole(&buf, true)

	c.OnLevel(0.5)
	c.OnStatus(review.Status{Kind: review.StatusMuted, Message: "Muted"})

	want := "\r mic [##########          ]\n[muted] Muted\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cmd       string
		startMute bool
		wantMuted bool
		wantRated []rating.Rating
		wantQuit  bool
		wantOut   string
	}{
		{cmd: "m", wantMuted: true},
		{cmd: "m", startMute: true, wantMuted: false},
		{cmd: "MUTE", wantMuted: true},
		{cmd: "mute", startMute: true, wantMuted: true},
		{cmd: "unmute", startMute: true, wantMuted: false},
		{cmd: "3", wantRated: []rating.Rating{rating.Good}},
		{cmd: "easy", wantRated: []rating.Rating{rating.Easy}},
		{cmd: "q", wantQuit: true},
		{cmd: "?", wantOut: "commands:"},
		{cmd: "bogus", wantOut: `unknown command "bogus"`},
		{cmd: ""},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			ctl := &fakeControls{muted: tt.startMute}
			var out bytes.Buffer
			quitCalled := false

			gotQuit := runCommand(context.Background(), tt.cmd, &out, ctl, func() { quitCalled = true })
			if gotQuit != tt.wantQuit || quitCalled != tt.wantQuit {
				t.Errorf("quit = %v (called %v), want %v", gotQuit, quitCalled, tt.wantQuit)
			}
			if ctl.Muted() != tt.wantMuted {
				t.Errorf("muted = %v, want %v", ctl.Muted(), tt.wantMuted)
			}
			if len(ctl.rated) != len(tt.wantRated) {
				t.Fatalf("rated = %v, want %v", ctl.rated, tt.wantRated)
			}
			for i := range tt.wantRated {
				if ctl.rated[i] != tt.wantRated[i] {
					t.Errorf("rated[%d] = %v, want %v", i, ctl.rated[i], tt.wantRated[i])
				}
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestRunCommand_NoActiveCard(t *testing.T) {
	t.Parallel()
	ctl := &fakeControls{rateErr: review.ErrNoActiveCard}
	var out bytes.Buffer

	runCommand(context.Background(), "again", &out, ctl, func() {})
	if got := out.String(); got != "no card is waiting for a rating\n" {
		t.Errorf("output = %q", got)
	}

	out.Reset()
	ctl.rateErr = errors.New("scheduler down")
	runCommand(context.Background(), "again", &out, ctl, func() {})
	if got := out.String(); got != "rate: scheduler down\n" {
		t.Errorf("output = %q", got)
	}
}

func TestReadCommands(t *testing.T) {
	t.Parallel()
	ctl := &fakeControls{}
	var out bytes.Buffer
	quit := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		readCommands(context.Background(), strings.NewReader("m\n 4 \nq\ngood\n"), &out, ctl, func() { close(quit) })
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readCommands did not return")
	}
	select {
	case <-quit:
	default:
		t.Error("quit was not called")
	}
	if !ctl.Muted() {
		t.Error("mute command was not applied")
	}
	if len(ctl.rated) != 1 || ctl.rated[0] != rating.Easy {
		t.Errorf("rated = %v, want [easy]", ctl.rated)
	}
}

func TestReadCommands_EOFKeepsSession(t *testing.T) {
	t.Parallel()
	quitCalled := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		readCommands(context.Background(), strings.NewReader("m\n"), &bytes.Buffer{}, &fakeControls{}, func() { quitCalled = true })
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readCommands did not return at EOF")
	}
	if quitCalled {
		t.Error("quit called at EOF")
	}
}
