package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MoPaMo/anki-gemini-live/pkg/audio"
)

// Speakers used in transcript entries.
const (
	SpeakerGemini = "Gemini"
	SpeakerUser   = "You"
	SpeakerSystem = "System"
	SpeakerError  = "Error"
)

// StatusKind classifies a [Status] event.
type StatusKind int

const (
	StatusConnecting StatusKind = iota
	StatusActive
	StatusMuted
	StatusCompleted
	StatusStopped
	StatusErrored
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusMuted:
		return "muted"
	case StatusCompleted:
		return "completed"
	case StatusStopped:
		return "stopped"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Status is a coarse session status change.
type Status struct {
	Kind    StatusKind
	Message string
}

// Entry is one transcript line.
type Entry struct {
	Speaker string
	Text    string
	Time    time.Time
}

// CardShown announces the card now under review.
type CardShown struct {
	Question string
}

// Presenter renders session events. Calls arrive on a single dispatcher
// goroutine in emission order, so implementations need no locking of their
// own, and a slow presenter never stalls the session.
type Presenter interface {
	OnStatus(Status)
	OnTranscript(Entry)
	OnCard(CardShown)
	OnLevel(level float64)
}

type levelEvent float64

// dispatcher forwards events to a Presenter through an unbounded queue.
type dispatcher struct {
	p    Presenter
	q    *audio.Queue[any]
	log  *slog.Logger
	done chan struct{}
}

func newDispatcher(p Presenter, log *slog.Logger) *dispatcher {
	d := &dispatcher{
		p:    p,
		q:    audio.NewQueue[any](0),
		log:  log,
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(ev any) {
	if err := d.q.Push(ev); err != nil {
		d.log.Debug("review: presenter event dropped", "err", err)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		ev, err := d.q.Pop(context.Background(), time.Second)
		if errors.Is(err, audio.ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		switch ev := ev.(type) {
		case Status:
			d.p.OnStatus(ev)
		case Entry:
			d.p.OnTranscript(ev)
		case CardShown:
			d.p.OnCard(ev)
		case levelEvent:
			d.p.OnLevel(float64(ev))
		}
	}
}

// close delivers what is queued and stops, waiting at most timeout.
func (d *dispatcher) close(timeout time.Duration) {
	d.q.Close()
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Warn("review: presenter did not drain in time", "timeout", timeout)
	}
}

// NopPresenter discards every event.
type NopPresenter struct{}

func (NopPresenter) OnStatus(Status)    {}
func (NopPresenter) OnTranscript(Entry) {}
func (NopPresenter) OnCard(CardShown)   {}
func (NopPresenter) OnLevel(float64)    {}
