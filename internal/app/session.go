package app

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MoPaMo/anki-gemini-live/internal/review"
)

// SessionInfo is a snapshot of the running review session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// State is the controller state name.
	State string `json:"state"`

	// Reviewed counts cards rated so far.
	Reviewed int `json:"reviewed"`

	Muted bool `json:"muted"`

	// StartedAt is zero until Run started the session.
	StartedAt time.Time `json:"started_at"`

	// Error is the failure that ended the session, if any.
	Error string `json:"error,omitempty"`

	// LastLine is the most recent transcript entry.
	LastLine *review.Entry `json:"last_line,omitempty"`
}

// Info returns a snapshot of the session.
func (a *App) Info() SessionInfo {
	a.mu.Lock()
	started := a.startedAt
	a.mu.Unlock()

	info := SessionInfo{
		SessionID: a.ctrl.ID(),
		State:     a.ctrl.State().String(),
		Reviewed:  a.ctrl.Reviewed(),
		Muted:     a.ctrl.Muted(),
		StartedAt: started,
	}
	if err := a.ctrl.Err(); err != nil {
		info.Error = err.Error()
	}
	if t := a.ctrl.Transcript(); len(t) > 0 {
		last := t[len(t)-1]
		info.LastLine = &last
	}
	return info
}

// serveSession writes [App.Info] as JSON.
func (a *App) serveSession(w http.ResponseWriter, _ *http.Request) {
	data, err := sonic.Marshal(a.Info())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(append(data, '\n'))
}
