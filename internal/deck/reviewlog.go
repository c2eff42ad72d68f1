package deck

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
)

// ReviewRecord is one rating as written to a review log.
type ReviewRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"session_id,omitempty"`
	Card      CardRef       `json:"card"`
	Rating    rating.Rating `json:"rating"`
	Ease      int           `json:"ease"`
}

// ReviewLog stores review records.
type ReviewLog interface {
	Append(rec ReviewRecord) error
}

// FileLog persists review records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileLog struct {
	mu   sync.Mutex
	path string
}

var _ ReviewLog = (*FileLog)(nil)

// NewFileLog creates a FileLog that appends to path. The file is created on
// first write.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// Append writes rec as one line.
func (l *FileLog) Append(rec ReviewRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deck: marshal review: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("deck: open review log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("deck: write review log: %w", err)
	}
	return nil
}

// ReadFileLog returns every record in the log at path.
func ReadFileLog(path string) ([]ReviewRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deck: open review log: %w", err)
	}
	defer f.Close()

	var out []ReviewRecord
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec ReviewRecord
		if err := sonic.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("deck: review log line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("deck: read review log: %w", err)
	}
	return out, nil
}

// LoggedScheduler records every rating in a [ReviewLog] after the wrapped
// scheduler accepted it.
type LoggedScheduler struct {
	Scheduler

	log       ReviewLog
	sessionID string
	now       func() time.Time
}

// NewLoggedScheduler wraps s. sessionID tags every record.
func NewLoggedScheduler(s Scheduler, log ReviewLog, sessionID string) *LoggedScheduler {
	return &LoggedScheduler{Scheduler: s, log: log, sessionID: sessionID, now: time.Now}
}

// RecordRating forwards to the wrapped scheduler and then appends a record.
// A log failure is returned even though the rating itself was stored.
func (s *LoggedScheduler) RecordRating(ctx context.Context, ref CardRef, r rating.Rating) error {
	if err := s.Scheduler.RecordRating(ctx, ref, r); err != nil {
		return err
	}
	return s.log.Append(ReviewRecord{
		Timestamp: s.now().UTC(),
		SessionID: s.sessionID,
		Card:      ref,
		Rating:    r,
		Ease:      r.Ease(),
	})
}

// DueCount forwards to the wrapped scheduler when it implements [Counter].
func (s *LoggedScheduler) DueCount(ctx context.Context) (int, error) {
	c, ok := s.Scheduler.(Counter)
	if !ok {
		return 0, fmt.Errorf("deck: %T cannot count due cards", s.Scheduler)
	}
	return c.DueCount(ctx)
}
