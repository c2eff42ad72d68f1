package deck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MoPaMo/anki-gemini-live/internal/rating"
	"github.com/MoPaMo/anki-gemini-live/internal/resilience"
)

// Schema is the SQL DDL for the cards and reviews tables. Execute it via
// [PostgresDeck.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS cards (
    id               TEXT PRIMARY KEY,
    position         BIGSERIAL,
    question         TEXT NOT NULL,
    answer           TEXT NOT NULL DEFAULT '',
    due_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    interval_seconds BIGINT NOT NULL DEFAULT 0,
    ease             DOUBLE PRECISION NOT NULL DEFAULT 2.5,
    reps             INTEGER NOT NULL DEFAULT 0,
    lapses           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(due_at, position);

CREATE TABLE IF NOT EXISTS reviews (
    id               BIGSERIAL PRIMARY KEY,
    card_id          TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
    rating           SMALLINT NOT NULL,
    interval_seconds BIGINT NOT NULL,
    reviewed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reviews_card ON reviews(card_id);
`

// DB is the database interface used by [PostgresDeck]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresDeck is a [Scheduler] backed by a PostgreSQL database.
//
// Session queries run behind a circuit breaker. Once the database has failed
// several times in a row, calls fail fast with [resilience.ErrCircuitOpen]
// until a probe succeeds. A missing card never trips it.
type PostgresDeck struct {
	db      DB
	now     func() time.Time
	breaker *resilience.CircuitBreaker

	mu   sync.Mutex
	sess sessionCap
}

// PostgresOption configures a [PostgresDeck].
type PostgresOption func(*PostgresDeck)

// WithBreaker replaces the default circuit breaker (3 failures, 10s reset,
// one probe).
func WithBreaker(cb *resilience.CircuitBreaker) PostgresOption {
	return func(d *PostgresDeck) { d.breaker = cb }
}

var (
	_ Scheduler = (*PostgresDeck)(nil)
	_ Counter   = (*PostgresDeck)(nil)
)

// NewPostgresDeck creates a [PostgresDeck] using the given connection or
// pool. sessionLimit caps distinct cards served; zero means no cap. The
// caller is responsible for calling [PostgresDeck.Migrate].
func NewPostgresDeck(db DB, sessionLimit int, opts ...PostgresOption) *PostgresDeck {
	d := &PostgresDeck{db: db, now: time.Now, sess: newSessionCap(sessionLimit)}
	for _, o := range opts {
		o(d)
	}
	if d.breaker == nil {
		d.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "deck-postgres",
			MaxFailures:  3,
			ResetTimeout: 10 * time.Second,
			HalfOpenMax:  1,
		})
	}
	return d
}

// guard runs fn through the breaker. A missing card or a cancelled caller
// is returned as is without counting against the database.
func (d *PostgresDeck) guard(fn func() error) error {
	var passed error
	err := d.breaker.Execute(func() error {
		err := fn()
		if errors.Is(err, ErrCardNotFound) || errors.Is(err, context.Canceled) {
			passed = err
			return nil
		}
		return err
	})
	if passed != nil {
		return passed
	}
	return err
}

// Migrate executes the [Schema] DDL.
func (d *PostgresDeck) Migrate(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("deck: migrate: %w", err)
	}
	return nil
}

// Import upserts cards. Existing cards get their question and answer
// refreshed but keep their scheduling state.
func (d *PostgresDeck) Import(ctx context.Context, cards []Card) error {
	const query = `
		INSERT INTO cards (id, question, answer, due_at, interval_seconds, ease, reps, lapses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			question = EXCLUDED.question,
			answer   = EXCLUDED.answer`

	for _, c := range cards {
		if c.Ref == "" {
			return errors.New("deck: import: empty card id")
		}
		due := c.Due
		if due.IsZero() {
			due = d.now()
		}
		ease := c.Ease
		if ease <= 0 {
			ease = DefaultEase
		}
		_, err := d.db.Exec(ctx, query,
			string(c.Ref), c.Question, c.Answer, due,
			int64(c.Interval/time.Second), ease, c.Reps, c.Lapses,
		)
		if err != nil {
			return fmt.Errorf("deck: import %q: %w", c.Ref, err)
		}
	}
	return nil
}

// NextDueCard returns the card with the earliest due_at not after now,
// breaking ties by insertion order.
func (d *PostgresDeck) NextDueCard(ctx context.Context) (CardRef, bool, error) {
	const query = `
		SELECT id FROM cards
		WHERE due_at <= $1
		ORDER BY due_at, position`

	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		ref   CardRef
		found bool
	)
	err := d.guard(func() error {
		rows, err := d.db.Query(ctx, query, d.now())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan card id: %w", err)
			}
			if d.sess.allow(CardRef(id)) {
				ref, found = CardRef(id), true
				return nil
			}
		}
		return rows.Err()
	})
	if err != nil {
		return "", false, fmt.Errorf("deck: next due card: %w", err)
	}
	return ref, found, nil
}

// DueCount returns the number of cards due now.
func (d *PostgresDeck) DueCount(ctx context.Context) (int, error) {
	var n int
	err := d.guard(func() error {
		return d.db.QueryRow(ctx, `SELECT count(*) FROM cards WHERE due_at <= $1`, d.now()).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("deck: due count: %w", err)
	}
	return n, nil
}

// QuestionText implements [Scheduler].
func (d *PostgresDeck) QuestionText(ctx context.Context, ref CardRef) (string, error) {
	s, err := d.text(ctx, `SELECT question FROM cards WHERE id = $1`, ref)
	if err != nil {
		return "", fmt.Errorf("deck: question %q: %w", ref, err)
	}
	return StripHTML(s), nil
}

// AnswerText implements [Scheduler].
func (d *PostgresDeck) AnswerText(ctx context.Context, ref CardRef) (string, error) {
	s, err := d.text(ctx, `SELECT answer FROM cards WHERE id = $1`, ref)
	if err != nil {
		return "", fmt.Errorf("deck: answer %q: %w", ref, err)
	}
	return StripHTML(s), nil
}

func (d *PostgresDeck) text(ctx context.Context, query string, ref CardRef) (string, error) {
	var s string
	err := d.guard(func() error {
		err := d.db.QueryRow(ctx, query, string(ref)).Scan(&s)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCardNotFound
		}
		return err
	})
	return s, err
}

// Card loads the full card with ref.
func (d *PostgresDeck) Card(ctx context.Context, ref CardRef) (Card, error) {
	const query = `
		SELECT question, answer, due_at, interval_seconds, ease, reps, lapses
		FROM cards WHERE id = $1`

	c := Card{Ref: ref}
	var intervalSec int64
	err := d.guard(func() error {
		err := d.db.QueryRow(ctx, query, string(ref)).Scan(
			&c.Question, &c.Answer, &c.Due, &intervalSec, &c.Ease, &c.Reps, &c.Lapses,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCardNotFound
		}
		return err
	})
	if err != nil {
		return Card{}, fmt.Errorf("deck: card %q: %w", ref, err)
	}
	c.Interval = time.Duration(intervalSec) * time.Second
	return c, nil
}

// RecordRating reschedules the card and appends a reviews row in one
// statement.
func (d *PostgresDeck) RecordRating(ctx context.Context, ref CardRef, r rating.Rating) error {
	if !r.Valid() {
		return fmt.Errorf("deck: record rating: invalid rating %d", int(r))
	}
	c, err := d.Card(ctx, ref)
	if err != nil {
		return err
	}
	now := d.now()
	next := Schedule(c, r, now)

	const query = `
		WITH upd AS (
			UPDATE cards
			SET due_at = $2, interval_seconds = $3, ease = $4, reps = $5, lapses = $6
			WHERE id = $1
			RETURNING id
		)
		INSERT INTO reviews (card_id, rating, interval_seconds, reviewed_at)
		SELECT id, $7, $3, $8 FROM upd`

	err = d.guard(func() error {
		tag, err := d.db.Exec(ctx, query,
			string(ref), next.Due, int64(next.Interval/time.Second), next.Ease, next.Reps, next.Lapses,
			r.Ease(), now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrCardNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deck: record rating %q: %w", ref, err)
	}
	return nil
}
