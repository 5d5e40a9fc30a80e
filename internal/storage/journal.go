package storage

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Journal entry kinds.
const (
	KindSent       = "sent"
	KindReceived   = "received"
	KindTransition = "transition"
	KindLink       = "link"
)

// Entry is one journal row. Detail carries kind-specific context such as
// "ready->playing" for a transition or the error text of a link event.
type Entry struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	ConnID  string    `json:"conn_id,omitempty"`
	Kind    string    `json:"kind"`
	Player  int       `json:"player,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Append writes one entry.
func (d *DB) Append(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return errors.New("journal entry: kind is required")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO journal (at, conn_id, kind, player, payload, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.UnixNano(), e.ConnID, e.Kind, e.Player, e.Payload, e.Detail,
	)
	return err
}

// Recent returns up to limit entries, newest first. A non-empty kind
// filters by kind.
func (d *DB) Recent(ctx context.Context, limit int, kind string) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := `SELECT id, at, conn_id, kind, player, payload, detail FROM journal`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.ConnID, &e.Kind, &e.Player, &e.Payload, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (d *DB) Count(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n)
	return n, err
}

// Prune keeps the newest keep entries and deletes the rest. keep == 0
// keeps everything.
func (d *DB) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM journal WHERE id <= (SELECT id FROM journal ORDER BY id DESC LIMIT 1 OFFSET ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recorder queues entries for a background writer so callers on the
// dispatch loop never block on disk.
type Recorder struct {
	db  *DB
	in  chan Entry
	log zerolog.Logger
}

func NewRecorder(db *DB, buffer int, logger zerolog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		db:  db,
		in:  make(chan Entry, buffer),
		log: logger.With().Str("component", "journal").Logger(),
	}
}

// Record enqueues e. It reports false when the queue is full and the entry
// was dropped.
func (r *Recorder) Record(e Entry) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.in <- e:
		return true
	default:
		r.log.Debug().Str("kind", e.Kind).Msg("journal queue full, entry dropped")
		return false
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.in:
			r.write(context.Background(), e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.in:
					r.write(context.Background(), e)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	if err := r.db.Append(ctx, e); err != nil {
		r.log.Warn().Err(err).Str("kind", e.Kind).Msg("journal append failed")
	}
}

// PruneEvery prunes to keep on start and then at every interval until ctx
// is done.
func (r *Recorder) PruneEvery(ctx context.Context, clk clock.Clock, keep int, interval time.Duration) error {
	prune := func() {
		n, err := r.db.Prune(ctx, keep)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("journal prune failed")
			}
			return
		}
		if n > 0 {
			r.log.Info().Int64("deleted", n).Int("keep", keep).Msg("journal pruned")
		}
	}

	prune()
	t := clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			prune()
		}
	}
}
