package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Event is one timing entry of a query. Only ids, types and durations are
// kept; query and response text never reach the store.
type Event struct {
	ID        int64
	MsgID     string
	Type      string
	Elapsed   time.Duration
	CreatedAt time.Time
}

// Store wraps a SQLite-backed timing journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode opens no
// database and every method is a no-op. Session mode starts from an empty
// journal on every open.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == RetentionSession {
		if err := s.truncate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session journal: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS queries (
    msg_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(msg_id) REFERENCES queries(msg_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_msg_created ON events(msg_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events; DELETE FROM queries;`)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether the store writes anything.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordQuery ensures a query row exists for msgID.
func (s *Store) RecordQuery(ctx context.Context, msgID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queries(msg_id, created_at) VALUES(?, ?) ON CONFLICT(msg_id) DO NOTHING`,
		msgID, s.clock().UnixMilli())
	return err
}

// AppendEvent writes a timing entry. The query row is created when missing so
// events published without a preceding query event are kept.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	if err := s.RecordQuery(ctx, evt.MsgID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(msg_id, event_type, elapsed_ms, created_at) VALUES(?, ?, ?, ?)`,
		evt.MsgID, evt.Type, evt.Elapsed.Milliseconds(), evt.CreatedAt.UnixMilli())
	return err
}

// ListQueryEvents retrieves up to limit events of a query ordered by time.
func (s *Store) ListQueryEvents(ctx context.Context, msgID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, msg_id, event_type, elapsed_ms, created_at
		 FROM events WHERE msg_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, msgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			elapsedMS int64
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &e.MsgID, &e.Type, &elapsedMS, &createdMS); err != nil {
			return nil, err
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdMS).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM queries WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxQueries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM queries WHERE msg_id IN (
			SELECT msg_id FROM queries ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxQueries)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE msg_id NOT IN (SELECT msg_id FROM queries)`); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
