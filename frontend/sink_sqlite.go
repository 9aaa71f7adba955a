package frontend

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tcassar-diss/iomon/bpf"
)

const sqliteBatch = 512

const ioEventsSchema = `
CREATE TABLE IF NOT EXISTS io_events (
	session     TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	pid         INTEGER NOT NULL,
	comm        TEXT NOT NULL,
	exe         TEXT,
	inode       INTEGER NOT NULL,
	direction   TEXT NOT NULL,
	file_offset INTEGER,
	bytes       INTEGER,
	errno       INTEGER,
	PRIMARY KEY (session, seq)
);
CREATE INDEX IF NOT EXISTS idx_io_events_pid ON io_events(pid);
CREATE INDEX IF NOT EXISTS idx_io_events_inode ON io_events(inode);
`

// SQLiteSink records events into an sqlite database. Each run is a session, and
// rows are committed in batches.
type SQLiteSink struct {
	db      *sql.DB
	session string
	seq     int64
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(ioEventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteSink{db: db, session: uuid.NewString()}, nil
}

// Session identifies the rows written by this sink.
func (s *SQLiteSink) Session() string {
	return s.session
}

func (s *SQLiteSink) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO io_events
		(session, seq, pid, comm, exe, inode, direction, file_offset, bytes, errno)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	s.tx, s.stmt = tx, stmt

	return nil
}

func (s *SQLiteSink) commit() error {
	if s.tx == nil {
		return nil
	}

	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt, s.pending = nil, nil, 0

	if err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

func (s *SQLiteSink) Write(rec *Record) error {
	if s.tx == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}

	ev := &rec.Event

	var offset, size, errno sql.NullInt64

	if ev.Direction == bpf.Read {
		offset = sql.NullInt64{Int64: ev.Offset, Valid: true}

		if n, ok := ev.Completion.Bytes(); ok {
			size = sql.NullInt64{Int64: int64(n), Valid: true}
		}
	}

	if e, ok := ev.Completion.Errno(); ok {
		errno = sql.NullInt64{Int64: int64(e), Valid: true}
	}

	var exe sql.NullString
	if x := rec.exe(); x != "" {
		exe = sql.NullString{String: x, Valid: true}
	}

	s.seq++

	if _, err := s.stmt.Exec(s.session, s.seq, ev.PID, ev.Comm.String(), exe,
		int64(ev.Inode), ev.Direction.String(), offset, size, errno); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	s.pending++
	if s.pending >= sqliteBatch {
		return s.commit()
	}

	return nil
}

func (s *SQLiteSink) Close() error {
	return errors.Join(s.commit(), s.db.Close())
}
