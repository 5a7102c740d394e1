// Package history archives every routed line into a DuckDB file so past
// capture sessions can be paged through after their in-memory buffers are
// gone.
package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/esp-monitor/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
)

// ErrStoreClosed is returned by queries issued after Close. The shutdown path
// closes the store while the prune ticker may still be firing.
var ErrStoreClosed = errors.New("history store closed")

// ArchivedLine is one stored record plus the session it was captured in.
type ArchivedLine struct {
	Session    string           `json:"session"`
	Seq        uint64           `json:"seq"`
	Tag        models.OriginTag `json:"tag"`
	Severity   models.Severity  `json:"severity"`
	Text       string           `json:"text"`
	CapturedAt int64            `json:"capturedAt"` // Unix ms
	Stamped    bool             `json:"stamped"`
}

// Query filters a history page. Zero values mean "any".
type Query struct {
	Session  string
	Tag      models.OriginTag
	Page     int
	PageSize int
}

// Store is the DuckDB-backed archive. Appends are batched; Flush forces the
// current batch out before a query.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	dbPath    string
	batch     []ArchivedLine
	batchSize int
	count     int
	lastError error
}

// NewStore opens (or creates) the archive database at dbPath.
func NewStore(dbPath string, batchSize int) (*Store, error) {
	if batchSize <= 0 {
		batchSize = 512
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lines (
			session     VARCHAR NOT NULL,
			seq         BIGINT  NOT NULL,
			tag         VARCHAR NOT NULL,
			severity    VARCHAR NOT NULL,
			text        VARCHAR NOT NULL,
			captured_at BIGINT  NOT NULL,
			stamped     BOOLEAN NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating lines table: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM lines").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("counting archived lines: %w", err)
	}

	return &Store{
		db:        db,
		dbPath:    dbPath,
		batch:     make([]ArchivedLine, 0, batchSize),
		batchSize: batchSize,
		count:     count,
	}, nil
}

// Append queues a record for archival. Implements capture.Archive. Errors are
// recorded, not returned: archival must never stall or kill the capture path.
func (s *Store) Append(sessionID string, rec models.LineRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = append(s.batch, ArchivedLine{
		Session:    sessionID,
		Seq:        rec.Seq,
		Tag:        rec.Tag,
		Severity:   rec.Severity,
		Text:       rec.Text,
		CapturedAt: rec.CapturedAt.UnixMilli(),
		Stamped:    rec.Stamped,
	})
	s.count++

	if len(s.batch) >= s.batchSize {
		if err := s.flushLocked(); err != nil {
			s.lastError = err
			fmt.Printf("[History] flush error: %v\n", err)
		}
	}
}

// Flush writes any batched lines out.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the batch with the DuckDB Appender API. Caller holds s.mu.
func (s *Store) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	if s.db == nil {
		return ErrStoreClosed
	}

	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type")
		}
		appender, err := duckdb.NewAppenderFromConn(dConn, "", "lines")
		if err != nil {
			return fmt.Errorf("creating appender: %w", err)
		}
		defer appender.Close()

		for _, line := range s.batch {
			if err := appender.AppendRow(
				line.Session,
				int64(line.Seq),
				string(line.Tag),
				string(line.Severity),
				line.Text,
				line.CapturedAt,
				line.Stamped,
			); err != nil {
				return fmt.Errorf("appending row: %w", err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return err
	}

	s.batch = s.batch[:0]
	return nil
}

// LastError returns the last append/flush error, if any.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Len returns the total number of archived lines, including unflushed ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// dbHandle returns the database while the store is open. A *sql.DB survives
// a concurrent Close (queries just fail), so only the nil window needs the
// lock.
func (s *Store) dbHandle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// QueryLines returns one page of archived lines matching q, in capture order,
// plus the total match count. Pending appends are flushed first.
func (s *Store) QueryLines(ctx context.Context, q Query) ([]ArchivedLine, int, error) {
	if err := s.Flush(); err != nil {
		return nil, 0, err
	}
	db, err := s.dbHandle()
	if err != nil {
		return nil, 0, err
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	if q.Session != "" {
		where += " AND session = ?"
		args = append(args, q.Session)
	}
	if q.Tag != "" {
		where += " AND tag = ?"
		args = append(args, string(q.Tag))
	}

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lines "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting matches: %w", err)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	offset := (page - 1) * pageSize

	rows, err := db.QueryContext(ctx,
		"SELECT session, seq, tag, severity, text, captured_at, stamped FROM lines "+
			where+" ORDER BY captured_at, seq LIMIT ? OFFSET ?",
		append(args, pageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying lines: %w", err)
	}
	defer rows.Close()

	var out []ArchivedLine
	for rows.Next() {
		var line ArchivedLine
		var seq int64
		var tag, severity string
		if err := rows.Scan(&line.Session, &seq, &tag, &severity, &line.Text, &line.CapturedAt, &line.Stamped); err != nil {
			return nil, 0, fmt.Errorf("scanning line: %w", err)
		}
		line.Seq = uint64(seq)
		line.Tag = models.OriginTag(tag)
		line.Severity = models.Severity(severity)
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating lines: %w", err)
	}
	return out, total, nil
}

// Sessions returns the distinct session IDs present in the archive, most
// recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	db, err := s.dbHandle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT session, MAX(captured_at) AS last FROM lines GROUP BY session ORDER BY last DESC")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if err := s.flushLocked(); err != nil {
		fmt.Printf("[History] flush on close: %v\n", err)
	}
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

// Prune deletes archived lines older than the retention window.
func (s *Store) Prune(retention time.Duration) error {
	if err := s.Flush(); err != nil {
		return err
	}
	db, err := s.dbHandle()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := db.Exec("DELETE FROM lines WHERE captured_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.mu.Lock()
		s.count -= int(n)
		if s.count < 0 {
			s.count = 0
		}
		s.mu.Unlock()
		fmt.Printf("[History] Pruned %d lines older than %s\n", n, retention)
	}
	return nil
}
