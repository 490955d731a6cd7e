package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	rqlitesql "github.com/rqlite/sql"
	"github.com/rs/zerolog/log"
)

// DriverName is the SQLite driver registered with REGEXP support
const DriverName = "sqlite3_safs"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Usage: column REGEXP 'pattern'
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

func regexpMatch(pattern, text string) (bool, error) {
	return regexp.MatchString(pattern, text)
}

// SQLite is the in-process, synchronous row store.
type SQLite struct {
	path string
	db   *sql.DB

	// Serializes Tx against direct Exec on the single connection
	mu     sync.Mutex
	closed bool
}

var _ Executor = (*SQLite)(nil)

// OpenSQLite opens a file-backed store or ":memory:".
func OpenSQLite(path string, busyTimeoutMS int) (*SQLite, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	dsn := path
	if !isMemoryDB {
		if strings.Contains(dsn, "?") {
			dsn += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			dsn += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, ErrOpen{Path: path, Err: err}
	}

	// One connection: an in-memory database only exists on the connection
	// that created it, and all writes are serialized anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA temp_store = MEMORY"}
	if !isMemoryDB {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA cache_size = -16000",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, ErrOpen{Path: path, Err: fmt.Errorf("failed to set %s: %w", pragma, err)}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ErrOpen{Path: path, Err: err}
	}

	log.Debug().Str("path", path).Msg("Row store opened")
	return &SQLite{path: path, db: db}, nil
}

// Path returns the path the store was opened with
func (s *SQLite) Path() string {
	return s.path
}

// Exec runs one statement outside any explicit transaction.
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return run(ctx, s.db, query, args)
}

// Tx runs fn in a transaction on the store's connection.
func (s *SQLite) Tx(ctx context.Context, fn func(Execer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrExec{SQL: "BEGIN", Err: err}
	}

	if err := fn(txExecer{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Row store rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return ErrExec{SQL: "COMMIT", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type txExecer struct {
	tx *sql.Tx
}

func (t txExecer) Exec(ctx context.Context, query string, args ...any) ([]Row, error) {
	return run(ctx, t.tx, query, args)
}

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func run(ctx context.Context, q queryable, query string, args []any) ([]Row, error) {
	if !returnsRows(query) {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return nil, ErrExec{SQL: query, Err: err}
		}
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrExec{SQL: query, Err: err}
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, ErrExec{SQL: query, Err: err}
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	textual := make([]bool, len(types))
	for i, ct := range types {
		textual[i] = isTextType(ct.DatabaseTypeName())
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok && textual[i] {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// isTextType follows SQLite type affinity: a declared type containing
// CHAR, CLOB or TEXT is textual
func isTextType(decl string) bool {
	upper := strings.ToUpper(decl)
	return strings.Contains(upper, "CHAR") || strings.Contains(upper, "CLOB") || strings.Contains(upper, "TEXT")
}

// returnsRows reports whether a statement yields a result set. Statements
// the parser rejects take the query path, which also runs statements
// without results.
func returnsRows(query string) bool {
	stmt, err := rqlitesql.NewParser(strings.NewReader(query)).ParseStatement()
	if err != nil {
		return true
	}

	switch s := stmt.(type) {
	case *rqlitesql.SelectStatement, *rqlitesql.ExplainStatement:
		return true
	case *rqlitesql.InsertStatement:
		return s.ReturningClause != nil
	case *rqlitesql.UpdateStatement:
		return s.ReturningClause != nil
	case *rqlitesql.DeleteStatement:
		return s.ReturningClause != nil
	default:
		return false
	}
}
