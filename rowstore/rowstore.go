// Package rowstore is the materialized read side of a site: a relational
// store reached through Executor. SQLite runs statements in the caller's
// goroutine; Async owns its connection on a dedicated goroutine and is reached
// by message passing.
package rowstore

import (
	"context"
	"fmt"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Execer runs a single statement. Statements that produce rows return them;
// other statements return nil rows.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Executor is a row store handle.
type Executor interface {
	Execer

	// Tx runs fn inside one transaction. Returning an error rolls back.
	Tx(ctx context.Context, fn func(Execer) error) error

	Close() error
}

// ErrOpen is returned when the underlying database cannot be opened
type ErrOpen struct {
	Path string
	Err  error
}

func (e ErrOpen) Error() string {
	return fmt.Sprintf("open row store %s: %v", e.Path, e.Err)
}

func (e ErrOpen) Unwrap() error {
	return e.Err
}

// ErrExec is returned when a statement fails; it carries the engine message
type ErrExec struct {
	SQL string
	Err error
}

func (e ErrExec) Error() string {
	return fmt.Sprintf("exec %q: %v", e.SQL, e.Err)
}

func (e ErrExec) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by operations on a closed executor
var ErrClosed = fmt.Errorf("row store closed")
