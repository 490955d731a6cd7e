// Package store is the application facade: it writes transactions into the
// change log, reads the materialized rows and wires replication.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/cfg"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/hlc"
	"github.com/safsdb/safs/id"
	"github.com/safsdb/safs/materializer"
	"github.com/safsdb/safs/notify"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/rowstore"
	"github.com/safsdb/safs/schema"
	"github.com/safsdb/safs/versions"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("row not found")

// ErrSyncedWrite is returned when raw SQL tries to write a synced table
var ErrSyncedWrite = errors.New("synced tables are written through Update only")

// Options configures a Store
type Options struct {
	SiteID string
	Schema schema.Schema

	// Storage
	InMemory      bool
	Dir           string // Holds changelog/ and the row store file
	RowStoreFile  string
	BusyTimeoutMS int
	AsyncRowStore bool

	// Materializer
	Mode      materializer.Mode
	CacheSize int
	QueueSize int

	Sync peersync.Options

	// Compaction
	Compaction     cfg.CompactionPolicyName
	KeepTombstones bool

	MaxDriftMS int64
	Now        hlc.NowFunc // Nil uses the wall clock
}

// OptionsFromConfig maps the process configuration onto Options
func OptionsFromConfig(c *cfg.Configuration, s schema.Schema) Options {
	mode := materializer.ModeSync
	if c.Materializer.Mode == cfg.MaterializeBackground {
		mode = materializer.ModeBackground
	}
	return Options{
		SiteID:        c.SiteID,
		Schema:        s,
		InMemory:      c.Storage.InMemory,
		Dir:           c.DataDir,
		RowStoreFile:  c.Storage.RowStoreFile,
		BusyTimeoutMS: c.Storage.BusyTimeoutMS,
		AsyncRowStore: c.Storage.AsyncRowStore,
		Mode:          mode,
		CacheSize:     c.Materializer.CacheSize,
		QueueSize:     c.Materializer.QueueSize,
		Sync: peersync.Options{
			BatchSize:  c.Sync.BatchSize,
			Tag:        c.Sync.Tag,
			Tables:     c.Sync.Tables,
			MaxDriftMS: c.Clock.MaxDriftMS,
		},
		Compaction:     c.Compaction.Policy,
		KeepTombstones: c.Compaction.KeepTombstones,
		MaxDriftMS:     c.Clock.MaxDriftMS,
	}
}

// Store is one site's replica
type Store struct {
	site      changelog.Site
	tables    *schema.Resolved
	log       *changelog.Log
	rows      rowstore.Executor
	tracker   *versions.Tracker
	mat       *materializer.Materializer
	writer    *changelog.Writer
	sync      *peersync.Manager
	hub       *notify.Hub
	ids       *id.HLCGenerator
	compactor *changelog.Compactor

	closeOnce sync.Once
}

// syncedTables hides local-only tables from the materializer so replicated
// records can never touch them
type syncedTables struct {
	*schema.Resolved
}

func (t syncedTables) PrimaryKey(table string) (string, bool) {
	if !t.IsSynced(table) {
		return "", false
	}
	return t.Resolved.PrimaryKey(table)
}

func (t syncedTables) HasColumn(table, column string) bool {
	return t.IsSynced(table) && t.Resolved.HasColumn(table, column)
}

// Open opens or creates a store. Records appended but not materialized by a
// previous run are applied before Open returns.
func Open(ctx context.Context, opts Options) (s *Store, err error) {
	if opts.SiteID == "" {
		return nil, fmt.Errorf("site id must not be empty")
	}

	tables, err := opts.Schema.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	s = &Store{tables: tables}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	rowPath := ":memory:"
	if opts.InMemory {
		s.log, err = changelog.OpenInMemory()
	} else {
		if err = os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		file := opts.RowStoreFile
		if file == "" {
			file = "safs.db"
		}
		rowPath = filepath.Join(opts.Dir, file)
		s.log, err = changelog.Open(filepath.Join(opts.Dir, "changelog"))
	}
	if err != nil {
		return nil, err
	}

	s.rows, err = rowstore.Open(rowstore.Options{
		Path:          rowPath,
		BusyTimeoutMS: opts.BusyTimeoutMS,
		Async:         opts.AsyncRowStore,
		QueueSize:     opts.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	for _, ddl := range tables.DDL() {
		if _, err = s.rows.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	s.tracker, err = versions.NewTracker(ctx, s.rows, s.log, opts.SiteID)
	if err != nil {
		return nil, err
	}

	s.hub = notify.NewHub()
	s.mat, err = materializer.New(ctx, s.rows, s.tracker, syncedTables{tables}, s.hub, materializer.Config{
		Mode:      opts.Mode,
		CacheSize: opts.CacheSize,
		QueueSize: opts.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	if _, err = s.mat.Catchup(ctx, s.log, opts.Sync.BatchSize); err != nil {
		return nil, fmt.Errorf("failed to catch up materializer: %w", err)
	}

	s.site = changelog.NewSite(opts.SiteID, opts.Now)
	if err = s.restoreClock(); err != nil {
		return nil, err
	}
	s.ids = id.NewHLCGenerator(s.site.Clock)

	s.writer, err = changelog.NewWriter(s.site, s.log, s.mat, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if opts.MaxDriftMS > 0 {
		s.writer.SetMaxDrift(opts.MaxDriftMS)
	}

	peers, err := peersync.NewPeerStore(ctx, s.rows)
	if err != nil {
		return nil, err
	}
	s.sync, err = peersync.NewManager(s.site, s.log, s.tracker, s.mat, peers, opts.Sync)
	if err != nil {
		return nil, err
	}

	var policy changelog.Policy = changelog.RetainAll{}
	if opts.Compaction == cfg.CompactionAckedByAllPeers {
		policy = changelog.AckedByAllPeers{Cursors: s.sync}
	}
	s.compactor = changelog.NewCompactor(s.log, policy, opts.KeepTombstones)

	log.Info().
		Str("site", opts.SiteID).
		Bool("in_memory", opts.InMemory).
		Str("materializer", opts.Mode.String()).
		Uint64("head", s.log.Head(opts.SiteID)).
		Msg("Store opened")
	return s, nil
}

// restoreClock moves the clock past the last local transaction so a wall
// clock that went backwards cannot reorder new writes before old ones
func (s *Store) restoreClock() error {
	head := s.log.Head(s.site.ID)
	if head == 0 {
		return nil
	}
	records, err := s.log.ReadVersion(s.site.ID, head)
	if err != nil {
		return fmt.Errorf("failed to read last transaction: %w", err)
	}
	for _, r := range records {
		if r.HLC == "" {
			continue
		}
		ts, err := r.Timestamp()
		if err != nil {
			log.Warn().Err(err).Uint64("db_version", head).Msg("Ignoring malformed stored HLC")
			continue
		}
		s.site.Clock.Update(ts)
		break
	}
	return nil
}

// Site returns the local site id
func (s *Store) Site() string {
	return s.site.ID
}

// Clock returns the site clock
func (s *Store) Clock() *hlc.Clock {
	return s.site.Clock
}

// Schema returns the resolved schema
func (s *Store) Schema() *schema.Resolved {
	return s.tables
}

// Log returns the change log
func (s *Store) Log() *changelog.Log {
	return s.log
}

// Tracker returns the version tracker
func (s *Store) Tracker() *versions.Tracker {
	return s.tracker
}

// Sync returns the peer sync manager
func (s *Store) Sync() *peersync.Manager {
	return s.sync
}

// NextID returns a fresh row key
func (s *Store) NextID() string {
	return s.ids.NextID()
}

// Flush waits for background materialization of everything committed so far
func (s *Store) Flush(ctx context.Context) error {
	return s.mat.Drain(ctx)
}

// Compact runs one compaction pass with the configured policy
func (s *Store) Compact(ctx context.Context) (int, error) {
	return s.compactor.RunOnce(ctx)
}

// StartCompaction compacts every interval until Close
func (s *Store) StartCompaction(interval time.Duration) {
	s.compactor.Start(interval)
}

// LogRecordCount implements telemetry.StatsProvider
func (s *Store) LogRecordCount() (int64, error) {
	return s.log.Count()
}

// PeerLag implements telemetry.StatsProvider
func (s *Store) PeerLag() map[string]uint64 {
	return s.sync.PeerLag()
}

// Close stops background work and closes storage
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeAll()
		log.Info().Str("site", s.site.ID).Msg("Store closed")
	})
	return nil
}

func (s *Store) closeAll() {
	if s.compactor != nil {
		s.compactor.Stop()
	}
	if s.mat != nil {
		s.mat.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close row store")
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close change log")
		}
	}
}
