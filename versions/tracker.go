// Package versions tracks, per origin site, how far this replica has applied
// that site's change records.
package versions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/rowstore"
)

// TableName is the row store table holding persisted vectors
const TableName = "__safs_versions"

// Reserved keys of a persisted vector. Spans are stored one row per span,
// keyed by their first db_version.
const (
	keyDB      = "@db"
	keyMax     = "@max"
	spanPrefix = "@span:"
)

var dialect = goqu.Dialect("sqlite3")

// Span is an inclusive range of applied db_versions
type Span struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Vector is the applied state of one origin site. Every transaction with
// db_version <= DB has been applied; Spans lists the transactions applied
// above DB, which arrive there when a site's transactions are delivered out
// of order. Keys holds table -> table_version and table.column ->
// column_version maxima.
type Vector struct {
	DB    uint64            `json:"db_version"`
	Max   uint64            `json:"max_db_version"`
	Spans []Span            `json:"spans,omitempty"`
	Keys  map[string]uint64 `json:"keys"`
}

func (v Vector) clone() Vector {
	keys := make(map[string]uint64, len(v.Keys))
	for k, val := range v.Keys {
		keys[k] = val
	}
	var spans []Span
	if len(v.Spans) > 0 {
		spans = append([]Span(nil), v.Spans...)
	}
	return Vector{DB: v.DB, Max: v.Max, Spans: spans, Keys: keys}
}

// Covers reports whether the transaction dbVersion has been applied
func (v Vector) Covers(dbVersion uint64) bool {
	if dbVersion <= v.DB {
		return true
	}
	i := sort.Search(len(v.Spans), func(i int) bool { return v.Spans[i].To >= dbVersion })
	return i < len(v.Spans) && v.Spans[i].From <= dbVersion
}

// add marks dbVersion applied, merging spans and raising DB over any span
// that became contiguous with it
func (v *Vector) add(dbVersion uint64) bool {
	if v.Covers(dbVersion) {
		return false
	}
	if dbVersion > v.Max {
		v.Max = dbVersion
	}

	i := sort.Search(len(v.Spans), func(i int) bool { return v.Spans[i].From > dbVersion })
	v.Spans = append(v.Spans, Span{})
	copy(v.Spans[i+1:], v.Spans[i:])
	v.Spans[i] = Span{From: dbVersion, To: dbVersion}

	merged := v.Spans[:0]
	for _, sp := range v.Spans {
		if n := len(merged); n > 0 && merged[n-1].To+1 >= sp.From {
			if sp.To > merged[n-1].To {
				merged[n-1].To = sp.To
			}
			continue
		}
		merged = append(merged, sp)
	}
	v.Spans = merged

	if len(v.Spans) > 0 && v.Spans[0].From == v.DB+1 {
		v.DB = v.Spans[0].To
		v.Spans = v.Spans[1:]
	}
	if len(v.Spans) == 0 {
		v.Spans = nil
	}
	return true
}

// raise lifts the table and column maxima for rec and reports the keys that changed
func (v *Vector) raise(rec changelog.Record) []string {
	var changed []string
	if rec.TableVersion > v.Keys[rec.Table] {
		v.Keys[rec.Table] = rec.TableVersion
		changed = append(changed, rec.Table)
	}
	colKey := rec.Table + "." + rec.Column
	if rec.ColumnVersion > v.Keys[colKey] {
		v.Keys[colKey] = rec.ColumnVersion
		changed = append(changed, colKey)
	}
	return changed
}

// Tracker holds the vectors of every known site. Reads are lock free; updates
// are staged and only published after their row store transaction commits.
type Tracker struct {
	store   rowstore.Executor
	log     *changelog.Log
	site    string
	vectors *xsync.MapOf[string, Vector]
}

// NewTracker creates the version table if needed and loads persisted vectors
func NewTracker(ctx context.Context, store rowstore.Executor, l *changelog.Log, site string) (*Tracker, error) {
	t := &Tracker{
		store:   store,
		log:     l,
		site:    site,
		vectors: xsync.NewMapOf[string, Vector](),
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		site_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (site_id, key)
	)`, TableName)
	if _, err := store.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", TableName, err)
	}

	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) load(ctx context.Context) error {
	query, args, err := dialect.From(TableName).Select("site_id", "key", "version").ToSQL()
	if err != nil {
		return err
	}
	rows, err := t.store.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load versions: %w", err)
	}

	loaded := make(map[string]Vector)
	for _, row := range rows {
		site, _ := row["site_id"].(string)
		key, _ := row["key"].(string)
		version, _ := row["version"].(int64)

		v, ok := loaded[site]
		if !ok {
			v = Vector{Keys: make(map[string]uint64)}
		}
		switch {
		case key == keyDB:
			v.DB = uint64(version)
		case key == keyMax:
			v.Max = uint64(version)
		case strings.HasPrefix(key, spanPrefix):
			from, err := strconv.ParseUint(key[len(spanPrefix):], 10, 64)
			if err != nil {
				return fmt.Errorf("corrupted span key %q of %s: %w", key, site, err)
			}
			v.Spans = append(v.Spans, Span{From: from, To: uint64(version)})
		default:
			v.Keys[key] = uint64(version)
		}
		loaded[site] = v
	}

	for site, v := range loaded {
		sort.Slice(v.Spans, func(i, j int) bool { return v.Spans[i].From < v.Spans[j].From })
		t.vectors.Store(site, v)
	}
	if len(loaded) > 0 {
		log.Debug().Int("sites", len(loaded)).Msg("Loaded version vectors")
	}
	return nil
}

// LocalSite returns the id of the site owning this tracker
func (t *Tracker) LocalSite() string {
	return t.site
}

// Vector returns a copy of the vector of site
func (t *Tracker) Vector(site string) Vector {
	v, ok := t.vectors.Load(site)
	if !ok {
		return Vector{Keys: map[string]uint64{}}
	}
	return v.clone()
}

// Snapshot returns a copy of every vector
func (t *Tracker) Snapshot() map[string]Vector {
	out := make(map[string]Vector)
	t.vectors.Range(func(site string, v Vector) bool {
		out[site] = v.clone()
		return true
	})
	return out
}

// IsNew reports whether the transaction of rec has not been applied yet
func (t *Tracker) IsNew(rec changelog.Record) bool {
	v, ok := t.vectors.Load(rec.SiteID)
	if !ok {
		return true
	}
	return !v.Covers(rec.DBVersion)
}

// RecordApplied marks the transaction of rec applied in its own row store
// transaction. It returns false, and changes nothing, when it already was.
func (t *Tracker) RecordApplied(ctx context.Context, rec changelog.Record) (bool, error) {
	p := t.Begin()
	if !p.Record(rec) {
		return false, nil
	}
	if err := t.store.Tx(ctx, func(x rowstore.Execer) error {
		return p.Flush(ctx, x)
	}); err != nil {
		return false, err
	}
	p.Commit()
	return true, nil
}

// DiffSince streams what a peer with the given sent cursor is missing: every
// record, whatever its origin, that reached this replica after the cursor.
// Cursor 0 streams the whole log.
func (t *Tracker) DiffSince(cursor uint64, fn func(changelog.Record) error) error {
	return t.log.ReadSince(cursor, fn)
}

// Begin starts a staged update
func (t *Tracker) Begin() *Pending {
	return &Pending{
		tracker: t,
		staged:  make(map[string]*Vector),
		open:    make(map[txn]uint32),
		dirty:   make(map[string]map[string]struct{}),
	}
}

type txn struct {
	site      string
	dbVersion uint64
}

// Pending is a set of vector updates belonging to one row store transaction.
// Transactions first seen in this batch stay open so their remaining records,
// which follow in seq order, are still accepted.
type Pending struct {
	tracker *Tracker
	staged  map[string]*Vector
	open    map[txn]uint32 // highest seq staged per transaction
	dirty   map[string]map[string]struct{}
}

func (p *Pending) vector(site string) *Vector {
	if v, ok := p.staged[site]; ok {
		return v
	}
	v := p.tracker.Vector(site)
	p.staged[site] = &v
	return &v
}

// IsNew reports whether rec is neither applied nor already staged
func (p *Pending) IsNew(rec changelog.Record) bool {
	if seq, ok := p.open[txn{rec.SiteID, rec.DBVersion}]; ok {
		return rec.Seq > seq
	}
	if v, ok := p.staged[rec.SiteID]; ok {
		return !v.Covers(rec.DBVersion)
	}
	return p.tracker.IsNew(rec)
}

// Record stages rec as applied and reports whether it was new
func (p *Pending) Record(rec changelog.Record) bool {
	if !p.IsNew(rec) {
		return false
	}
	p.open[txn{rec.SiteID, rec.DBVersion}] = rec.Seq

	v := p.vector(rec.SiteID)
	var changed []string
	if v.add(rec.DBVersion) {
		changed = append(changed, keyDB, keyMax, spanPrefix)
	}
	changed = append(changed, v.raise(rec)...)

	keys, exists := p.dirty[rec.SiteID]
	if !exists {
		keys = make(map[string]struct{})
		p.dirty[rec.SiteID] = keys
	}
	for _, k := range changed {
		keys[k] = struct{}{}
	}
	return true
}

// Empty reports whether nothing was staged
func (p *Pending) Empty() bool {
	return len(p.dirty) == 0
}

// Flush writes staged keys through x, inside the caller's transaction
func (p *Pending) Flush(ctx context.Context, x rowstore.Execer) error {
	for site, keys := range p.dirty {
		v := p.staged[site]

		rows := make([]interface{}, 0, len(keys)+len(v.Spans))
		for key := range keys {
			switch key {
			case spanPrefix:
				if err := clearSpans(ctx, x, site); err != nil {
					return err
				}
				for _, sp := range v.Spans {
					rows = append(rows, goqu.Record{
						"site_id": site,
						"key":     spanPrefix + strconv.FormatUint(sp.From, 10),
						"version": int64(sp.To),
					})
				}
			case keyDB:
				rows = append(rows, goqu.Record{"site_id": site, "key": key, "version": int64(v.DB)})
			case keyMax:
				rows = append(rows, goqu.Record{"site_id": site, "key": key, "version": int64(v.Max)})
			default:
				rows = append(rows, goqu.Record{"site_id": site, "key": key, "version": int64(v.Keys[key])})
			}
		}
		if len(rows) == 0 {
			continue
		}

		query, args, err := dialect.Insert(TableName).
			Rows(rows...).
			OnConflict(goqu.DoUpdate("site_id, key", goqu.Record{"version": goqu.L("excluded.version")})).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build version upsert: %w", err)
		}
		if _, err := x.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to persist versions of %s: %w", site, err)
		}
	}
	return nil
}

func clearSpans(ctx context.Context, x rowstore.Execer, site string) error {
	query, args, err := dialect.Delete(TableName).
		Where(goqu.C("site_id").Eq(site), goqu.C("key").Like(spanPrefix+"%")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := x.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear spans of %s: %w", site, err)
	}
	return nil
}

// Commit publishes staged vectors. Call only after the transaction that
// Flush wrote into has committed.
func (p *Pending) Commit() {
	for site := range p.dirty {
		p.tracker.vectors.Store(site, p.staged[site].clone())
	}
	p.dirty = make(map[string]map[string]struct{})
	p.open = make(map[txn]uint32)
}
