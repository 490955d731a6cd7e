package changelog

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/encoding"
)

// Key prefixes for Pebble storage
const (
	prefixChange = "/chg/"  // /chg/{hex(site)}/{db_version:016x}/{seq:08x}
	prefixHead   = "/head/" // /head/{hex(site)} -> uint64 highest db_version stored
	prefixRV     = "/rv/"   // /rv/{rv:016x}/{hex(site)}/{db_version:016x}/{seq:08x} -> change key
	keyRVHead    = "/rvhead"
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// ErrClosed is returned by operations on a closed log
var ErrClosed = fmt.Errorf("change log is closed")

// Log is the durable, Pebble-backed change log. Records of every site are
// stored; each site's records are keyed by (db_version, seq) so a site scan
// is ordered. Every transaction appended, local or received, is also given a
// receive version: its position in this replica's log, indexed so a peer can
// be sent everything that arrived after a cursor.
type Log struct {
	db   *pebble.DB
	path string

	heads   map[string]uint64
	rv      uint64
	headsMu sync.RWMutex

	closed atomic.Bool
}

// Open creates or opens a file-backed log at path.
func Open(path string) (*Log, error) {
	return open(path, &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	})
}

// OpenInMemory creates a log that lives only in process memory.
func OpenInMemory() (*Log, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*Log, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log at %s: %w", path, err)
	}

	l := &Log{
		db:    db,
		path:  path,
		heads: make(map[string]uint64),
	}

	if err := l.loadHeads(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load change log heads: %w", err)
	}

	return l, nil
}

func (l *Log) loadHeads() error {
	prefix := []byte(prefixHead)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		site, err := hex.DecodeString(string(iter.Key()[len(prefixHead):]))
		if err != nil {
			return fmt.Errorf("corrupted head key %q: %w", iter.Key(), err)
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted head for site %s: invalid length %d", site, len(val))
		}
		l.heads[string(site)] = binary.BigEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	val, closer, err := l.db.Get([]byte(keyRVHead))
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		return err
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("corrupted receive version: invalid length %d", len(val))
		}
		l.rv = binary.BigEndian.Uint64(val)
		closer.Close()
	}

	if len(l.heads) > 0 {
		log.Info().Int("sites", len(l.heads)).Msg("Loaded change log heads")
	}
	return nil
}

// Append durably stores records in one batch. Records already present are
// skipped, so appending a batch twice is harmless. Each newly stored
// transaction takes the next receive version; RV is set on every record of
// records, to the stored value for those already present.
func (l *Log) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("refusing to append: %w", err)
		}
	}

	// receive versions are handed out in append order
	l.headsMu.Lock()
	defer l.headsMu.Unlock()

	batch := l.db.NewBatch()
	defer batch.Close()

	type txn struct {
		site      string
		dbVersion uint64
	}
	assigned := make(map[txn]uint64)
	rv := l.rv
	newHeads := make(map[string]uint64)
	for i := range records {
		rec := &records[i]
		key := changeKey(rec.SiteID, rec.DBVersion, rec.Seq)

		stored, err := l.get(key)
		if err != nil {
			return err
		}
		if stored != nil {
			rec.RV = stored.RV
			continue
		}

		t := txn{rec.SiteID, rec.DBVersion}
		if _, ok := assigned[t]; !ok {
			rv++
			assigned[t] = rv
		}
		rec.RV = assigned[t]

		val, err := encoding.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := batch.Set(key, val, nil); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := batch.Set(rvKey(rec.RV, rec.SiteID, rec.DBVersion, rec.Seq), key, nil); err != nil {
			return fmt.Errorf("failed to index record: %w", err)
		}

		if rec.DBVersion > newHeads[rec.SiteID] {
			newHeads[rec.SiteID] = rec.DBVersion
		}
	}
	if rv == l.rv {
		return nil
	}

	for site, head := range newHeads {
		if head <= l.heads[site] {
			delete(newHeads, site)
			continue
		}
		if err := batch.Set(headKey(site), uint64Bytes(head), nil); err != nil {
			return fmt.Errorf("failed to update head: %w", err)
		}
	}
	if err := batch.Set([]byte(keyRVHead), uint64Bytes(rv), nil); err != nil {
		return fmt.Errorf("failed to update receive version: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory heads AFTER successful commit
	for site, head := range newHeads {
		l.heads[site] = head
	}
	l.rv = rv
	return nil
}

func (l *Log) get(key []byte) (*Record, error) {
	val, closer, err := l.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %q: %w", key, err)
	}
	defer closer.Close()

	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %q: %w", key, err)
	}
	rec.Value = encoding.NormalizeValue(rec.Value)
	return &rec, nil
}

// Version returns the highest receive version handed out, 0 for an empty log.
func (l *Log) Version() uint64 {
	l.headsMu.RLock()
	defer l.headsMu.RUnlock()
	return l.rv
}

// ReadSince calls fn for every record with a receive version > after, in
// receive order. Records of one transaction are delivered together.
func (l *Log) ReadSince(after uint64, fn func(Record) error) error {
	if l.closed.Load() {
		return ErrClosed
	}

	lower := []byte(fmt.Sprintf("%s%016x/", prefixRV, after+1))
	upper := prefixUpperBound([]byte(prefixRV))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		key, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		rec, err := l.get(key)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to read indexed change record")
			continue
		}
		if rec == nil {
			continue
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Head returns the highest db_version stored for site, 0 if none.
func (l *Log) Head(site string) uint64 {
	l.headsMu.RLock()
	defer l.headsMu.RUnlock()
	return l.heads[site]
}

// Heads returns a copy of every site's head.
func (l *Log) Heads() map[string]uint64 {
	l.headsMu.RLock()
	defer l.headsMu.RUnlock()

	out := make(map[string]uint64, len(l.heads))
	for site, head := range l.heads {
		out[site] = head
	}
	return out
}

// Sites returns the ids of every site with records, sorted.
func (l *Log) Sites() []string {
	l.headsMu.RLock()
	defer l.headsMu.RUnlock()

	sites := make([]string, 0, len(l.heads))
	for site := range l.heads {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// ReadAll calls fn for every stored record, site by site in (db_version, seq)
// order. Returning an error from fn stops the scan.
func (l *Log) ReadAll(fn func(Record) error) error {
	prefix := []byte(prefixChange)
	return l.scan(prefix, prefixUpperBound(prefix), fn)
}

// ReadSite calls fn for records of site with db_version > after, in
// (db_version, seq) order.
func (l *Log) ReadSite(site string, after uint64, fn func(Record) error) error {
	sitePrefix := siteKeyPrefix(site)
	lower := changeKey(site, after+1, 0)
	return l.scan(lower, prefixUpperBound(sitePrefix), fn)
}

// ReadVersion returns the records of one transaction of site.
func (l *Log) ReadVersion(site string, dbVersion uint64) ([]Record, error) {
	var out []Record
	err := l.scan(changeKey(site, dbVersion, 0), changeKey(site, dbVersion+1, 0), func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func (l *Log) scan(lower, upper []byte, fn func(Record) error) error {
	if l.closed.Load() {
		return ErrClosed
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		var rec Record
		if err := encoding.Unmarshal(val, &rec); err != nil {
			// Log and skip corrupted records
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal change record")
			continue
		}
		rec.Value = encoding.NormalizeValue(rec.Value)

		if err := fn(rec); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Count returns the number of stored records.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.ReadAll(func(Record) error {
		n++
		return nil
	})
	return n, err
}

// Compact deletes transactions with a receive version < below, whatever
// their site. With keepTombstones a transaction holding a tombstone is kept
// whole so deleted rows cannot be revived by stale peers. Heads and the
// receive version are never lowered. Returns the number of deleted records.
func (l *Log) Compact(below uint64, keepTombstones bool) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if below <= 1 {
		return 0, nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	deleted := 0
	var group []Record
	drop := func() error {
		defer func() { group = group[:0] }()
		if keepTombstones {
			for _, r := range group {
				if r.IsTombstone() {
					return nil
				}
			}
		}
		for _, r := range group {
			if err := batch.Delete(changeKey(r.SiteID, r.DBVersion, r.Seq), nil); err != nil {
				return err
			}
			if err := batch.Delete(rvKey(r.RV, r.SiteID, r.DBVersion, r.Seq), nil); err != nil {
				return err
			}
			deleted++
		}
		return nil
	}

	err := l.ReadSince(0, func(r Record) error {
		if r.RV >= below {
			return errStop
		}
		if len(group) > 0 && group[0].RV != r.RV {
			if err := drop(); err != nil {
				return err
			}
		}
		group = append(group, r)
		return nil
	})
	if err != nil && err != errStop {
		return 0, err
	}
	if err := drop(); err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit compaction: %w", err)
	}

	log.Debug().
		Uint64("below", below).
		Int("deleted", deleted).
		Msg("Compacted change log")
	return deleted, nil
}

var errStop = fmt.Errorf("stop")

// Close closes the Pebble database
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return l.db.Close()
}

func siteKeyPrefix(site string) []byte {
	return []byte(prefixChange + hex.EncodeToString([]byte(site)) + "/")
}

func changeKey(site string, dbVersion uint64, seq uint32) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x/%08x", prefixChange, hex.EncodeToString([]byte(site)), dbVersion, seq))
}

func rvKey(rv uint64, site string, dbVersion uint64, seq uint32) []byte {
	return []byte(fmt.Sprintf("%s%016x/%s/%016x/%08x", prefixRV, rv, hex.EncodeToString([]byte(site)), dbVersion, seq))
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func headKey(site string) []byte {
	return []byte(prefixHead + hex.EncodeToString([]byte(site)))
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
