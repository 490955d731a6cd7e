package peersync

import (
	"context"
	"fmt"
	"sort"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/safsdb/safs/rowstore"
)

// PeersTable holds replication cursors of tracked peers
const PeersTable = "__safs_tracked_peers"

// Cursor classes stored in the event column
const (
	EventSent     int64 = 0
	EventReceived int64 = 1
)

var dialect = goqu.Dialect("sqlite3")

// PeerState is what this site knows about one peer. Sent is the highest local
// db_version the peer acknowledged, Received the highest db_version of the
// peer's own records applied here. Sent == 0 means the next round ships the
// whole log.
type PeerState struct {
	SiteID   string `json:"site_id"`
	Tag      int64  `json:"tag"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

// PeerStore persists peer cursors in the row store
type PeerStore struct {
	store rowstore.Executor
}

// NewPeerStore creates the tracked peers table if needed
func NewPeerStore(ctx context.Context, store rowstore.Executor) (*PeerStore, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		site_id BLOB NOT NULL,
		version INTEGER NOT NULL,
		tag INTEGER NOT NULL,
		event INTEGER NOT NULL,
		PRIMARY KEY (site_id, tag, event)
	)`, PeersTable)
	if _, err := store.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", PeersTable, err)
	}
	return &PeerStore{store: store}, nil
}

// Track registers a peer with zero cursors. Existing cursors are kept.
func (s *PeerStore) Track(ctx context.Context, site string, tag int64) error {
	query, args, err := dialect.Insert(PeersTable).
		Rows(
			goqu.Record{"site_id": []byte(site), "version": 0, "tag": tag, "event": EventSent},
			goqu.Record{"site_id": []byte(site), "version": 0, "tag": tag, "event": EventReceived},
		).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to track peer %s: %w", site, err)
	}
	return nil
}

// Advance raises one cursor. Cursors never move backwards through Advance.
func (s *PeerStore) Advance(ctx context.Context, site string, tag, event int64, version uint64) error {
	query, args, err := dialect.Insert(PeersTable).
		Rows(goqu.Record{"site_id": []byte(site), "version": int64(version), "tag": tag, "event": event}).
		OnConflict(goqu.DoUpdate("site_id, tag, event", goqu.Record{
			"version": goqu.L("max(version, excluded.version)"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to advance cursor of %s: %w", site, err)
	}
	return nil
}

// Reset sets the sent cursor of a peer back to 0, forcing a full resync
func (s *PeerStore) Reset(ctx context.Context, site string, tag int64) error {
	query, args, err := dialect.Update(PeersTable).
		Set(goqu.Record{"version": 0}).
		Where(goqu.Ex{"site_id": []byte(site), "tag": tag, "event": EventSent}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset cursor of %s: %w", site, err)
	}
	return nil
}

// Get returns the state of one peer, zero cursors if untracked
func (s *PeerStore) Get(ctx context.Context, site string, tag int64) (PeerState, error) {
	states, err := s.list(ctx, goqu.Ex{"site_id": []byte(site), "tag": tag})
	if err != nil {
		return PeerState{}, err
	}
	if len(states) == 0 {
		return PeerState{SiteID: site, Tag: tag}, nil
	}
	return states[0], nil
}

// List returns every peer tracked under tag, ordered by site id
func (s *PeerStore) List(ctx context.Context, tag int64) ([]PeerState, error) {
	return s.list(ctx, goqu.Ex{"tag": tag})
}

func (s *PeerStore) list(ctx context.Context, where goqu.Ex) ([]PeerState, error) {
	query, args, err := dialect.From(PeersTable).
		Select("site_id", "version", "tag", "event").
		Where(where).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.store.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", PeersTable, err)
	}

	bySite := make(map[string]*PeerState)
	for _, row := range rows {
		site := siteOf(row["site_id"])
		version, _ := row["version"].(int64)
		tag, _ := row["tag"].(int64)
		event, _ := row["event"].(int64)

		st, ok := bySite[site]
		if !ok {
			st = &PeerState{SiteID: site, Tag: tag}
			bySite[site] = st
		}
		switch event {
		case EventSent:
			st.Sent = uint64(version)
		case EventReceived:
			st.Received = uint64(version)
		}
	}

	out := make([]PeerState, 0, len(bySite))
	for _, st := range bySite {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func siteOf(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return ""
	}
}
