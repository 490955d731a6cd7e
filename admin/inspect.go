package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/hlc"
)

var errPageFull = errors.New("page full")

func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.LogRecordCount()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	clock := h.store.Clock().Current()
	writeJSONResponse(w, map[string]interface{}{
		"site_id":     h.store.Site(),
		"head":        h.store.Log().Head(h.store.Site()),
		"log_records": count,
		"hlc":         hlc.Pack(clock),
		"hlc_time":    clock.PhysicalTime().UTC(),
		"peer_lag":    h.store.PeerLag(),
	}, false, "")
}

func (h *AdminHandlers) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.store.Tracker().Snapshot(), false, "")
}

func (h *AdminHandlers) handleVersionsBySite(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "siteID")
	writeJSONResponse(w, h.store.Tracker().Vector(site), false, "")
}

func (h *AdminHandlers) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.store.Sync().Peers(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, peers, false, "")
}

func (h *AdminHandlers) handlePeer(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Sync().Peer(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, st, false, "")
}

func (h *AdminHandlers) handlePeerReset(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "siteID")
	if err := h.store.Sync().ResetPeer(r.Context(), site); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"site_id": site, "status": "reset"}, false, "")
}

func (h *AdminHandlers) handleHeads(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.store.Log().Heads(), false, "")
}

// handleLogBySite pages through a site's records by db_version
func (h *AdminHandlers) handleLogBySite(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "siteID")
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records := make([]changelog.Record, 0, limit)
	hasMore := false
	var last uint64
	err = h.store.Log().ReadSite(site, after, func(rec changelog.Record) error {
		// Pages end on a transaction boundary
		if len(records) >= limit && rec.DBVersion != last {
			hasMore = true
			return errPageFull
		}
		records = append(records, rec)
		last = rec.DBVersion
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(last, 10)
	}
	writeJSONResponse(w, records, hasMore, lastKey)
}
