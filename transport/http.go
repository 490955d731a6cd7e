package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/telemetry"
)

// SyncPath is where batches are posted
const SyncPath = "/sync/batch"

// maxBatchBytes bounds the body of one request
var maxBatchBytes int64 = 64 << 20

// HTTPHandler serves batches posted by peers
func HTTPHandler(recv peersync.Receiver) http.Handler {
	r := chi.NewRouter()
	r.Post(SyncPath, func(w http.ResponseWriter, req *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBatchBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		batch, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("Rejected sync batch")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := recv.ReceiveSyncPayload(req.Context(), batch.From, batch); err != nil {
			log.Warn().Err(err).Str("peer", batch.From).Msg("Failed to apply sync batch")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		telemetry.TransportBatchesTotal.With("http", "received").Inc()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// HTTPSender posts batches to peers' HTTP endpoints
type HTTPSender struct {
	client *http.Client
	peers  map[string]string
}

// NewHTTPSender creates a sender. peers maps site id to base URL.
func NewHTTPSender(peers map[string]string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	addrs := make(map[string]string, len(peers))
	for site, addr := range peers {
		addrs[site] = strings.TrimRight(addr, "/")
	}
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		peers:  addrs,
	}
}

// Send implements peersync.Sender
func (s *HTTPSender) Send(ctx context.Context, peer string, b peersync.Batch) error {
	addr, ok := s.peers[peer]
	if !ok {
		return fmt.Errorf("no address for peer %s", peer)
	}

	data, err := Encode(b)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+SyncPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("peer %s answered %d: %s", peer, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	telemetry.TransportBatchesTotal.With("http", "sent").Inc()
	return nil
}
