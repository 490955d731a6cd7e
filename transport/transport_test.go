package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/safsdb/safs/changelog"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/peersync"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches []peersync.Batch
	peers   []string
	err     error
}

func (r *recorder) ReceiveSyncPayload(_ context.Context, peer string, b peersync.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.peers = append(r.peers, peer)
	r.batches = append(r.batches, b)
	return nil
}

func sampleBatch() peersync.Batch {
	return peersync.Batch{
		From: "alpha",
		HLC:  "000001700000000:00001:alpha",
		Records: []changelog.Record{
			{SiteID: "alpha", Table: "todos", Column: "title", RowKey: "r1", Value: "milk", ColumnVersion: 1, DBVersion: 1, TableVersion: 1, Op: changelog.OpInsert},
			{SiteID: "alpha", Table: "todos", Column: "done", RowKey: "r1", Value: true, ColumnVersion: 1, DBVersion: 1, TableVersion: 1, Op: changelog.OpInsert, Seq: 1},
			{SiteID: "alpha", Table: "todos", Column: "rank", RowKey: "r1", Value: int64(3), ColumnVersion: 1, DBVersion: 1, TableVersion: 1, Op: changelog.OpInsert, Seq: 2},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	in := sampleBatch()
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.From, out.From)
	assert.Equal(t, in.HLC, out.HLC)
	require.Len(t, out.Records, 3)
	assert.Equal(t, "milk", out.Records[0].Value)
	assert.Equal(t, true, out.Records[1].Value)
	assert.Equal(t, int64(3), encoding.NormalizeValue(out.Records[2].Value))
	assert.Equal(t, uint32(2), out.Records[2].Seq)
}

func TestCodec_DetectsTampering(t *testing.T) {
	payload, err := encoding.Marshal(sampleBatch())
	require.NoError(t, err)

	data, err := encoding.MarshalCompressed(frame{Payload: payload, Sum: 42})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = Decode([]byte("not a frame"))
	assert.Error(t, err)
}

func TestHTTP_SendAndReceive(t *testing.T) {
	recv := &recorder{}
	srv := httptest.NewServer(HTTPHandler(recv))
	defer srv.Close()

	sender := NewHTTPSender(map[string]string{"beta": srv.URL + "/"}, 0)
	require.NoError(t, sender.Send(context.Background(), "beta", sampleBatch()))

	require.Len(t, recv.batches, 1)
	assert.Equal(t, "alpha", recv.peers[0])
	assert.Len(t, recv.batches[0].Records, 3)

	assert.Error(t, sender.Send(context.Background(), "gamma", sampleBatch()))
}

func TestHTTP_ReceiverFailureIsNotAcknowledged(t *testing.T) {
	recv := &recorder{err: errors.New("disk full")}
	srv := httptest.NewServer(HTTPHandler(recv))
	defer srv.Close()

	sender := NewHTTPSender(map[string]string{"beta": srv.URL}, 0)
	err := sender.Send(context.Background(), "beta", sampleBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestHTTP_OversizedBatchIsRejected(t *testing.T) {
	defer func(n int64) { maxBatchBytes = n }(maxBatchBytes)
	maxBatchBytes = 32

	recv := &recorder{}
	srv := httptest.NewServer(HTTPHandler(recv))
	defer srv.Close()

	resp, err := http.Post(srv.URL+SyncPath, ContentType, bytes.NewReader(make([]byte, 256)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	sender := NewHTTPSender(map[string]string{"beta": srv.URL}, 0)
	err = sender.Send(context.Background(), "beta", sampleBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "413")
	assert.Empty(t, recv.batches)
}

func TestLoopback(t *testing.T) {
	net := NewLoopback()
	recv := &recorder{}
	net.Register("beta", recv)

	require.NoError(t, net.Send(context.Background(), "beta", sampleBatch()))
	require.Len(t, recv.batches, 1)
	assert.Equal(t, "milk", recv.batches[0].Records[0].Value)

	net.Unregister("beta")
	assert.Error(t, net.Send(context.Background(), "beta", sampleBatch()))
}

func TestRouter(t *testing.T) {
	net := NewLoopback()
	recv := &recorder{}
	net.Register("beta", recv)

	r := NewRouter()
	r.Route("beta", net)

	require.NoError(t, r.Send(context.Background(), "beta", sampleBatch()))
	assert.Equal(t, []string{"alpha"}, recv.peers)

	err := r.Send(context.Background(), "gamma", sampleBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
}

func TestNATS_ReplyHandling(t *testing.T) {
	assert.Equal(t, "safs.sync.beta", subject("safs.sync", "beta"))
	assert.Equal(t, "beta", subject("", "beta"))

	data, err := Encode(sampleBatch())
	require.NoError(t, err)

	recv := &recorder{}
	assert.Equal(t, replyOK, handleFrame(recv, data, 0))
	assert.NotEqual(t, replyOK, handleFrame(recv, []byte("junk"), 0))

	recv.err = errors.New("busy")
	assert.Equal(t, "busy", handleFrame(recv, data, 0))
}

func TestKafka_Addressing(t *testing.T) {
	msg := kafkaMessage("beta", []byte("x"))
	assert.Equal(t, []byte("beta"), msg.Key)
	assert.True(t, addressedTo(msg, "beta"))
	assert.False(t, addressedTo(msg, "gamma"))
	assert.False(t, addressedTo(kafka.Message{}, "beta"))

	_, err := NewKafka(nil, "safs-changes")
	assert.Error(t, err)
}
