package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcencoding "google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// GRPCScheme prefixes peer addresses served over gRPC
const GRPCScheme = "grpc://"

const batchMethod = "/safs.Sync/Batch"

// msgpackCodec carries gRPC messages as msgpack, so no generated stubs are needed
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return "msgpack"
}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

// grpcFrame wraps an encoded batch frame
type grpcFrame struct {
	Frame []byte `msgpack:"f"`
}

type grpcAck struct {
	Records int `msgpack:"n"`
}

type batchServer interface {
	batch(ctx context.Context, in *grpcFrame) (*grpcAck, error)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: "safs.Sync",
	HandlerType: (*batchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Batch", Handler: batchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safs/sync",
}

func batchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(grpcFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(batchServer)
	if interceptor == nil {
		return s.batch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: batchMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.batch(ctx, req.(*grpcFrame))
	})
}

// GRPCServer serves batches sent by peers over gRPC
type GRPCServer struct {
	recv   peersync.Receiver
	server *grpc.Server
}

// NewGRPCServer creates a server delivering batches to recv
func NewGRPCServer(recv peersync.Receiver) *GRPCServer {
	s := &GRPCServer{recv: recv}
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(int(maxBatchBytes)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.server.RegisterService(&syncServiceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	log.Info().Str("address", lis.Addr().String()).Msg("gRPC listener started")
	return s.server.Serve(lis)
}

// Stop waits for in-flight batches and stops the server
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

func (s *GRPCServer) batch(ctx context.Context, in *grpcFrame) (*grpcAck, error) {
	b, err := Decode(in.Frame)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected sync batch")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.recv.ReceiveSyncPayload(ctx, b.From, b); err != nil {
		log.Warn().Err(err).Str("peer", b.From).Msg("Failed to apply sync batch")
		return nil, status.Error(codes.Internal, err.Error())
	}

	telemetry.TransportBatchesTotal.With("grpc", "received").Inc()
	return &grpcAck{Records: len(b.Records)}, nil
}

// GRPCSender sends batches to peers' gRPC listeners, one connection per peer
type GRPCSender struct {
	peers    map[string]string
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCSender creates a sender. peers maps site id to host:port, with or
// without the grpc:// scheme. opts are appended to the default dial options.
func NewGRPCSender(peers map[string]string, opts ...grpc.DialOption) *GRPCSender {
	addrs := make(map[string]string, len(peers))
	for site, addr := range peers {
		addrs[site] = strings.TrimPrefix(addr, GRPCScheme)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(int(maxBatchBytes))),
	}
	return &GRPCSender{
		peers:    addrs,
		dialOpts: append(dialOpts, opts...),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (s *GRPCSender) conn(peer string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[peer]; ok {
		return c, nil
	}
	addr, ok := s.peers[peer]
	if !ok {
		return nil, fmt.Errorf("no address for peer %s", peer)
	}
	c, err := grpc.NewClient(addr, s.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer, err)
	}
	s.conns[peer] = c
	return c, nil
}

// Send implements peersync.Sender
func (s *GRPCSender) Send(ctx context.Context, peer string, b peersync.Batch) error {
	c, err := s.conn(peer)
	if err != nil {
		return err
	}

	data, err := Encode(b)
	if err != nil {
		return err
	}

	var ack grpcAck
	if err := c.Invoke(ctx, batchMethod, &grpcFrame{Frame: data}, &ack, grpc.ForceCodec(msgpackCodec{})); err != nil {
		return fmt.Errorf("peer %s: %w", peer, err)
	}

	telemetry.TransportBatchesTotal.With("grpc", "sent").Inc()
	return nil
}

// Close closes every peer connection
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for peer, c := range s.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.conns, peer)
	}
	return first
}
