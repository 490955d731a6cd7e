package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/safsdb/safs/admin"
	"github.com/safsdb/safs/cfg"
	"github.com/safsdb/safs/schema"
	"github.com/safsdb/safs/store"
	"github.com/safsdb/safs/telemetry"
	"github.com/safsdb/safs/transport"
)

// defaultSchema is served when no schema file is configured
func defaultSchema() schema.Schema {
	return schema.New(schema.Table{
		Name: "kv",
		Sync: true,
		Columns: []schema.Column{
			schema.Text("key").PrimaryKey(),
			schema.Text("value"),
		},
	})
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("site_id", cfg.Config.SiteID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("safs - offline-first CRDT replication")
	telemetry.InitializeTelemetry()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("safs stopped")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables := defaultSchema()
	if cfg.Config.SchemaFile != "" {
		var err error
		if tables, err = schema.LoadFile(cfg.Config.SchemaFile); err != nil {
			return fmt.Errorf("failed to load schema: %w", err)
		}
	}

	s, err := store.Open(ctx, store.OptionsFromConfig(cfg.Config, tables))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	if cfg.Config.Compaction.Policy != cfg.CompactionRetainAll {
		s.StartCompaction(time.Duration(cfg.Config.Compaction.IntervalSeconds) * time.Second)
	}

	collector := telemetry.NewMetricsCollector(s, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	router, closers, err := buildRouter(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("Failed to close transport")
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Config.HTTP.Enabled {
		srv := newHTTPServer(s)
		g.Go(func() error {
			log.Info().Str("address", srv.Addr).Msg("HTTP listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	if cfg.Config.GRPC.Enabled {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Config.GRPC.BindAddress, strconv.Itoa(cfg.Config.GRPC.Port)))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		srv := transport.NewGRPCServer(s)
		g.Go(func() error {
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.Stop()
			return nil
		})
	}

	if cfg.Config.Sync.IntervalSeconds > 0 {
		g.Go(func() error {
			syncLoop(ctx, s, router, time.Duration(cfg.Config.Sync.IntervalSeconds)*time.Second)
			return nil
		})
	}

	log.Info().
		Str("data_dir", cfg.Config.DataDir).
		Strs("tables", s.Schema().TableNames()).
		Msg("Site is operational")

	return g.Wait()
}

// buildRouter tracks every configured peer and routes it by address:
// http(s) URLs post to the peer's listener, grpc:// addresses call its gRPC
// listener, "nats" and "kafka" use the corresponding broker. Listeners for enabled brokers are started here.
func buildRouter(ctx context.Context, s *store.Store) (*transport.Router, []func() error, error) {
	peers, err := cfg.ParsePeers(cfg.Config.Sync.Peers)
	if err != nil {
		return nil, nil, err
	}

	router := transport.NewRouter()
	var closers []func() error

	var natsT *transport.NATS
	if cfg.Config.NATS.Enabled {
		timeout := time.Duration(cfg.Config.NATS.TimeoutMS) * time.Millisecond
		natsT, err = transport.ConnectNATS(cfg.Config.NATS.URL, cfg.Config.NATS.SubjectPrefix, timeout)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, natsT.Close)
		if err := natsT.Serve(s.Site(), s); err != nil {
			return nil, closers, err
		}
	}

	var kafkaT *transport.Kafka
	if cfg.Config.Kafka.Enabled {
		kafkaT, err = transport.NewKafka(cfg.Config.Kafka.Brokers, cfg.Config.Kafka.Topic)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, kafkaT.Close)
		go func() {
			if err := kafkaT.Consume(ctx, s.Site(), cfg.Config.Kafka.GroupID, s); err != nil {
				log.Error().Err(err).Msg("Kafka consumer stopped")
			}
		}()
	}

	httpPeers := make(map[string]string)
	grpcPeers := make(map[string]string)
	for _, p := range peers {
		if err := s.AddPeer(ctx, p.SiteID); err != nil {
			return nil, closers, fmt.Errorf("failed to track peer %s: %w", p.SiteID, err)
		}

		switch {
		case p.Address == "nats":
			if natsT == nil {
				return nil, closers, fmt.Errorf("peer %s needs the nats transport", p.SiteID)
			}
			router.Route(p.SiteID, natsT)
		case p.Address == "kafka":
			if kafkaT == nil {
				return nil, closers, fmt.Errorf("peer %s needs the kafka transport", p.SiteID)
			}
			router.Route(p.SiteID, kafkaT)
		case strings.HasPrefix(p.Address, "http://"), strings.HasPrefix(p.Address, "https://"):
			httpPeers[p.SiteID] = p.Address
		case strings.HasPrefix(p.Address, transport.GRPCScheme):
			grpcPeers[p.SiteID] = p.Address
		default:
			return nil, closers, fmt.Errorf("peer %s: unsupported address %q", p.SiteID, p.Address)
		}
	}

	if len(httpPeers) > 0 {
		sender := transport.NewHTTPSender(httpPeers, 30*time.Second)
		for site := range httpPeers {
			router.Route(site, sender)
		}
	}
	if len(grpcPeers) > 0 {
		sender := transport.NewGRPCSender(grpcPeers)
		closers = append(closers, sender.Close)
		for site := range grpcPeers {
			router.Route(site, sender)
		}
	}

	log.Info().Int("peers", len(peers)).Msg("Peers configured")
	return router, closers, nil
}

// newRouter serves peer batches, metrics and the admin API from one router
func newRouter(s *store.Store) chi.Router {
	r := chi.NewRouter()
	r.Handle(transport.SyncPath, transport.HTTPHandler(s))
	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	admin.RegisterRoutes(r, admin.NewAdminHandlers(s))
	return r
}

func newHTTPServer(s *store.Store) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Config.HTTP.BindAddress, strconv.Itoa(cfg.Config.HTTP.Port)),
		Handler:           newRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func syncLoop(ctx context.Context, s *store.Store, router *transport.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncAll(ctx, router); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Sync round incomplete")
			}
		}
	}
}
