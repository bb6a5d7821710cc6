package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/boop-network/boop/internal/api"
	"github.com/boop-network/boop/internal/app/history"
	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/app/sim"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/health"
	"github.com/boop-network/boop/internal/infra/bluez"
	"github.com/boop-network/boop/internal/infra/lanlink"
	"github.com/boop-network/boop/internal/infra/loopback"
	"github.com/boop-network/boop/internal/infra/sqlite"
)

// pruneInterval is how often expired history is deleted.
const pruneInterval = time.Hour

// radio is a transport that can report whether it is up.
type radio interface {
	domain.Transport
	Running() bool
}

// Daemon is the boop runtime. It wires together all services.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Self      domain.PeerID
	Transport radio
	Ranger    domain.Ranging
	Node      *session.Coordinator
	Recorder  *history.Recorder
	Server    *api.Server
	Health    *health.Checker
	Swarm     *sim.Swarm // loopback only

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
	logFile     *os.File
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{Config: cfg}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		d.logFile = f
	}

	// Open SQLite
	db, err := sqlite.Open(boopHome())
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.DB = db

	// Identity: configured, else persisted in the database
	if cfg.Node.ID != "" {
		d.Self, err = domain.ParsePeerID(cfg.Node.ID)
	} else {
		d.Self, err = db.LocalPeerID()
	}
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("node identity: %w", err)
	}

	if err := d.buildTransport(); err != nil {
		d.Close()
		return nil, err
	}

	d.Node = session.New(d.Self, cfg.SessionConfig(), d.Transport, d.Ranger)

	// History journal
	var reader api.HistoryReader
	if cfg.Storage.History {
		d.Recorder = history.NewRecorder(db, cfg.Storage.RecorderBuffer)
		d.unsubscribe = append(d.unsubscribe, d.Node.Subscribe(d.Recorder.Observe))
		reader = db
	}

	// API server
	d.Server = api.NewServer(d.Node, reader)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	d.unsubscribe = append(d.unsubscribe, d.Node.Subscribe(d.Server.Hub().Broadcast))
	if cfg.Debug() {
		d.unsubscribe = append(d.unsubscribe, d.Node.Subscribe(func(e domain.Event) {
			log.Printf("[daemon] event %s peer=%s", e.Kind, e.Peer.Short())
		}))
	}

	// Health checker
	sweepAge := 3 * cfg.SessionConfig().Discovery.SweepInterval
	d.Health = health.NewChecker(
		parseDuration(cfg.Telemetry.HealthInterval, health.DefaultInterval),
		health.SQLiteCheck(db),
		health.SweeperCheck(d.Node, sweepAge, time.Now),
		health.TransportCheck(cfg.Transport.Kind, d.Transport),
	)
	d.Server.SetChecker(d.Health)

	return d, nil
}

// buildTransport creates the configured radio and, when it has one, its
// ranging source.
func (d *Daemon) buildTransport() error {
	cfg := d.Config
	switch cfg.Transport.Kind {
	case TransportLAN:
		t, err := lanlink.New(d.Self, cfg.LANConfig())
		if err != nil {
			return fmt.Errorf("lanlink: %w", err)
		}
		d.Transport = t
	case TransportBlueZ:
		t, err := bluez.New(d.Self, cfg.BlueZConfig())
		if err != nil {
			return fmt.Errorf("bluez: %w", err)
		}
		d.Transport = t
	case TransportLoopback:
		interval := parseDuration(cfg.Transport.BeaconInterval, loopback.DefaultOptions().AdvertiseInterval)
		d.Swarm = sim.NewSwarm(loopback.Options{
			AdvertiseInterval: interval,
			Ranging:           cfg.Ranging.Enabled,
		}, cfg.SessionConfig())
		node := d.Swarm.Medium.Join(d.Self)
		d.Transport = node
		if cfg.Ranging.Enabled {
			d.Ranger = node
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
	return nil
}

// Start launches the coordinator and the background services without the
// HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.Recorder != nil {
		d.Recorder.Start(ctx)
	}
	if err := d.Node.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if d.Swarm != nil && d.Config.Transport.SimPeers > 0 {
		if _, err := d.Swarm.Spawn(ctx, d.Config.Transport.SimPeers, 1.0); err != nil {
			return fmt.Errorf("spawn simulated peers: %w", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Health.Run(ctx)
	}()
	if d.Recorder != nil {
		d.wg.Add(1)
		go d.pruneLoop(ctx)
	}
	return nil
}

// pruneLoop deletes history older than the retention window.
func (d *Daemon) pruneLoop(ctx context.Context) {
	defer d.wg.Done()
	retention := parseDuration(d.Config.Storage.Retention, 0)
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := d.DB.PruneHistory(time.Now().Add(-retention))
		if err != nil {
			log.Printf("[daemon] prune history: %v", err)
		} else if n > 0 {
			log.Printf("[daemon] pruned %d history entries", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve starts everything plus the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Close()
		return err
	}

	addr := net.JoinHostPort(d.Config.API.Host, fmt.Sprint(d.Config.API.Port))

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     d.Server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Close()
	}()

	fmt.Printf("boop %s serving on http://%s\n", d.Self.Short(), addr)
	fmt.Printf("  Transport: %s\n", d.Config.Transport.Kind)
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		d.Close()
		return err
	}
	<-stopped
	return nil
}

// Close shuts down all daemon resources. Safe to call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.Node != nil {
			d.Node.Stop()
		}
		for _, unsub := range d.unsubscribe {
			unsub()
		}
		if d.Swarm != nil {
			d.Swarm.Close()
		}
		if d.Transport != nil {
			if err := d.Transport.Close(); err != nil {
				log.Printf("[daemon] close transport: %v", err)
			}
		}
		if d.Recorder != nil {
			d.Recorder.Stop()
		}
		d.wg.Wait()
		if d.DB != nil {
			_ = d.DB.Close()
		}
		if d.logFile != nil {
			log.SetOutput(os.Stderr)
			_ = d.logFile.Close()
		}
	})
}
