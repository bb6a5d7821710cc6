// Package lanlink carries boop traffic between desktop nodes over QUIC.
//
// It stands in for the radio on machines without Bluetooth: periodic beacons
// to known addresses become sightings, and one long-lived stream per peer
// address carries connect, data, token and disconnect frames in order.
// The transport handle for a peer is its advertised "host:port".
package lanlink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/boop-network/boop/internal/domain"
)

// Config controls the LAN link.
type Config struct {
	// ListenAddr is the UDP address the QUIC listener binds.
	ListenAddr string
	// AdvertiseAddr is the address peers dial back. Defaults to the bound
	// listener address, which only works when ListenAddr names a real host.
	AdvertiseAddr string
	// Seeds are addresses beaconed from startup. Addresses learned from
	// inbound beacons are added as they arrive.
	Seeds          []string
	BeaconInterval time.Duration
	DialTimeout    time.Duration
	// Insecure skips pinning the link certificate.
	Insecure bool
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:7420",
		BeaconInterval: time.Second,
		DialTimeout:    3 * time.Second,
	}
}

// NominalRSSI is reported for every LAN sighting; there is no signal
// strength on a wired link.
const NominalRSSI = -40

const (
	queueSize       = 64
	forgetAfter     = 3
	shutdownTimeout = 500 * time.Millisecond
)

var (
	errAlreadyStarted = errors.New("lanlink: already started")
	errQueueFull      = errors.New("lanlink: outbound queue full")
	errClosed         = errors.New("lanlink: closed")
)

type job struct {
	f        frame
	attempts int
	done     func(error)
}

// worker owns the single outbound stream to one address.
type worker struct {
	addr   string
	jobs   chan job
	conn   *quic.Conn
	stream *quic.Stream
}

// Transport implements domain.Transport over QUIC.
type Transport struct {
	self      domain.PeerID
	cfg       Config
	serverTLS *tls.Config
	quicConf  *quic.Config
	pool      *clientPool

	mu        sync.Mutex
	sink      domain.InputSink
	listener  *quic.Listener
	advertise string
	seeds     map[string]struct{}
	known     map[string]int // address → consecutive beacon failures
	addrs     map[domain.PeerID]string
	links     map[domain.PeerID]string
	workers   map[string]*worker
	inbound   map[*quic.Conn]struct{}
	started   bool
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a LAN transport for the local peer. Nothing is bound until Start.
func New(self domain.PeerID, cfg Config) (*Transport, error) {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = def.BeaconInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("lanlink server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig(cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("lanlink client tls: %w", err)
	}
	quicConf := &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  clientConnIdle,
	}
	t := &Transport{
		self:      self,
		cfg:       cfg,
		serverTLS: serverTLS,
		quicConf:  quicConf,
		pool:      newClientPool(clientConnIdle, clientTLS, quicConf),
		seeds:     make(map[string]struct{}),
		known:     make(map[string]int),
		addrs:     make(map[domain.PeerID]string),
		links:     make(map[domain.PeerID]string),
		workers:   make(map[string]*worker),
		inbound:   make(map[*quic.Conn]struct{}),
	}
	for _, s := range cfg.Seeds {
		if s != "" {
			t.seeds[s] = struct{}{}
			t.known[s] = 0
		}
	}
	return t, nil
}

// Start binds the listener and begins beaconing.
func (t *Transport) Start(ctx context.Context, sink domain.InputSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	if t.started {
		return errAlreadyStarted
	}
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, t.serverTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("lanlink listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln
	t.sink = sink
	t.advertise = t.cfg.AdvertiseAddr
	if t.advertise == "" {
		t.advertise = ln.Addr().String()
	}
	delete(t.known, t.advertise)
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true

	t.wg.Add(2)
	go t.acceptLoop()
	go t.beaconLoop()
	log.Printf("[lanlink] listening on %s (advertise %s, %d seeds)", ln.Addr(), t.advertise, len(t.seeds))
	return nil
}

// Addr returns the advertised address, empty before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertise
}

// Running reports whether the listener is up.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

// Known returns the addresses currently being beaconed, sorted.
func (t *Transport) Known() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.known))
	for a := range t.known {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ─── domain.Transport ───────────────────────────────────────────────────────

func (t *Transport) Connect(id domain.PeerID, handle domain.TransportHandle) {
	t.mu.Lock()
	addr := t.resolveLocked(id, handle)
	t.mu.Unlock()
	if addr == "" {
		t.async(domain.Input{Kind: domain.InputConnectFailed, Peer: id, Err: domain.ErrPeerNotFound})
		return
	}
	t.enqueue(addr, job{
		f:        t.frame(kindConnect, nil),
		attempts: clientMaxRetries,
		done: func(err error) {
			if err != nil {
				t.deliver(domain.Input{Kind: domain.InputConnectFailed, Peer: id, Err: err})
				return
			}
			t.mu.Lock()
			t.links[id] = addr
			t.mu.Unlock()
			t.deliver(domain.Input{Kind: domain.InputConnected, Peer: id, Handle: addr})
		},
	})
}

func (t *Transport) Send(id domain.PeerID, handle domain.TransportHandle, data []byte) {
	t.sendLinked(id, kindData, data)
}

func (t *Transport) ExchangeToken(id domain.PeerID, handle domain.TransportHandle, token []byte) {
	t.sendLinked(id, kindToken, token)
}

func (t *Transport) Disconnect(id domain.PeerID, handle domain.TransportHandle) {
	t.mu.Lock()
	addr, ok := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if ok {
		t.enqueue(addr, job{f: t.frame(kindDisconnect, nil), attempts: 1})
	}
	t.async(domain.Input{Kind: domain.InputDisconnected, Peer: id})
}

// Close tells linked peers goodbye, then shuts everything down.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		started := t.started
		links := make(map[domain.PeerID]string, len(t.links))
		for id, addr := range t.links {
			links[id] = addr
		}
		t.links = make(map[domain.PeerID]string)
		t.mu.Unlock()
		if !started {
			return
		}

		var goodbyes sync.WaitGroup
		for _, addr := range links {
			goodbyes.Add(1)
			t.enqueue(addr, job{f: t.frame(kindDisconnect, nil), attempts: 1, done: func(error) { goodbyes.Done() }})
		}
		waitTimeout(&goodbyes, shutdownTimeout)

		t.cancel()
		t.mu.Lock()
		ln := t.listener
		conns := make([]*quic.Conn, 0, len(t.inbound))
		for c := range t.inbound {
			conns = append(conns, c)
		}
		t.mu.Unlock()
		_ = ln.Close()
		for _, c := range conns {
			_ = c.CloseWithError(0, "shutdown")
		}
		t.pool.closeAll()
		t.wg.Wait()
		log.Printf("[lanlink] closed")
	})
	return nil
}

// ─── Outbound ───────────────────────────────────────────────────────────────

func (t *Transport) frame(kind frameKind, body []byte) frame {
	t.mu.Lock()
	addr := t.advertise
	t.mu.Unlock()
	return frame{kind: kind, sender: t.self, addr: addr, body: body}
}

func (t *Transport) sendLinked(id domain.PeerID, kind frameKind, body []byte) {
	t.mu.Lock()
	addr, ok := t.links[id]
	t.mu.Unlock()
	if !ok {
		t.async(domain.Input{Kind: domain.InputSendFailed, Peer: id, Err: domain.ErrNotConnected})
		return
	}
	t.enqueue(addr, job{
		f:        t.frame(kind, append([]byte(nil), body...)),
		attempts: clientMaxRetries,
		done: func(err error) {
			if err != nil {
				t.deliver(domain.Input{Kind: domain.InputSendFailed, Peer: id, Err: err})
			}
		},
	})
}

// resolveLocked finds a dialable address: the handle if it is one, else the
// last address the peer beaconed from.
func (t *Transport) resolveLocked(id domain.PeerID, handle domain.TransportHandle) string {
	if s, ok := handle.(string); ok && s != "" {
		return s
	}
	if addr, ok := t.links[id]; ok {
		return addr
	}
	return t.addrs[id]
}

// enqueue hands a job to the address's worker. Failures to queue are
// reported asynchronously through the job's done callback.
func (t *Transport) enqueue(addr string, j job) {
	t.mu.Lock()
	if !t.started || t.ctx.Err() != nil {
		t.mu.Unlock()
		t.fail(j, domain.ErrTransportDown)
		return
	}
	w, ok := t.workers[addr]
	if !ok {
		w = &worker{addr: addr, jobs: make(chan job, queueSize)}
		t.workers[addr] = w
		t.wg.Add(1)
		go t.runWorker(w)
	}
	t.mu.Unlock()

	select {
	case w.jobs <- j:
	default:
		t.fail(j, errQueueFull)
	}
}

func (t *Transport) fail(j job, err error) {
	if j.done == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		j.done(err)
	}()
}

func (t *Transport) runWorker(w *worker) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			w.reset(t.pool, "shutdown")
			return
		case j := <-w.jobs:
			err := t.write(w, j)
			if j.done != nil {
				j.done(err)
			}
		}
	}
}

func (t *Transport) write(w *worker, j job) error {
	attempts := j.attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-t.ctx.Done():
				return t.ctx.Err()
			}
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
		err := t.writeOnce(ctx, w, j.f)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, errBadFrame) {
			return err
		}
		w.reset(t.pool, "write failed")
	}
	return fmt.Errorf("lanlink %s to %s: %w", j.f.kind, w.addr, lastErr)
}

func (t *Transport) writeOnce(ctx context.Context, w *worker, f frame) error {
	conn, err := t.pool.get(ctx, w.addr)
	if err != nil {
		return err
	}
	if w.stream == nil || w.conn != conn {
		s, err := conn.OpenStreamSync(ctx)
		if err != nil {
			t.pool.drop(w.addr, conn, "open stream")
			return err
		}
		w.conn, w.stream = conn, s
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.stream.SetWriteDeadline(dl)
	}
	return writeFrame(w.stream, f)
}

func (w *worker) reset(pool *clientPool, reason string) {
	if w.stream != nil {
		_ = w.stream.Close()
	}
	if w.conn != nil {
		pool.drop(w.addr, w.conn, reason)
	}
	w.conn, w.stream = nil, nil
}

// ─── Beacons ────────────────────────────────────────────────────────────────

func (t *Transport) beaconLoop() {
	defer t.wg.Done()
	t.beacon()
	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.beacon()
		}
	}
}

// BeaconNow sends one round of beacons immediately.
func (t *Transport) BeaconNow() { t.beacon() }

func (t *Transport) beacon() {
	for _, addr := range t.Known() {
		addr := addr
		t.enqueue(addr, job{
			f:        t.frame(kindBeacon, nil),
			attempts: 1,
			done:     func(err error) { t.beaconResult(addr, err) },
		})
	}
}

// beaconResult forgets learned addresses that stop answering. Seeds stay.
func (t *Transport) beaconResult(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.known[addr]; !ok {
		return
	}
	if err == nil {
		t.known[addr] = 0
		return
	}
	t.known[addr]++
	if _, seed := t.seeds[addr]; !seed && t.known[addr] >= forgetAfter {
		delete(t.known, addr)
		log.Printf("[lanlink] forgetting %s after %d failed beacons", addr, forgetAfter)
	}
}

// ─── Inbound ────────────────────────────────────────────────────────────────

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				log.Printf("[lanlink] accept: %v", err)
			}
			return
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn *quic.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()
	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.readStream(stream)
	}
}

func (t *Transport) readStream(s *quic.Stream) {
	defer t.wg.Done()
	for {
		f, err := readFrame(s)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				log.Printf("[lanlink] dropping stream: %v", err)
				s.CancelRead(0)
			} else if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				log.Printf("[lanlink] read: %v", err)
			}
			return
		}
		t.handleFrame(f)
	}
}

func (t *Transport) handleFrame(f frame) {
	if f.sender == t.self || f.sender.IsZero() {
		return
	}
	t.mu.Lock()
	if f.addr != "" && f.addr != t.advertise {
		t.addrs[f.sender] = f.addr
		if _, ok := t.known[f.addr]; !ok {
			t.known[f.addr] = 0
		}
	}
	var in domain.Input
	switch f.kind {
	case kindBeacon:
		in = domain.Input{Kind: domain.InputSighting, Peer: f.sender, Handle: f.addr, RSSI: NominalRSSI, At: time.Now()}
	case kindConnect:
		t.links[f.sender] = f.addr
		in = domain.Input{Kind: domain.InputConnected, Peer: f.sender, Handle: f.addr}
	case kindData:
		in = domain.Input{Kind: domain.InputData, Peer: f.sender, Handle: f.addr, Data: f.body}
	case kindToken:
		in = domain.Input{Kind: domain.InputToken, Peer: f.sender, Handle: f.addr, Data: f.body}
	case kindDisconnect:
		if _, ok := t.links[f.sender]; !ok {
			t.mu.Unlock()
			return
		}
		delete(t.links, f.sender)
		in = domain.Input{Kind: domain.InputDisconnected, Peer: f.sender}
	}
	t.mu.Unlock()
	t.deliver(in)
}

// ─── Sink ───────────────────────────────────────────────────────────────────

func (t *Transport) deliver(in domain.Input) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(in)
	}
}

// async delivers from a fresh goroutine so request methods never call the
// sink on the caller's stack.
func (t *Transport) async(in domain.Input) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		t.deliver(in)
	}()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
