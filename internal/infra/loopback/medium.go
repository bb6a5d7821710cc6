// Package loopback is an in-memory radio. Nodes joined to one Medium see
// each other's advertisements, can connect and exchange frames, and range
// against each other from simulated positions.
//
// Every callback into a node's sink goes through that node's inbox and is
// delivered on its pump goroutine, never from inside a Transport method.
package loopback

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

// Options configures a Medium.
type Options struct {
	AdvertiseInterval time.Duration // how often each node advertises
	RangingInterval   time.Duration // how often ranging samples are produced
	Ranging           bool          // whether nodes report ranging as available
	InboxSize         int
}

// DefaultOptions returns a Medium tuned for interactive simulation.
func DefaultOptions() Options {
	return Options{
		AdvertiseInterval: 500 * time.Millisecond,
		RangingInterval:   200 * time.Millisecond,
		Ranging:           true,
		InboxSize:         1024,
	}
}

type link struct{ a, b domain.PeerID }

func linkOf(a, b domain.PeerID) link {
	if a.String() > b.String() {
		a, b = b, a
	}
	return link{a, b}
}

// Medium is the shared in-memory space.
type Medium struct {
	opts Options

	mu        sync.Mutex
	nodes     map[domain.PeerID]*Node
	links     map[link]bool
	positions map[domain.PeerID]domain.Vector3
}

// NewMedium creates an empty medium.
func NewMedium(opts Options) *Medium {
	def := DefaultOptions()
	if opts.AdvertiseInterval <= 0 {
		opts.AdvertiseInterval = def.AdvertiseInterval
	}
	if opts.RangingInterval <= 0 {
		opts.RangingInterval = def.RangingInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	return &Medium{
		opts:      opts,
		nodes:     make(map[domain.PeerID]*Node),
		links:     make(map[link]bool),
		positions: make(map[domain.PeerID]domain.Vector3),
	}
}

// Join adds a node for id. Joining an existing id returns the same node.
func (m *Medium) Join(id domain.PeerID) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		return n
	}
	n := &Node{
		id:      id,
		medium:  m,
		inbox:   make(chan domain.Input, m.opts.InboxSize),
		ranging: make(map[domain.PeerID]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.nodes[id] = n
	return n
}

// SetPosition places id in space, in meters. Every node faces +X.
func (m *Medium) SetPosition(id domain.PeerID, pos domain.Vector3) {
	m.mu.Lock()
	m.positions[id] = pos
	m.mu.Unlock()
}

// Position returns where id currently is.
func (m *Medium) Position(id domain.PeerID) domain.Vector3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id]
}

// Connected reports whether a and b share a link.
func (m *Medium) Connected(a, b domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[linkOf(a, b)]
}

// Nodes returns the IDs of all joined nodes.
func (m *Medium) Nodes() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PeerID, 0, len(m.nodes))
	for id := range m.nodes {
		out = append(out, id)
	}
	return out
}

func (m *Medium) node(id domain.PeerID) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || !n.Running() {
		return nil, false
	}
	return n, true
}

// relative returns distance and unit direction from one node to another.
func (m *Medium) relative(from, to domain.PeerID) (float64, domain.Vector3) {
	m.mu.Lock()
	a, b := m.positions[from], m.positions[to]
	m.mu.Unlock()

	d := domain.Vector3{X: b.X - a.X, Y: b.Y - a.Y, Z: b.Z - a.Z}
	dist := math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
	if dist == 0 {
		return 0, domain.Vector3{X: 1}
	}
	return dist, domain.Vector3{X: d.X / dist, Y: d.Y / dist, Z: d.Z / dist}
}

// rssiAt is a log-distance path loss estimate.
func rssiAt(dist float64) int {
	return int(-40 - 20*math.Log10(1+dist))
}

// ─── Node ───────────────────────────────────────────────────────────────────

// Node is one device on the medium. It implements domain.Transport and
// domain.Ranging.
type Node struct {
	id     domain.PeerID
	medium *Medium
	inbox  chan domain.Input

	mu      sync.Mutex
	sink    domain.InputSink
	started bool
	closed  bool
	ranging map[domain.PeerID]bool
	backlog []domain.Input

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ domain.Transport = (*Node)(nil)
	_ domain.Ranging   = (*Node)(nil)
)

// ID returns the node's peer ID.
func (n *Node) ID() domain.PeerID { return n.id }

// Running reports whether the node is started and not closed.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.closed
}

// Start begins advertising and delivering inputs to sink.
func (n *Node) Start(ctx context.Context, sink domain.InputSink) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrStopped
	}
	if n.started {
		n.mu.Unlock()
		return errors.New("loopback: node already started")
	}
	n.sink = sink
	n.started = true
	n.mu.Unlock()

	n.wg.Add(2)
	go n.pump(ctx)
	go n.beacon(ctx)
	return nil
}

func (n *Node) pump(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case in := <-n.inbox:
			n.sink(in)
		case <-n.wake:
		}
		if len(n.inbox) == 0 {
			n.drainBacklog()
		}
	}
}

func (n *Node) beacon(ctx context.Context) {
	defer n.wg.Done()
	adv := time.NewTicker(n.medium.opts.AdvertiseInterval)
	defer adv.Stop()
	rng := time.NewTicker(n.medium.opts.RangingInterval)
	defer rng.Stop()

	n.AdvertiseNow()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-adv.C:
			n.AdvertiseNow()
		case <-rng.C:
			n.MeasureNow()
		}
	}
}

// AdvertiseNow delivers one sighting of this node to every other running node.
func (n *Node) AdvertiseNow() {
	now := time.Now()
	for _, id := range n.medium.Nodes() {
		if id == n.id {
			continue
		}
		other, ok := n.medium.node(id)
		if !ok {
			continue
		}
		dist, _ := n.medium.relative(id, n.id)
		other.deliver(domain.Input{
			Kind:   domain.InputSighting,
			Peer:   n.id,
			Handle: n.id.String(),
			RSSI:   rssiAt(dist),
			At:     now,
		})
	}
}

// MeasureNow produces one ranging sample per active ranging peer.
func (n *Node) MeasureNow() {
	n.mu.Lock()
	peers := make([]domain.PeerID, 0, len(n.ranging))
	for id := range n.ranging {
		peers = append(peers, id)
	}
	n.mu.Unlock()

	for _, id := range peers {
		dist, dir := n.medium.relative(n.id, id)
		d := dir
		n.deliver(domain.Input{
			Kind:   domain.InputRangingSample,
			Peer:   id,
			Sample: domain.RangingSample{Peer: id, Distance: dist, Direction: &d},
		})
	}
}

// deliver queues in for the pump. When the inbox is full, sightings and
// samples are dropped and every other kind goes to the backlog, which the
// pump drains in order once the inbox is empty. It never blocks, so the
// pump can deliver to its own node.
func (n *Node) deliver(in domain.Input) {
	select {
	case <-n.done:
		return
	default:
	}
	droppable := in.Kind == domain.InputSighting || in.Kind == domain.InputRangingSample

	n.mu.Lock()
	if droppable || len(n.backlog) == 0 {
		select {
		case n.inbox <- in:
			n.mu.Unlock()
			return
		default:
		}
	}
	if droppable {
		n.mu.Unlock()
		log.Printf("[loopback] %s inbox full, dropping %s", n.id.Short(), in.Kind)
		return
	}
	n.backlog = append(n.backlog, in)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) drainBacklog() {
	n.mu.Lock()
	pending := n.backlog
	n.backlog = nil
	n.mu.Unlock()
	for _, in := range pending {
		n.sink(in)
	}
}

// Connect links this node with id.
func (n *Node) Connect(id domain.PeerID, _ domain.TransportHandle) {
	other, ok := n.medium.node(id)
	if !ok || id == n.id {
		n.deliver(domain.Input{Kind: domain.InputConnectFailed, Peer: id, Err: domain.ErrPeerNotFound})
		return
	}
	n.medium.mu.Lock()
	l := linkOf(n.id, id)
	already := n.medium.links[l]
	n.medium.links[l] = true
	n.medium.mu.Unlock()

	n.deliver(domain.Input{Kind: domain.InputConnected, Peer: id, Handle: id.String()})
	if !already {
		other.deliver(domain.Input{Kind: domain.InputConnected, Peer: n.id, Handle: n.id.String()})
	}
}

// Send delivers frame to id over an existing link.
func (n *Node) Send(id domain.PeerID, _ domain.TransportHandle, frame []byte) {
	n.transfer(id, domain.InputData, frame)
}

// ExchangeToken delivers the discovery token to id over an existing link.
func (n *Node) ExchangeToken(id domain.PeerID, _ domain.TransportHandle, token []byte) {
	n.transfer(id, domain.InputToken, token)
}

func (n *Node) transfer(id domain.PeerID, kind domain.InputKind, data []byte) {
	other, ok := n.medium.node(id)
	if !ok || !n.medium.Connected(n.id, id) {
		n.deliver(domain.Input{Kind: domain.InputSendFailed, Peer: id, Err: domain.ErrNotConnected})
		return
	}
	other.deliver(domain.Input{
		Kind:   kind,
		Peer:   n.id,
		Handle: n.id.String(),
		Data:   append([]byte(nil), data...),
	})
}

// Disconnect drops the link with id. Both sides are told.
func (n *Node) Disconnect(id domain.PeerID, _ domain.TransportHandle) {
	n.medium.mu.Lock()
	l := linkOf(n.id, id)
	had := n.medium.links[l]
	delete(n.medium.links, l)
	n.medium.mu.Unlock()
	if !had {
		return
	}
	n.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: id})
	if other, ok := n.medium.node(id); ok {
		other.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: n.id})
	}
}

// Close leaves the medium, dropping every link. Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()

		var peers []domain.PeerID
		n.medium.mu.Lock()
		for l := range n.medium.links {
			switch n.id {
			case l.a:
				peers = append(peers, l.b)
			case l.b:
				peers = append(peers, l.a)
			default:
				continue
			}
			delete(n.medium.links, l)
		}
		delete(n.medium.nodes, n.id)
		n.medium.mu.Unlock()

		for _, id := range peers {
			if other, ok := n.medium.node(id); ok {
				other.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: n.id})
			}
		}
		close(n.done)
		n.wg.Wait()
	})
	return nil
}

// ─── Ranging ────────────────────────────────────────────────────────────────

// Available reports whether the medium simulates ranging.
func (n *Node) Available() bool { return n.medium.opts.Ranging }

// CurrentToken returns this node's discovery token: its ID bytes.
func (n *Node) CurrentToken() []byte {
	if !n.medium.opts.Ranging {
		return nil
	}
	b := n.id
	return b[:]
}

// StartRanging begins producing samples against id.
func (n *Node) StartRanging(id domain.PeerID, remoteToken []byte) error {
	if !n.medium.opts.Ranging {
		return domain.ErrRangingUnavailable
	}
	want := id
	if len(remoteToken) != domain.PeerIDSize || string(remoteToken) != string(want[:]) {
		return errors.New("loopback: token does not match peer")
	}
	n.mu.Lock()
	n.ranging[id] = true
	n.mu.Unlock()
	return nil
}

// StopRanging stops producing samples against id.
func (n *Node) StopRanging(id domain.PeerID) {
	n.mu.Lock()
	delete(n.ranging, id)
	n.mu.Unlock()
}

// RangingWith reports whether samples are being produced against id.
func (n *Node) RangingWith(id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ranging[id]
}
