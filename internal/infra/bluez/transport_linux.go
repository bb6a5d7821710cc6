//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/boop-network/boop/internal/domain"
)

var pathCounter uint64

const writeQueueSize = 128

type writeJob struct {
	peer  domain.PeerID
	char  dbus.ObjectPath
	value []byte
}

// Transport implements domain.Transport on a BlueZ adapter.
type Transport struct {
	self domain.PeerID
	cfg  Config

	mu         sync.Mutex
	bus        *dbus.Conn
	sink       domain.InputSink
	adapter    dbus.ObjectPath
	peers      map[dbus.ObjectPath]domain.PeerID
	chars      map[dbus.ObjectPath]map[string]dbus.ObjectPath
	connecting map[dbus.ObjectPath]bool
	started    bool
	closed     bool
	cleanup    []func()

	signals chan *dbus.Signal
	writes  chan writeJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a BlueZ transport. The system bus is not touched until Start.
func New(self domain.PeerID, cfg Config) (*Transport, error) {
	def := DefaultConfig()
	if cfg.Adapter == "" {
		cfg.Adapter = def.Adapter
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return &Transport{
		self:       self,
		cfg:        cfg,
		adapter:    dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		peers:      make(map[dbus.ObjectPath]domain.PeerID),
		chars:      make(map[dbus.ObjectPath]map[string]dbus.ObjectPath),
		connecting: make(map[dbus.ObjectPath]bool),
		writes:     make(chan writeJob, writeQueueSize),
	}, nil
}

// gattApp serves ObjectManager for the exported GATT application.
type gattApp struct{ objs managedObjects }

func (a *gattApp) GetManagedObjects() (managedObjects, *dbus.Error) { return a.objs, nil }

// gattChar receives writes from remote centrals.
type gattChar struct {
	t    *Transport
	kind domain.InputKind
}

func (c *gattChar) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	c.t.inbound(c.kind, devicePath(options), value)
	return nil
}

func (c *gattChar) ReadValue(_ map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return nil, nil
}

type advertisement struct{}

func (advertisement) Release() *dbus.Error { return nil }

// Start connects to the system bus, registers the GATT application and
// advertisement, and begins LE discovery.
func (t *Transport) Start(ctx context.Context, sink domain.InputSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("bluez: closed")
	}
	if t.started {
		return errors.New("bluez: already started")
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = bus
	t.sink = sink
	t.cleanup = append(t.cleanup, func() { bus.Close() })

	if err := t.setupLocked(); err != nil {
		t.runCleanupLocked()
		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true
	t.wg.Add(2)
	go t.signalLoop()
	go t.writeLoop()

	objs, err := t.managedObjects()
	if err != nil {
		log.Printf("[bluez] initial snapshot: %v", err)
	}
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok {
			t.observeLocked(path, props)
		}
	}
	log.Printf("[bluez] started on %s as %s", t.cfg.Adapter, t.self.Short())
	return nil
}

func (t *Transport) setupLocked() error {
	bus := t.bus
	adapter := bus.Object(bluezService, t.adapter)
	if err := adapter.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("bluez: power on %s: %w", t.cfg.Adapter, err)
	}

	// GATT application
	id := atomic.AddUint64(&pathCounter, 1)
	app := dbus.ObjectPath(objectPathPrefix + "/app" + strconv.FormatUint(id, 10))
	service := app + "/service0"
	msgChar := service + "/char0"
	tokenChar := service + "/char1"
	if err := bus.Export(&gattApp{objs: gattObjects(service, msgChar, tokenChar)}, app, objManagerIface); err != nil {
		return fmt.Errorf("bluez: export application: %w", err)
	}
	if err := bus.Export(&gattChar{t: t, kind: domain.InputData}, msgChar, gattCharIface); err != nil {
		return fmt.Errorf("bluez: export message characteristic: %w", err)
	}
	if err := bus.Export(&gattChar{t: t, kind: domain.InputToken}, tokenChar, gattCharIface); err != nil {
		return fmt.Errorf("bluez: export token characteristic: %w", err)
	}
	if call := adapter.Call(gattManagerIface+".RegisterApplication", 0, app, map[string]dbus.Variant{}); call.Err != nil {
		return fmt.Errorf("bluez: RegisterApplication: %w", call.Err)
	}
	t.cleanup = append(t.cleanup, func() {
		_ = adapter.Call(gattManagerIface+".UnregisterApplication", 0, app).Err
		_ = bus.Export(nil, msgChar, gattCharIface)
		_ = bus.Export(nil, tokenChar, gattCharIface)
		_ = bus.Export(nil, app, objManagerIface)
	})

	// Advertisement
	adv := dbus.ObjectPath(objectPathPrefix + "/adv" + strconv.FormatUint(id, 10))
	if err := bus.Export(advertisement{}, adv, advertIface); err != nil {
		return fmt.Errorf("bluez: export advertisement: %w", err)
	}
	props := make(map[string]*prop.Prop)
	for k, v := range advertProperties(t.self) {
		props[k] = &prop.Prop{Value: v.Value(), Emit: prop.EmitFalse}
	}
	if _, err := prop.Export(bus, adv, prop.Map{advertIface: props}); err != nil {
		return fmt.Errorf("bluez: export advertisement properties: %w", err)
	}
	if call := adapter.Call(advertManagerIface+".RegisterAdvertisement", 0, adv, map[string]dbus.Variant{}); call.Err != nil {
		return fmt.Errorf("bluez: RegisterAdvertisement: %w", call.Err)
	}
	t.cleanup = append(t.cleanup, func() {
		_ = adapter.Call(advertManagerIface+".UnregisterAdvertisement", 0, adv).Err
		_ = bus.Export(nil, adv, advertIface)
	})

	// Discovery
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
		"UUIDs":         dbus.MakeVariant([]string{AdvertUUID}),
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		log.Printf("[bluez] SetDiscoveryFilter: %v", err)
	}
	t.signals = make(chan *dbus.Signal, 64)
	bus.Signal(t.signals)
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchOption("path_namespace", string(t.adapter))},
	}
	for _, m := range matches {
		if err := bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
	}
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("bluez: StartDiscovery: %w", err)
	}
	t.cleanup = append(t.cleanup, func() {
		_ = adapter.Call(adapterIface+".StopDiscovery", 0).Err
		for _, m := range matches {
			_ = bus.RemoveMatchSignal(m...)
		}
		bus.RemoveSignal(t.signals)
	})
	return nil
}

// Running reports whether the adapter is registered and scanning.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

// ─── domain.Transport ───────────────────────────────────────────────────────

func (t *Transport) Connect(id domain.PeerID, handle domain.TransportHandle) {
	t.mu.Lock()
	path := t.pathForLocked(id, handle)
	if path == "" || !t.started {
		t.mu.Unlock()
		t.async(domain.Input{Kind: domain.InputConnectFailed, Peer: id, Err: domain.ErrPeerNotFound})
		return
	}
	t.connecting[path] = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := t.connect(path)
		t.mu.Lock()
		delete(t.connecting, path)
		t.mu.Unlock()
		if err != nil {
			t.deliver(domain.Input{Kind: domain.InputConnectFailed, Peer: id, Err: err})
			return
		}
		t.deliver(domain.Input{Kind: domain.InputConnected, Peer: id, Handle: path})
	}()
}

func (t *Transport) connect(path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
	defer cancel()
	dev := t.bus.Object(bluezService, path)
	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("bluez: connect %s: %w", macFromPath(path), err)
	}
	if err := t.resolve(ctx, path); err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return err
	}
	return nil
}

// resolve waits for GATT discovery and caches the remote characteristics.
func (t *Transport) resolve(ctx context.Context, path dbus.ObjectPath) error {
	dev := t.bus.Object(bluezService, path)
	for {
		v, err := dev.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if ok, _ := v.Value().(bool); ok {
				break
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: resolving services on %s: %w", macFromPath(path), ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	objs, err := t.managedObjects()
	if err != nil {
		return err
	}
	chars := remoteChars(objs, path)
	if _, ok := chars[MessageCharUUID]; !ok {
		return fmt.Errorf("bluez: %s has no boop service", macFromPath(path))
	}
	t.mu.Lock()
	t.chars[path] = chars
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(id domain.PeerID, handle domain.TransportHandle, frame []byte) {
	t.write(id, handle, MessageCharUUID, frame)
}

func (t *Transport) ExchangeToken(id domain.PeerID, handle domain.TransportHandle, token []byte) {
	t.write(id, handle, TokenCharUUID, token)
}

func (t *Transport) write(id domain.PeerID, handle domain.TransportHandle, uuid string, value []byte) {
	t.mu.Lock()
	path := t.pathForLocked(id, handle)
	char, ok := t.chars[path][uuid]
	t.mu.Unlock()
	if !ok {
		t.async(domain.Input{Kind: domain.InputSendFailed, Peer: id, Err: domain.ErrNotConnected})
		return
	}
	select {
	case t.writes <- writeJob{peer: id, char: char, value: append([]byte(nil), value...)}:
	default:
		t.async(domain.Input{Kind: domain.InputSendFailed, Peer: id, Err: errors.New("bluez: write queue full")})
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	for {
		select {
		case <-t.ctx.Done():
			return
		case j := <-t.writes:
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
			err := t.bus.Object(bluezService, j.char).CallWithContext(ctx, gattCharIface+".WriteValue", 0, j.value, opts).Err
			cancel()
			if err != nil {
				t.deliver(domain.Input{Kind: domain.InputSendFailed, Peer: j.peer, Err: fmt.Errorf("bluez: write: %w", err)})
			}
		}
	}
}

func (t *Transport) Disconnect(id domain.PeerID, handle domain.TransportHandle) {
	t.mu.Lock()
	path := t.pathForLocked(id, handle)
	delete(t.chars, path)
	running := t.started && !t.closed
	if running {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if !running {
		return
	}
	go func() {
		defer t.wg.Done()
		if path != "" {
			if err := t.bus.Object(bluezService, path).Call(deviceIface+".Disconnect", 0).Err; err != nil {
				log.Printf("[bluez] disconnect %s: %v", macFromPath(path), err)
			}
		}
		t.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: id})
	}()
}

// Close unregisters everything from BlueZ and closes the bus connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()

	t.mu.Lock()
	t.runCleanupLocked()
	t.mu.Unlock()
	return nil
}

func (t *Transport) runCleanupLocked() {
	cleanup := t.cleanup
	t.cleanup = nil
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
}

// ─── Signals ────────────────────────────────────────────────────────────────

func (t *Transport) signalLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok {
			t.mu.Lock()
			t.observeLocked(path, props)
			t.mu.Unlock()
		}
	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface || changed == nil {
			return
		}
		t.deviceChanged(sig.Path, changed)
	}
}

func (t *Transport) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	t.mu.Lock()
	if _, ok := changed["ServiceData"]; ok {
		t.observeLocked(path, changed)
	} else if v, ok := changed["RSSI"]; ok {
		if id, known := t.peers[path]; known {
			rssi, _ := v.Value().(int16)
			t.emitLocked(domain.Input{Kind: domain.InputSighting, Peer: id, Handle: path, RSSI: int(rssi), At: time.Now()})
		}
	}
	id, known := t.peers[path]
	outbound := t.connecting[path]
	t.mu.Unlock()
	if !known {
		return
	}

	if v, ok := changed["Connected"]; ok {
		if up, _ := v.Value().(bool); !up {
			t.mu.Lock()
			delete(t.chars, path)
			t.mu.Unlock()
			t.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: id})
			return
		}
	}
	// A central connected to us: resolve its characteristics so we can
	// write back, then report the link.
	if v, ok := changed["ServicesResolved"]; ok && !outbound {
		if up, _ := v.Value().(bool); up {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
				defer cancel()
				if err := t.resolve(ctx, path); err != nil {
					log.Printf("[bluez] inbound link %s: %v", id.Short(), err)
					return
				}
				t.deliver(domain.Input{Kind: domain.InputConnected, Peer: id, Handle: path})
			}()
		}
	}
}

// observeLocked records a device that carries boop service data and reports
// the sighting.
func (t *Transport) observeLocked(path dbus.ObjectPath, props map[string]dbus.Variant) {
	id, rssi, ok := sighting(props)
	if !ok || id == t.self {
		return
	}
	if rssi == 0 {
		// Property updates may carry service data without RSSI.
		if v, found := props["RSSI"]; found {
			r, _ := v.Value().(int16)
			rssi = int(r)
		}
	}
	t.peers[path] = id
	t.emitLocked(domain.Input{Kind: domain.InputSighting, Peer: id, Handle: path, RSSI: rssi, At: time.Now()})
}

// ─── Inbound writes ─────────────────────────────────────────────────────────

func (t *Transport) inbound(kind domain.InputKind, path dbus.ObjectPath, value []byte) {
	t.mu.Lock()
	id := t.peers[path]
	t.mu.Unlock()
	if kind == domain.InputToken && id.IsZero() {
		log.Printf("[bluez] token from unknown device %s", macFromPath(path))
		return
	}
	in := domain.Input{Kind: kind, Peer: id, Data: append([]byte(nil), value...)}
	if path != "" {
		in.Handle = path
	}
	t.deliver(in)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (t *Transport) managedObjects() (managedObjects, error) {
	var objs managedObjects
	call := t.bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (t *Transport) pathForLocked(id domain.PeerID, handle domain.TransportHandle) dbus.ObjectPath {
	if p, ok := handle.(dbus.ObjectPath); ok && p != "" {
		return p
	}
	for path, peer := range t.peers {
		if peer == id {
			return path
		}
	}
	return ""
}

func (t *Transport) deliver(in domain.Input) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(in)
	}
}

// emitLocked delivers from a goroutine; the sink may block and t.mu is held.
func (t *Transport) emitLocked(in domain.Input) {
	sink := t.sink
	if sink == nil || t.closed {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sink(in)
	}()
}

func (t *Transport) async(in domain.Input) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(in)
}
