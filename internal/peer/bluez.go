package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/groutine"
)

const (
	bluezService     = "org.bluez"
	device1          = "org.bluez.Device1"
	adapter1         = "org.bluez.Adapter1"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
	agentManager1    = "org.bluez.AgentManager1"
	propertiesIface  = "org.freedesktop.DBus.Properties"
	errAlreadyExists = "org.bluez.Error.AlreadyExists"
	errNotConnected  = "org.bluez.Error.NotConnected"
	errInProgress    = "org.bluez.Error.InProgress"
	agentPath        = dbus.ObjectPath("/org/srg/brhil/agent")
)

// BlueZOptions configures a BlueZ-backed peer.
type BlueZOptions struct {
	// Adapter is the local controller, e.g. "hci0".
	Adapter string
	// EventCapacity bounds the event log.
	EventCapacity int
	// DiscoveryTimeout bounds the inquiry for a DUT BlueZ has no object for. Default 30s.
	DiscoveryTimeout time.Duration
	Logger           *logrus.Logger
}

// BlueZPeer drives a local BR/EDR controller through the BlueZ D-Bus API.
type BlueZPeer struct {
	conn    *dbus.Conn
	object  func(path dbus.ObjectPath) dbus.BusObject
	adapter string
	logger  *logrus.Logger
	events  *EventLog
	signals chan *dbus.Signal

	discoveryTimeout time.Duration

	mu     sync.Mutex
	addr   ble.Addr
	device dbus.BusObject
	path   dbus.ObjectPath
	// closed when InterfacesAdded announces the device path
	waiters map[dbus.ObjectPath]chan struct{}
}

// NewBlueZ connects to the system bus and registers a NoInputNoOutput pairing agent.
func NewBlueZ(ctx context.Context, opts BlueZOptions) (*BlueZPeer, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	p := newBlueZPeer(func(path dbus.ObjectPath) dbus.BusObject {
		return conn.Object(bluezService, path)
	}, opts)
	p.conn = conn

	if err := p.registerAgent(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.signals = make(chan *dbus.Signal, 64)
	conn.Signal(p.signals)
	groutine.GoSafe(context.Background(), "bluez-signals", p.logger, nil, func(context.Context) {
		for sig := range p.signals {
			p.handleSignal(sig)
		}
	})
	return p, nil
}

func newBlueZPeer(object func(dbus.ObjectPath) dbus.BusObject, opts BlueZOptions) *BlueZPeer {
	adapter := opts.Adapter
	if adapter == "" {
		adapter = "hci0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	discovery := opts.DiscoveryTimeout
	if discovery <= 0 {
		discovery = 30 * time.Second
	}
	return &BlueZPeer{
		object:           object,
		adapter:          adapter,
		logger:           logger,
		events:           NewEventLog(opts.EventCapacity),
		discoveryTimeout: discovery,
		waiters:          make(map[dbus.ObjectPath]chan struct{}),
	}
}

func (p *BlueZPeer) registerAgent(ctx context.Context) error {
	a := &agent{events: p.events, logger: p.logger}
	if err := p.conn.Export(a, agentPath, "org.bluez.Agent1"); err != nil {
		return fmt.Errorf("failed to export pairing agent: %w", err)
	}
	mgr := p.object("/org/bluez")
	if call := mgr.CallWithContext(ctx, agentManager1+".RegisterAgent", 0, agentPath, "NoInputNoOutput"); call.Err != nil {
		return bluezError("RegisterAgent", call.Err)
	}
	if call := mgr.CallWithContext(ctx, agentManager1+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		return bluezError("RequestDefaultAgent", call.Err)
	}
	return nil
}

// DevicePath returns the BlueZ object path of addr on adapter.
func DevicePath(adapter string, addr ble.Addr) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(addr.String()), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, mac))
}

func (p *BlueZPeer) Events() console.Source { return p.events }

// EventLog exposes the underlying log for direct recording and metrics.
func (p *BlueZPeer) EventLog() *EventLog { return p.events }

func (p *BlueZPeer) current() (dbus.BusObject, ble.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return nil, nil, ErrNotConnected
	}
	return p.device, p.addr, nil
}

// Connect opens an ACL link to addr. When BlueZ has no device object for addr
// yet, the adapter runs discovery until the DUT shows up.
func (p *BlueZPeer) Connect(ctx context.Context, addr ble.Addr) error {
	path := DevicePath(p.adapter, addr)
	if err := p.discover(ctx, path, addr); err != nil {
		return err
	}
	dev := p.object(path)

	if p.conn != nil {
		if err := p.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
		); err != nil {
			p.logger.WithError(err).Warn("Failed to subscribe to device signals")
		}
	}

	log := p.logger.WithField("peer", addr.String())
	log.Info("Connecting to DUT")
	if call := dev.CallWithContext(ctx, device1+".Connect", 0); call.Err != nil {
		return bluezError("Connect", call.Err)
	}

	p.mu.Lock()
	p.addr, p.device, p.path = addr, dev, path
	p.mu.Unlock()

	p.events.Record("peer: connected %s", strings.ToUpper(addr.String()))
	log.Info("Connected to DUT")
	return nil
}

// Authenticate pairs with the connected DUT. An existing bond counts as success.
func (p *BlueZPeer) Authenticate(ctx context.Context) error {
	dev, addr, err := p.current()
	if err != nil {
		return err
	}
	call := dev.CallWithContext(ctx, device1+".Pair", 0)
	if call.Err != nil && !isDBusError(call.Err, errAlreadyExists) {
		p.events.Record("peer: pairing failed %s", call.Err)
		return bluezError("Pair", call.Err)
	}
	p.events.Record("peer: paired %s", strings.ToUpper(addr.String()))
	return nil
}

// Encrypt makes sure the link is bonded; BlueZ enables encryption on bonded BR/EDR links.
func (p *BlueZPeer) Encrypt(ctx context.Context) error {
	dev, addr, err := p.current()
	if err != nil {
		return err
	}
	paired, err := boolProperty(dev, "Paired")
	if err != nil {
		return err
	}
	if !paired {
		if err := p.Authenticate(ctx); err != nil {
			return err
		}
		if paired, err = boolProperty(dev, "Paired"); err != nil {
			return err
		}
		if !paired {
			return fmt.Errorf("bluez: %s is not bonded after pairing", addr)
		}
	}
	p.events.Record("peer: encrypted %s", strings.ToUpper(addr.String()))
	return nil
}

// CreateChannel opens an L2CAP connection-oriented channel to psm on the connected DUT.
func (p *BlueZPeer) CreateChannel(ctx context.Context, psm uint16) (io.ReadWriteCloser, error) {
	_, addr, err := p.current()
	if err != nil {
		return nil, err
	}
	ch, err := dialL2CAP(ctx, addr, psm)
	if err != nil {
		p.events.Record("peer: channel %#x failed %s", psm, err)
		return nil, err
	}
	p.events.Record("peer: channel %#x connected", psm)
	return ch, nil
}

// Disconnect drops the ACL link.
func (p *BlueZPeer) Disconnect(ctx context.Context) error {
	dev, addr, err := p.current()
	if err != nil {
		return err
	}
	if call := dev.CallWithContext(ctx, device1+".Disconnect", 0); call.Err != nil && !isDBusError(call.Err, errNotConnected) {
		return bluezError("Disconnect", call.Err)
	}
	p.mu.Lock()
	p.device, p.addr = nil, nil
	p.mu.Unlock()
	p.events.Record("peer: disconnected %s", strings.ToUpper(addr.String()))
	return nil
}

// knownDevice reports whether BlueZ already exposes a Device1 object at path.
func (p *BlueZPeer) knownDevice(ctx context.Context, path dbus.ObjectPath) (bool, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := p.object("/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&objs); err != nil {
		return false, bluezError("GetManagedObjects", err)
	}
	_, ok := objs[path][device1]
	return ok, nil
}

// discover makes sure BlueZ has a device object at path, running discovery on
// the adapter until InterfacesAdded announces it or the discovery timeout passes.
func (p *BlueZPeer) discover(ctx context.Context, path dbus.ObjectPath, addr ble.Addr) error {
	if known, err := p.knownDevice(ctx, path); err != nil || known {
		return err
	}

	appeared := p.watch(path)
	defer p.unwatch(path)

	if p.conn != nil {
		if err := p.conn.AddMatchSignal(
			dbus.WithMatchInterface(objectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		); err != nil {
			p.logger.WithError(err).Warn("Failed to subscribe to new devices")
		}
	}

	log := p.logger.WithFields(logrus.Fields{"peer": addr.String(), "adapter": p.adapter})
	log.Info("DUT unknown to BlueZ, starting discovery")
	adapter := p.object(dbus.ObjectPath("/org/bluez/" + p.adapter))
	if call := adapter.CallWithContext(ctx, adapter1+".StartDiscovery", 0); call.Err != nil && !isDBusError(call.Err, errInProgress) {
		return bluezError("StartDiscovery", call.Err)
	}
	defer func() {
		if call := adapter.CallWithContext(context.Background(), adapter1+".StopDiscovery", 0); call.Err != nil {
			log.WithError(call.Err).Debug("StopDiscovery failed")
		}
	}()

	// the device may have shown up before the watch was in place
	if known, err := p.knownDevice(ctx, path); err != nil || known {
		return err
	}

	timer := time.NewTimer(p.discoveryTimeout)
	defer timer.Stop()
	select {
	case <-appeared:
		p.events.Record("peer: discovered %s", strings.ToUpper(addr.String()))
		log.Info("DUT discovered")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrNotDiscovered, strings.ToUpper(addr.String()), p.discoveryTimeout)
	}
}

func (p *BlueZPeer) watch(path dbus.ObjectPath) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.waiters[path] = ch
	return ch
}

func (p *BlueZPeer) unwatch(path dbus.ObjectPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, path)
}

// handleSignal wakes discovery waiters on InterfacesAdded and records Device1
// property changes of the connected device.
func (p *BlueZPeer) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	if sig.Name == objectManager+".InterfacesAdded" {
		p.handleAdded(sig)
		return
	}
	if sig.Name != propertiesIface+".PropertiesChanged" {
		return
	}
	p.mu.Lock()
	path := p.path
	p.mu.Unlock()
	if sig.Path != path {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != device1 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	for _, name := range []string{"Connected", "Paired", "Bonded", "Trusted"} {
		if v, ok := changed[name]; ok {
			p.events.Record("peer: %s=%v", name, v.Value())
		}
	}
}

func (p *BlueZPeer) handleAdded(sig *dbus.Signal) {
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if _, ok := ifaces[device1]; !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[path]; ok {
		close(ch)
		delete(p.waiters, path)
	}
}

// Close releases the bus connection and closes the event log.
func (p *BlueZPeer) Close() error {
	var err error
	if p.conn != nil {
		// closing the connection also closes the signal channel
		err = p.conn.Close()
	}
	p.events.Close()
	return err
}

func boolProperty(dev dbus.BusObject, name string) (bool, error) {
	v, err := dev.GetProperty(device1 + "." + name)
	if err != nil {
		return false, bluezError("Get "+name, err)
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s is %T, not bool", name, v.Value())
	}
	return b, nil
}

func isDBusError(err error, name string) bool {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name == name
	}
	var pderr *dbus.Error
	return errors.As(err, &pderr) && pderr.Name == name
}

func bluezError(op string, err error) error {
	return fmt.Errorf("bluez %s: %w", op, err)
}
