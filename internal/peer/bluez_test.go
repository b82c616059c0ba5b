package peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeDevice answers Device1 calls from a script. Unimplemented BusObject methods panic.
type fakeDevice struct {
	dbus.BusObject

	mu     sync.Mutex
	path   dbus.ObjectPath
	calls  []string
	errs   map[string]error
	paired bool
	// pairOnPair flips Paired when Pair is called
	pairOnPair bool
}

func (d *fakeDevice) CallWithContext(_ context.Context, method string, _ dbus.Flags, _ ...interface{}) *dbus.Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, method)
	if method == device1+".Pair" && d.pairOnPair {
		d.paired = true
	}
	return &dbus.Call{Method: method, Path: d.path, Err: d.errs[method]}
}

func (d *fakeDevice) GetProperty(p string) (dbus.Variant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == device1+".Paired" {
		return dbus.MakeVariant(d.paired), nil
	}
	return dbus.Variant{}, dbus.Error{Name: "org.freedesktop.DBus.Error.InvalidArgs"}
}

func (d *fakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.calls...)
}

// fakeRoot answers GetManagedObjects with a Device1 entry for every known path.
type fakeRoot struct {
	dbus.BusObject

	mu    sync.Mutex
	known map[dbus.ObjectPath]bool
}

func (r *fakeRoot) CallWithContext(_ context.Context, method string, _ dbus.Flags, _ ...interface{}) *dbus.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	objs := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0": {adapter1: {}},
	}
	for path, ok := range r.known {
		if ok {
			objs[path] = map[string]map[string]dbus.Variant{device1: {}}
		}
	}
	return &dbus.Call{Method: method, Path: "/", Body: []interface{}{objs}}
}

func (r *fakeRoot) setKnown(path dbus.ObjectPath, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[path] = known
}

// fakeAdapter records Adapter1 calls; onStart runs after StartDiscovery returns.
type fakeAdapter struct {
	dbus.BusObject

	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	onStart func()
}

func (a *fakeAdapter) CallWithContext(_ context.Context, method string, _ dbus.Flags, _ ...interface{}) *dbus.Call {
	a.mu.Lock()
	a.calls = append(a.calls, method)
	err := a.errs[method]
	hook := a.onStart
	a.mu.Unlock()
	if method == adapter1+".StartDiscovery" && hook != nil {
		hook()
	}
	return &dbus.Call{Method: method, Path: "/org/bluez/hci0", Err: err}
}

func (a *fakeAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.calls...)
}

type BlueZPeerTestSuite struct {
	suite.Suite
	root    *fakeRoot
	adapter *fakeAdapter
	device  *fakeDevice
	peer    *BlueZPeer
	addr    ble.Addr
}

func (suite *BlueZPeerTestSuite) SetupTest() {
	suite.addr = ble.NewAddr("00:1A:7D:DA:71:13")
	suite.root = &fakeRoot{known: map[dbus.ObjectPath]bool{DevicePath("hci0", suite.addr): true}}
	suite.adapter = &fakeAdapter{errs: map[string]error{}}
	suite.device = &fakeDevice{errs: map[string]error{}}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	suite.peer = newBlueZPeer(func(path dbus.ObjectPath) dbus.BusObject {
		switch path {
		case "/":
			return suite.root
		case "/org/bluez/hci0":
			return suite.adapter
		}
		suite.device.path = path
		return suite.device
	}, BlueZOptions{Logger: logger})
}

func (suite *BlueZPeerTestSuite) interfacesAdded(path dbus.ObjectPath, iface string) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: objectManager + ".InterfacesAdded",
		Body: []interface{}{path, map[string]map[string]dbus.Variant{iface: {}}},
	}
}

func (suite *BlueZPeerTestSuite) drain() []string {
	lines, err := suite.peer.Events().Drain()
	suite.Require().NoError(err)
	return lines
}

func (suite *BlueZPeerTestSuite) TestOperationsRequireConnection() {
	ctx := context.Background()
	suite.ErrorIs(suite.peer.Authenticate(ctx), ErrNotConnected)
	suite.ErrorIs(suite.peer.Encrypt(ctx), ErrNotConnected)
	suite.ErrorIs(suite.peer.Disconnect(ctx), ErrNotConnected)
	_, err := suite.peer.CreateChannel(ctx, 0x1001)
	suite.ErrorIs(err, ErrNotConnected)
	suite.Empty(suite.device.Calls())
}

func (suite *BlueZPeerTestSuite) TestConnectPairDisconnect() {
	// GOAL: each operation maps to one Device1 method and leaves an event line
	//
	// TEST SCENARIO: connect → pair (already bonded) → disconnect → events in order
	suite.device.errs[device1+".Pair"] = dbus.Error{Name: errAlreadyExists}
	ctx := context.Background()

	suite.Require().NoError(suite.peer.Connect(ctx, suite.addr))
	suite.Equal(dbus.ObjectPath("/org/bluez/hci0/dev_00_1A_7D_DA_71_13"), suite.device.path)
	suite.Require().NoError(suite.peer.Authenticate(ctx))
	suite.Require().NoError(suite.peer.Disconnect(ctx))

	suite.Equal([]string{device1 + ".Connect", device1 + ".Pair", device1 + ".Disconnect"}, suite.device.Calls())
	suite.Empty(suite.adapter.Calls(), "known device needs no discovery")
	suite.Equal([]string{
		"peer: connected 00:1A:7D:DA:71:13",
		"peer: paired 00:1A:7D:DA:71:13",
		"peer: disconnected 00:1A:7D:DA:71:13",
	}, suite.drain())
	suite.ErrorIs(suite.peer.Disconnect(ctx), ErrNotConnected)
}

func (suite *BlueZPeerTestSuite) TestConnectFailure() {
	suite.device.errs[device1+".Connect"] = dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Page Timeout"}}

	err := suite.peer.Connect(context.Background(), suite.addr)

	suite.Require().Error(err)
	suite.Contains(err.Error(), "Page Timeout")
	var derr dbus.Error
	suite.True(errors.As(err, &derr))
	suite.ErrorIs(suite.peer.Authenticate(context.Background()), ErrNotConnected)
}

func (suite *BlueZPeerTestSuite) TestConnectDiscoversUnknownDevice() {
	// GOAL: a DUT BlueZ has never seen is discovered before Device1.Connect
	//
	// TEST SCENARIO: path missing from managed objects → StartDiscovery → InterfacesAdded → connect → StopDiscovery
	path := DevicePath("hci0", suite.addr)
	suite.root.setKnown(path, false)
	suite.adapter.onStart = func() {
		suite.peer.handleSignal(suite.interfacesAdded("/org/bluez/hci0/dev_11_22_33_44_55_66", device1))
		suite.peer.handleSignal(suite.interfacesAdded(path, "org.bluez.MediaControl1"))
		suite.peer.handleSignal(suite.interfacesAdded(path, device1))
	}

	suite.Require().NoError(suite.peer.Connect(context.Background(), suite.addr))

	suite.Equal([]string{adapter1 + ".StartDiscovery", adapter1 + ".StopDiscovery"}, suite.adapter.Calls())
	suite.Equal([]string{device1 + ".Connect"}, suite.device.Calls())
	suite.Equal([]string{
		"peer: discovered 00:1A:7D:DA:71:13",
		"peer: connected 00:1A:7D:DA:71:13",
	}, suite.drain())
}

func (suite *BlueZPeerTestSuite) TestConnectDiscoveryAlreadyRunning() {
	path := DevicePath("hci0", suite.addr)
	suite.root.setKnown(path, false)
	suite.adapter.errs[adapter1+".StartDiscovery"] = dbus.Error{Name: errInProgress}
	suite.adapter.onStart = func() { suite.root.setKnown(path, true) }

	suite.Require().NoError(suite.peer.Connect(context.Background(), suite.addr))

	suite.Equal([]string{device1 + ".Connect"}, suite.device.Calls())
	suite.Equal([]string{"peer: connected 00:1A:7D:DA:71:13"}, suite.drain())
}

func (suite *BlueZPeerTestSuite) TestConnectNotDiscovered() {
	// GOAL: discovery gives up after its timeout without calling Device1.Connect
	//
	// TEST SCENARIO: no InterfacesAdded → ErrNotDiscovered, discovery stopped, peer not connected
	suite.root.setKnown(DevicePath("hci0", suite.addr), false)
	suite.peer.discoveryTimeout = 20 * time.Millisecond

	err := suite.peer.Connect(context.Background(), suite.addr)

	suite.ErrorIs(err, ErrNotDiscovered)
	suite.Empty(suite.device.Calls())
	suite.Equal([]string{adapter1 + ".StartDiscovery", adapter1 + ".StopDiscovery"}, suite.adapter.Calls())
	suite.ErrorIs(suite.peer.Authenticate(context.Background()), ErrNotConnected)
}

func (suite *BlueZPeerTestSuite) TestConnectDiscoveryCancelled() {
	suite.root.setKnown(DevicePath("hci0", suite.addr), false)
	ctx, cancel := context.WithCancel(context.Background())
	suite.adapter.onStart = cancel

	err := suite.peer.Connect(ctx, suite.addr)

	suite.ErrorIs(err, context.Canceled)
	suite.Empty(suite.device.Calls())
	suite.Contains(suite.adapter.Calls(), adapter1+".StopDiscovery")
}

func (suite *BlueZPeerTestSuite) TestConnectDiscoveryStartFailure() {
	suite.root.setKnown(DevicePath("hci0", suite.addr), false)
	suite.adapter.errs[adapter1+".StartDiscovery"] = dbus.Error{Name: "org.bluez.Error.NotReady"}

	err := suite.peer.Connect(context.Background(), suite.addr)

	suite.Require().Error(err)
	suite.Contains(err.Error(), "StartDiscovery")
	suite.Equal([]string{adapter1 + ".StartDiscovery"}, suite.adapter.Calls())
	suite.Empty(suite.device.Calls())
}

func (suite *BlueZPeerTestSuite) TestPairFailureIsRecorded() {
	suite.device.errs[device1+".Pair"] = dbus.Error{Name: "org.bluez.Error.AuthenticationFailed"}
	ctx := context.Background()
	suite.Require().NoError(suite.peer.Connect(ctx, suite.addr))

	suite.Error(suite.peer.Authenticate(ctx))
	lines := suite.drain()
	suite.Require().Len(lines, 2)
	suite.Contains(lines[1], "peer: pairing failed")
}

func (suite *BlueZPeerTestSuite) TestEncryptPairsWhenNotBonded() {
	// GOAL: Encrypt pairs first when the link is not bonded yet
	//
	// TEST SCENARIO: Paired=false → Pair called → Paired=true → encrypted event
	suite.device.pairOnPair = true
	ctx := context.Background()
	suite.Require().NoError(suite.peer.Connect(ctx, suite.addr))

	suite.Require().NoError(suite.peer.Encrypt(ctx))

	suite.Contains(suite.device.Calls(), device1+".Pair")
	suite.Equal("peer: encrypted 00:1A:7D:DA:71:13", suite.drain()[2])
}

func (suite *BlueZPeerTestSuite) TestEncryptFailsWhenPairingDoesNotBond() {
	ctx := context.Background()
	suite.Require().NoError(suite.peer.Connect(ctx, suite.addr))

	err := suite.peer.Encrypt(ctx)

	suite.Require().Error(err)
	suite.Contains(err.Error(), "not bonded")
}

func (suite *BlueZPeerTestSuite) TestPropertySignals() {
	// GOAL: Device1 property changes of the connected device become events; others are ignored
	//
	// TEST SCENARIO: one signal for our device, one for another path, one for another interface
	suite.Require().NoError(suite.peer.Connect(context.Background(), suite.addr))
	suite.drain()

	path := DevicePath("hci0", suite.addr)
	suite.peer.handleSignal(&dbus.Signal{
		Path: path,
		Name: propertiesIface + ".PropertiesChanged",
		Body: []interface{}{device1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	})
	suite.peer.handleSignal(&dbus.Signal{
		Path: "/org/bluez/hci0/dev_11_22_33_44_55_66",
		Name: propertiesIface + ".PropertiesChanged",
		Body: []interface{}{device1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}, []string{}},
	})
	suite.peer.handleSignal(&dbus.Signal{
		Path: path,
		Name: propertiesIface + ".PropertiesChanged",
		Body: []interface{}{"org.bluez.MediaControl1", map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}, []string{}},
	})
	suite.peer.handleSignal(nil)

	suite.Equal([]string{"peer: Connected=false"}, suite.drain())
}

func (suite *BlueZPeerTestSuite) TestCloseClosesEvents() {
	suite.Require().NoError(suite.peer.Close())
	_, err := suite.peer.Events().Drain()
	suite.Error(err)
}

func TestBlueZPeerTestSuite(t *testing.T) {
	suite.Run(t, new(BlueZPeerTestSuite))
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_C0_FF_EE_00_00_01"), DevicePath("hci1", ble.NewAddr("c0:ff:ee:00:00:01")))
}

func TestAgentRecordsRequests(t *testing.T) {
	log := NewEventLog(8)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	a := &agent{events: log, logger: logger}

	require.Nil(t, a.RequestConfirmation("/dev", 123456))
	require.Nil(t, a.DisplayPasskey("/dev", 42, 0))
	pin, derr := a.RequestPinCode("/dev")
	require.Nil(t, derr)
	assert.Equal(t, "0000", pin)

	lines, err := log.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"peer: confirm passkey 123456", "peer: passkey 000042", "peer: pin code requested"}, lines)
}
