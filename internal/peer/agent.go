package peer

import (
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// agent is an org.bluez.Agent1 that accepts every request and records it.
type agent struct {
	events *EventLog
	logger *logrus.Logger
}

func (a *agent) Release() *dbus.Error { return nil }

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.events.Record("peer: pin code requested")
	return "0000", nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.events.Record("peer: pin code %s", pincode)
	return nil
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.events.Record("peer: passkey requested")
	return 0, nil
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.events.Record("peer: passkey %06d", passkey)
	return nil
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.logger.WithField("passkey", passkey).Debug("Confirming passkey")
	a.events.Record("peer: confirm passkey %06d", passkey)
	return nil
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.events.Record("peer: authorization requested")
	return nil
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	a.events.Record("peer: authorize service %s", uuid)
	return nil
}

func (a *agent) Cancel() *dbus.Error {
	a.events.Record("peer: pairing cancelled")
	return nil
}
