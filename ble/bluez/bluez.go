// Package bluez implements ble.Radio on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"github.com/godbus/dbus/v5"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"strings"
	"sync"
	"time"
)

const (
	bluezBus          = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	charIface         = "org.bluez.GattCharacteristic1"
	advManagerIface   = "org.bluez.LEAdvertisingManager1"
	advIface          = "org.bluez.LEAdvertisement1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	objectManagerIntf = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = propertiesIface + ".PropertiesChanged"
	interfacesAdded   = objectManagerIntf + ".InterfacesAdded"

	advertisementPath = dbus.ObjectPath("/org/jd3nn1s/vbox/advertisement0")

	servicesResolvedPoll = 200 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Radio drives one local adapter.
type Radio struct {
	mu          sync.Mutex
	conn        *dbus.Conn
	adapter     string
	adapterPath dbus.ObjectPath

	power    ble.PowerState
	scanning bool
	cb       ble.Callbacks

	// by object path
	devices map[dbus.ObjectPath]ble.Peripheral
	// data characteristic per connected device address
	chars map[string]dbus.ObjectPath
	// notifying characteristics and the device they belong to
	notifying map[dbus.ObjectPath]string

	advertising bool

	// callbacks produced outside of signal handling, run by Start
	pending chan func()
}

func newRadio(conn *dbus.Conn, adapter string) *Radio {
	return &Radio{
		conn:        conn,
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		devices:     map[dbus.ObjectPath]ble.Peripheral{},
		chars:       map[string]dbus.ObjectPath{},
		notifying:   map[dbus.ObjectPath]string{},
		pending:     make(chan func(), 64),
	}
}

// Connect opens a private system bus connection and binds to adapter,
// hci0 when empty. It only fails when the system bus is unreachable.
func Connect(adapter string) (*Radio, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to system bus")
	}
	r := newRadio(conn, adapter)

	// a missing adapter is reported as unsupported rather than failing
	powered, err := getDBusProperty[bool](conn, r.adapterPath, adapterIface, "Powered")
	if err != nil {
		log.WithError(err).WithField("adapter", adapter).Warn("bluetooth adapter unavailable")
		r.power = ble.PowerUnsupported
	} else {
		r.power = powerState(powered)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchSender(bluezBus),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err == nil {
		err = conn.AddMatchSignal(
			dbus.WithMatchSender(bluezBus),
			dbus.WithMatchInterface(objectManagerIntf),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "unable to subscribe to bluez signals")
	}
	log.WithFields(log.Fields{
		"adapter": adapter,
		"powered": powered,
	}).Info("connected to bluez")
	return r, nil
}

func (r *Radio) PowerState() ble.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power
}

// Start delivers radio events to cb until ctx is done or the bus
// connection closes. The current power state is reported first.
func (r *Radio) Start(ctx context.Context, cb ble.Callbacks) error {
	r.mu.Lock()
	r.cb = cb
	power := r.power
	r.mu.Unlock()

	sigCh := make(chan *dbus.Signal, 64)
	r.conn.Signal(sigCh)
	defer r.conn.RemoveSignal(sigCh)

	if cb.PowerState != nil {
		cb.PowerState(power)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.pending:
			fn()
		case sig, ok := <-sigCh:
			if !ok {
				return errors.New("dbus connection closed")
			}
			r.handleSignal(sig)
		}
	}
}

func (r *Radio) Close() error {
	r.mu.Lock()
	advertising := r.advertising
	r.mu.Unlock()
	if advertising {
		if err := r.StopAdvertising(); err != nil {
			log.WithError(err).Warn("unable to stop advertising")
		}
	}
	return r.conn.Close()
}

func (r *Radio) StartScan(service string) error {
	adapter := r.conn.Object(bluezBus, r.adapterPath)
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{ble.ExpandUUID(service)}),
	}
	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return errors.Wrap(call.Err, "unable to set discovery filter")
	}
	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return errors.Wrap(call.Err, "unable to start discovery")
	}

	r.mu.Lock()
	r.scanning = true
	r.mu.Unlock()

	// devices bluez already knows about will not be announced again
	objects, err := r.managedObjects()
	if err != nil {
		log.WithError(err).Warn("unable to list known devices")
		return nil
	}
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !r.ownsPath(path) {
			continue
		}
		p := r.updateDevice(path, props)
		r.post(func() {
			r.discovered(p)
		})
	}
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	r.scanning = false
	r.mu.Unlock()
	call := r.conn.Object(bluezBus, r.adapterPath).Call(adapterIface+".StopDiscovery", 0)
	return errors.Wrap(call.Err, "unable to stop discovery")
}

// Connect connects to p, waits for service discovery and resolves the data
// characteristic.
func (r *Radio) Connect(ctx context.Context, p ble.Peripheral) error {
	path := r.devicePath(p.Address)
	device := r.conn.Object(bluezBus, path)
	if call := device.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		return errors.Wrapf(call.Err, "unable to connect to %s", p.Address)
	}
	if err := r.waitServicesResolved(ctx, path); err != nil {
		return err
	}

	char, err := r.findCharacteristic(path, ble.ExpandUUID(ble.OBDAdapter.CharacteristicUUID()))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.chars[p.Address] = char
	r.mu.Unlock()
	log.WithFields(log.Fields{
		"peripheral":     p.Address,
		"characteristic": char,
	}).Debug("resolved data characteristic")
	return nil
}

func (r *Radio) Disconnect(p ble.Peripheral) error {
	r.mu.Lock()
	if char, ok := r.chars[p.Address]; ok {
		delete(r.notifying, char)
		delete(r.chars, p.Address)
	}
	r.mu.Unlock()
	call := r.conn.Object(bluezBus, r.devicePath(p.Address)).Call(deviceIface+".Disconnect", 0)
	return errors.Wrapf(call.Err, "unable to disconnect %s", p.Address)
}

func (r *Radio) SetNotify(p ble.Peripheral, enabled bool) error {
	r.mu.Lock()
	char, ok := r.chars[p.Address]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("no data characteristic for %s", p.Address)
	}

	method := "StopNotify"
	if enabled {
		method = "StartNotify"
	}
	if call := r.conn.Object(bluezBus, char).Call(charIface+"."+method, 0); call.Err != nil {
		return errors.Wrapf(call.Err, "%s failed", method)
	}

	r.mu.Lock()
	if enabled {
		r.notifying[char] = p.Address
	} else {
		delete(r.notifying, char)
	}
	r.mu.Unlock()
	return nil
}

func (r *Radio) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case interfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || !r.ownsPath(path) {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[deviceIface]; ok {
			r.discovered(r.updateDevice(path, props))
		}
	case propertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch iface {
		case adapterIface:
			r.adapterChanged(sig.Path, changed)
		case deviceIface:
			r.deviceChanged(sig.Path, changed)
		case charIface:
			r.characteristicChanged(sig.Path, changed)
		}
	}
}

func (r *Radio) adapterChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if path != r.adapterPath {
		return
	}
	v, ok := changed["Powered"]
	if !ok {
		return
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return
	}
	r.mu.Lock()
	r.power = powerState(powered)
	if !powered {
		r.scanning = false
		r.advertising = false
		r.chars = map[string]dbus.ObjectPath{}
		r.notifying = map[dbus.ObjectPath]string{}
	}
	fn := r.cb.PowerState
	r.mu.Unlock()
	if fn != nil {
		fn(powerState(powered))
	}
}

func (r *Radio) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if !r.ownsPath(path) {
		return
	}
	p := r.updateDevice(path, changed)

	if v, ok := changed["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok && !connected {
			r.mu.Lock()
			if char, ok := r.chars[p.Address]; ok {
				delete(r.notifying, char)
				delete(r.chars, p.Address)
			}
			fn := r.cb.Disconnected
			r.mu.Unlock()
			if fn != nil {
				fn(p, nil)
			}
			return
		}
	}
	_, rssi := changed["RSSI"]
	_, uuids := changed["UUIDs"]
	_, name := changed["Name"]
	if rssi || uuids || name {
		r.discovered(p)
	}
}

func (r *Radio) characteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	data, ok := v.Value().([]byte)
	if !ok {
		return
	}
	r.mu.Lock()
	_, notifying := r.notifying[path]
	fn := r.cb.Notification
	r.mu.Unlock()
	if notifying && fn != nil {
		fn(data)
	}
}

func (r *Radio) discovered(p ble.Peripheral) {
	r.mu.Lock()
	scanning := r.scanning
	fn := r.cb.Discovered
	r.mu.Unlock()
	if scanning && fn != nil {
		fn(p)
	}
}

// updateDevice merges props into the cached peripheral at path.
func (r *Radio) updateDevice(path dbus.ObjectPath, props map[string]dbus.Variant) ble.Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := mergePeripheral(r.devices[path], props)
	if p.Address == "" {
		p.Address = addressFromPath(path)
	}
	r.devices[path] = p
	return p
}

func (r *Radio) post(fn func()) {
	select {
	case r.pending <- fn:
	default:
		log.Warn("bluez event queue full, dropping event")
	}
}

func (r *Radio) ownsPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(r.adapterPath)+"/")
}

func (r *Radio) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", r.adapterPath, strings.ReplaceAll(address, ":", "_")))
}

func (r *Radio) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := r.conn.Object(bluezBus, "/").Call(objectManagerIntf+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, errors.Wrap(call.Err, "GetManagedObjects failed")
	}
	if err := call.Store(&objects); err != nil {
		return nil, errors.Wrap(err, "unable to parse managed objects")
	}
	return objects, nil
}

func (r *Radio) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		resolved, err := getDBusProperty[bool](r.conn, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for services")
		case <-ticker.C:
		}
	}
}

func (r *Radio) findCharacteristic(device dbus.ObjectPath, uuid string) (dbus.ObjectPath, error) {
	objects, err := r.managedObjects()
	if err != nil {
		return "", err
	}
	path, ok := characteristicPath(objects, device, uuid)
	if !ok {
		return "", errors.Errorf("characteristic %s not found on %s", uuid, device)
	}
	return path, nil
}

func characteristicPath(objects managedObjects, device dbus.ObjectPath, uuid string) (dbus.ObjectPath, bool) {
	prefix := string(device) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
				return path, true
			}
		}
	}
	return "", false
}

func mergePeripheral(p ble.Peripheral, props map[string]dbus.Variant) ble.Peripheral {
	for k, v := range props {
		switch k {
		case "Address":
			if s, ok := v.Value().(string); ok {
				p.Address = s
			}
		case "Name":
			if s, ok := v.Value().(string); ok {
				p.Name = s
			}
		case "RSSI":
			if n, ok := v.Value().(int16); ok {
				p.RSSI = int(n)
			}
		case "UUIDs":
			if s, ok := v.Value().([]string); ok {
				p.Services = s
			}
		}
	}
	return p
}

// addressFromPath turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	s = s[i+len("/dev_"):]
	if j := strings.Index(s, "/"); j >= 0 {
		s = s[:j]
	}
	return strings.ReplaceAll(s, "_", ":")
}

func powerState(powered bool) ble.PowerState {
	if powered {
		return ble.PowerOn
	}
	return ble.PowerOff
}

func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, errors.Errorf("property %s.%s has unexpected type %T", iface, property, v.Value())
	}
	return val, nil
}
