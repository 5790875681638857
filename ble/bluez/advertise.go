package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// advertisement is the LEAdvertisement1 object registered with bluez.
type advertisement struct{}

// Release is called by bluez when it drops the advertisement.
func (advertisement) Release() *dbus.Error {
	log.Debug("advertisement released by bluez")
	return nil
}

func advertisementProps(service, name string) prop.Map {
	return prop.Map{
		advIface: {
			"Type":         {Value: "peripheral", Emit: prop.EmitConst},
			"ServiceUUIDs": {Value: []string{ble.ExpandUUID(service)}, Emit: prop.EmitConst},
			"LocalName":    {Value: name, Emit: prop.EmitConst},
			"Includes":     {Value: []string{"tx-power"}, Emit: prop.EmitConst},
		},
	}
}

func (r *Radio) Advertise(service, name string) error {
	r.mu.Lock()
	advertising := r.advertising
	r.mu.Unlock()
	if advertising {
		if err := r.StopAdvertising(); err != nil {
			return err
		}
	}

	if err := r.conn.Export(advertisement{}, advertisementPath, advIface); err != nil {
		return errors.Wrap(err, "unable to export advertisement")
	}
	if _, err := prop.Export(r.conn, advertisementPath, advertisementProps(service, name)); err != nil {
		return errors.Wrap(err, "unable to export advertisement properties")
	}

	manager := r.conn.Object(bluezBus, r.adapterPath)
	call := manager.Call(advManagerIface+".RegisterAdvertisement", 0, advertisementPath, map[string]dbus.Variant{})
	if call.Err != nil {
		r.unexport()
		return errors.Wrap(call.Err, "unable to register advertisement")
	}

	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	log.WithFields(log.Fields{
		"service": service,
		"name":    name,
	}).Info("advertising")
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()

	manager := r.conn.Object(bluezBus, r.adapterPath)
	call := manager.Call(advManagerIface+".UnregisterAdvertisement", 0, advertisementPath)
	r.unexport()
	return errors.Wrap(call.Err, "unable to unregister advertisement")
}

func (r *Radio) unexport() {
	r.conn.Export(nil, advertisementPath, advIface)
	r.conn.Export(nil, advertisementPath, propertiesIface)
}
