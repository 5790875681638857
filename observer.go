package vbox

import (
	"github.com/jd3nn1s/vbox/ble"
	"github.com/jd3nn1s/vbox/config"
	"github.com/jd3nn1s/vbox/obd"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

// wait before scanning once the manager is idle
var rescanDelay = time.Second

// sessionObserver logs manager signals and keeps the central role busy: it
// scans whenever the manager is idle and advertises once per power cycle.
type sessionObserver struct {
	manager *ble.Manager
	kind    ble.PeripheralKind

	advertise     bool
	advertiseName string

	mu         sync.Mutex
	advertised bool
	rescan     *time.Timer
}

func newSessionObserver(m *ble.Manager, cfg *config.Config) *sessionObserver {
	return &sessionObserver{
		manager:       m,
		kind:          cfg.Peripheral(),
		advertise:     cfg.BLE.Advertise,
		advertiseName: cfg.BLE.AdvertiseName,
	}
}

func (o *sessionObserver) ScanBegan() {
	log.WithField("kind", o.kind).Info("scanning")
}

func (o *sessionObserver) ScanStopped() {
	log.Info("scan stopped")
}

func (o *sessionObserver) Connected(p ble.Peripheral) {
	log.WithFields(log.Fields{
		"name":    p.Name,
		"address": p.Address,
		"rssi":    p.RSSI,
	}).Info("connected")
}

func (o *sessionObserver) Disconnected() {
	log.Info("disconnected")
}

func (o *sessionObserver) DebugLog(msg string) {
	log.WithField("component", "ble").Debug(msg)
}

func (o *sessionObserver) StateChanged(s ble.State) {
	log.WithField("state", s).Info("bluetooth state")

	o.mu.Lock()
	defer o.mu.Unlock()
	if !s.PoweredOn() {
		o.advertised = false
		o.stopRescanLocked()
		return
	}
	if o.advertise && !o.advertised {
		o.advertised = o.manager.AdvertisePeripheral(o.advertiseName)
	}
	if s == ble.StateIdle || s == ble.StateDisconnected {
		o.stopRescanLocked()
		o.rescan = time.AfterFunc(rescanDelay, func() {
			o.manager.ScanForPeripheral(o.kind)
		})
	}
}

func (o *sessionObserver) stopRescanLocked() {
	if o.rescan != nil {
		o.rescan.Stop()
		o.rescan = nil
	}
}

func (o *sessionObserver) DiagnosticUpdated(kind obd.Kind, value float64) {
	log.WithField(string(kind), value).Trace("diagnostic")
}

func (o *sessionObserver) DiagnosticsUpdated(readings []obd.Reading) {
	log.WithField("count", len(readings)).Trace("diagnostics")
}

// close stops a pending rescan.
func (o *sessionObserver) close() {
	o.mu.Lock()
	o.stopRescanLocked()
	o.mu.Unlock()
}
