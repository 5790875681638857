package vbox

import (
	"context"
	"github.com/jd3nn1s/kw1281"
	"github.com/jd3nn1s/skytraq"
	"github.com/jd3nn1s/vbox/lemoncan"
	"github.com/jd3nn1s/vbox/nmea"
	"github.com/jd3nn1s/vbox/obd"
)

type KW1281 interface {
	Close() error
	Start(context.Context, kw1281.Callbacks) error
}

type GPS interface {
	Close() error
	Start(context.Context, skytraq.Callbacks) error
}

type NMEA interface {
	Close() error
	Start(context.Context, nmea.Callbacks) error
}

type CANBus interface {
	Close() error
	Start(context.Context, lemoncan.Callbacks) error
}

// Updater receives diagnostic readings from the wired sources.
type Updater interface {
	UpdateBatch(readings []obd.Reading)
}
