package vbox

import (
	"context"
	"github.com/jd3nn1s/vbox/nmea"
	"github.com/jd3nn1s/vbox/trip"
	log "github.com/sirupsen/logrus"
)

type nmeaRetryable struct {
	c        NMEA
	port     string
	baudRate int
	maxHDOP  float64
	sendChan chan<- trip.Fix
}

var nmeaConnect = func(p string, baud int) (NMEA, error) {
	c, err := nmea.Open(p, baud)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (n *nmeaRetryable) Open() error {
	c, err := nmeaConnect(n.port, n.baudRate)
	n.c = c
	return err
}

func (n *nmeaRetryable) Close() error {
	if n.c == nil {
		return nil
	}
	return n.c.Close()
}

func (n *nmeaRetryable) Start(ctx context.Context) error {
	return n.c.Start(ctx, nmea.Callbacks{
		Fix: n.fixFn,
	})
}

func (n *nmeaRetryable) Name() string {
	return "nmea"
}

func (n *nmeaRetryable) fixFn(fix nmea.Fix) {
	if n.maxHDOP > 0 && fix.HDOP > n.maxHDOP {
		log.WithField("HDOP", fix.HDOP).Warn("poor resolution")
		return
	}
	sendFix(n.sendChan, trip.Fix{
		Latitude:           fix.Latitude,
		Longitude:          fix.Longitude,
		Altitude:           fix.Altitude,
		Speed:              fix.Speed,
		HorizontalAccuracy: fix.HorizontalAccuracy(),
		Timestamp:          fix.Time,
	})
}
