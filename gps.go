package vbox

import (
	"context"
	"github.com/jd3nn1s/skytraq"
	"github.com/jd3nn1s/vbox/trip"
	log "github.com/sirupsen/logrus"
	"math"
	"time"
)

const (
	// skytraq reports HDOP scaled by 100
	hdopScale = 100.0
	// horizontal accuracy in meters per unit of HDOP
	uere = 5.0

	cmPerSecToKPH = 0.036
)

type gpsRetryable struct {
	c        GPS
	port     string
	maxHDOP  float64
	sendChan chan<- trip.Fix
	now      func() time.Time
}

var gpsConnect = func(p string) (GPS, error) {
	c, err := skytraq.Connect(p)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *gpsRetryable) Open() error {
	c, err := gpsConnect(g.port)
	g.c = c
	return err
}

func (g *gpsRetryable) Close() error {
	if g.c == nil {
		return nil
	}
	return g.c.Close()
}

func (g *gpsRetryable) Start(ctx context.Context) error {
	return g.c.Start(ctx, skytraq.Callbacks{
		SoftwareVersion: func(version skytraq.SoftwareVersion) {
			log.Infof("software version: %v", version)
		},
		NavData: g.navDataFn,
	})
}

func (g *gpsRetryable) Name() string {
	return "gps"
}

func (g *gpsRetryable) navDataFn(navData skytraq.NavData) {
	if navData.Fix == skytraq.FixNone {
		log.Warnf("no satellite fix")
		return
	}
	hdop := float64(navData.HDOP) / hdopScale
	if g.maxHDOP > 0 && hdop > g.maxHDOP {
		log.WithField("HDOP", hdop).Warn("poor resolution")
		return
	}
	// ECEF velocity is in cm/s
	speed := math.Sqrt(math.Pow(float64(navData.VX), 2)+
		math.Pow(float64(navData.VY), 2)) * cmPerSecToKPH

	now := time.Now
	if g.now != nil {
		now = g.now
	}
	sendFix(g.sendChan, trip.Fix{
		Latitude:           float64(navData.Latitude) / 1e7,
		Longitude:          float64(navData.Longitude) / 1e7,
		Altitude:           float64(navData.Altitude) / 100,
		Speed:              speed,
		HorizontalAccuracy: hdop * uere,
		Timestamp:          now(),
	})
}

// sendFix drops the fix when the consumer is behind.
func sendFix(ch chan<- trip.Fix, fix trip.Fix) {
	select {
	case ch <- fix:
	default:
		log.Debug("fix channel full, dropping fix")
	}
}
