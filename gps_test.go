package vbox

import (
	"context"
	"github.com/jd3nn1s/skytraq"
	"github.com/jd3nn1s/vbox/trip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"sync"
	"testing"
	"time"
)

func TestRunGPS(t *testing.T) {
	fixChan := make(chan trip.Fix, 1)

	origGPSConnect := gpsConnect
	defer func() {
		gpsConnect = origGPSConnect
	}()

	stub := createGPSStub()
	gpsConnect = func(p string) (GPS, error) {
		return stub, nil
	}

	gpsRetryable := &gpsRetryable{
		sendChan: fixChan,
	}

	// close before opening
	assert.NoError(t, gpsRetryable.Close())
	assert.NoError(t, gpsRetryable.Open())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		_ = gpsRetryable.Start(ctx)
		wg.Done()
	}()
	<-stub.startChan

	stub.fnChan <- func() {
		stub.callbacks.SoftwareVersion(skytraq.SoftwareVersion{
			Kernel:   skytraq.Version{1, 2, 3},
			ODM:      skytraq.Version{4, 5, 6},
			Revision: skytraq.Version{7, 8, 9},
		})
	}

	stub.fnChan <- func() {
		stub.callbacks.NavData(skytraq.NavData{
			Fix:            skytraq.Fix3D,
			SatelliteCount: 1,
			Latitude:       2,
			Longitude:      3,
			Altitude:       4,
		})
	}

	// read some data
	<-fixChan

	cancel()
	wg.Wait()
}

func TestNavDataFn(t *testing.T) {
	fixChan := make(chan trip.Fix, 1)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gpsRetryable := gpsRetryable{
		sendChan: fixChan,
		maxHDOP:  5,
		now: func() time.Time {
			return ts
		},
	}

	navData := skytraq.NavData{
		Fix:            skytraq.FixNone,
		SatelliteCount: 1,
		Latitude:       2,
		Longitude:      3,
		Altitude:       4,
		VX:             5,
		VY:             7,
		VZ:             8,
		HDOP:           9,
	}

	gpsRetryable.navDataFn(navData)
	assertNoFix(t, fixChan, "unexpected fix on channel as there is no satellite fix")

	navData.Fix = skytraq.Fix3D
	gpsRetryable.navDataFn(navData)
	fix := <-fixChan
	assert.InDelta(t, 2e-7, fix.Latitude, 1e-12)
	assert.InDelta(t, 3e-7, fix.Longitude, 1e-12)
	assert.InDelta(t, 0.04, fix.Altitude, 1e-9)
	assert.InDelta(t, math.Sqrt(74)*0.036, fix.Speed, 1e-9)
	assert.InDelta(t, 0.45, fix.HorizontalAccuracy, 1e-9)
	assert.Equal(t, ts, fix.Timestamp)

	// 6.00
	navData.HDOP = 600
	gpsRetryable.navDataFn(navData)
	assertNoFix(t, fixChan, "unexpected fix on channel as there is high HDOP")

	navData.HDOP = 0
	navData.VY = 0
	navData.VX = 0
	gpsRetryable.navDataFn(navData)
	fix = <-fixChan
	assert.Equal(t, float64(0), fix.Speed)
}

func TestSendFixDropsWhenFull(t *testing.T) {
	fixChan := make(chan trip.Fix, 1)
	sendFix(fixChan, trip.Fix{Latitude: 1})
	sendFix(fixChan, trip.Fix{Latitude: 2})

	require.Len(t, fixChan, 1)
	assert.Equal(t, float64(1), (<-fixChan).Latitude)
}

func assertNoFix(t *testing.T, fixChan <-chan trip.Fix, msg string) {
	select {
	case <-fixChan:
		assert.Fail(t, msg)
	default:
	}
}
