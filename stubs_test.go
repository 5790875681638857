package vbox

import (
	"context"
	"github.com/jd3nn1s/kw1281"
	"github.com/jd3nn1s/skytraq"
	"github.com/jd3nn1s/vbox/lemoncan"
	"github.com/jd3nn1s/vbox/nmea"
	"github.com/jd3nn1s/vbox/obd"
)

type sensorStub struct {
	startChan chan struct{}
	errChan   chan error
	fnChan    chan func()
}

type kw1281Stub struct {
	sensorStub
	callbacks kw1281.Callbacks
}

type skytraqStub struct {
	sensorStub
	callbacks skytraq.Callbacks
}

type nmeaStub struct {
	sensorStub
	callbacks nmea.Callbacks
}

type canBusStub struct {
	sensorStub
	callbacks lemoncan.Callbacks
}

func createSensorStub() *sensorStub {
	ret := sensorStub{
		startChan: make(chan struct{}),
		errChan:   make(chan error),
		fnChan:    make(chan func()),
	}
	return &ret
}

func (s *sensorStub) Close() error {
	return nil
}

func (s *sensorStub) start(ctx context.Context) error {
	select {
	case s.startChan <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.errChan:
			return err
		case fn := <-s.fnChan:
			fn()
		}
	}
}

func createECUStub() *kw1281Stub {
	return &kw1281Stub{
		sensorStub: *createSensorStub(),
	}
}

func (k *kw1281Stub) Start(ctx context.Context, callbacks kw1281.Callbacks) error {
	k.callbacks = callbacks
	return k.sensorStub.start(ctx)
}

func createGPSStub() *skytraqStub {
	return &skytraqStub{
		sensorStub: *createSensorStub(),
	}
}

func (k *skytraqStub) Start(ctx context.Context, callbacks skytraq.Callbacks) error {
	k.callbacks = callbacks
	return k.sensorStub.start(ctx)
}

func createNMEAStub() *nmeaStub {
	return &nmeaStub{
		sensorStub: *createSensorStub(),
	}
}

func (n *nmeaStub) Start(ctx context.Context, callbacks nmea.Callbacks) error {
	n.callbacks = callbacks
	return n.sensorStub.start(ctx)
}

func createCANBusStub() *canBusStub {
	return &canBusStub{
		sensorStub: *createSensorStub(),
	}
}

func (c *canBusStub) Start(ctx context.Context, callbacks lemoncan.Callbacks) error {
	c.callbacks = callbacks
	return c.sensorStub.start(ctx)
}

// updaterStub passes every batch on to batchChan.
type updaterStub struct {
	batchChan chan []obd.Reading
}

func createUpdaterStub() *updaterStub {
	return &updaterStub{
		batchChan: make(chan []obd.Reading, 8),
	}
}

func (u *updaterStub) UpdateBatch(readings []obd.Reading) {
	u.batchChan <- readings
}
