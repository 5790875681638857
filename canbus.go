package vbox

import (
	"context"
	"github.com/jd3nn1s/vbox/lemoncan"
	"github.com/jd3nn1s/vbox/obd"
)

type canBus struct {
	c      CANBus
	port   string
	stream Updater
}

var canBusConnect = func(p string) (CANBus, error) {
	c, err := lemoncan.Connect(p)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (bus *canBus) Open() error {
	c, err := canBusConnect(bus.port)
	bus.c = c
	return err
}

func (bus *canBus) Close() error {
	if bus.c == nil {
		return nil
	}
	return bus.c.Close()
}

func (bus *canBus) Start(ctx context.Context) error {
	return bus.c.Start(ctx, lemoncan.Callbacks{
		Fuel:        bus.update(obd.KindFuelLevel),
		CoolantTemp: bus.update(obd.KindCoolantTemp),
		OilTemp:     bus.update(obd.KindOilTemp),
		AmbientTemp: bus.update(obd.KindAmbientTemp),
	})
}

func (bus *canBus) update(kind obd.Kind) lemoncan.IntResultFn {
	return func(v int) {
		bus.stream.UpdateBatch([]obd.Reading{{Kind: kind, Value: float64(v)}})
	}
}

func (bus *canBus) Name() string {
	return "canbus"
}
