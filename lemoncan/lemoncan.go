// Package lemoncan reads the sensor board frames on the car's CAN bus.
package lemoncan

import (
	"context"
	"encoding/binary"
	"github.com/brutella/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	frameOilTemp     uint32 = 0x100
	frameCoolantTemp uint32 = 0x101
	frameFuel        uint32 = 0x102
	frameAmbientTemp uint32 = 0x104
)

type IntResultFn func(v int)

type Callbacks struct {
	OilTemp     IntResultFn
	CoolantTemp IntResultFn
	Fuel        IntResultFn
	AmbientTemp IntResultFn
}

type CANBus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
}

type Connection struct {
	bus CANBus
	cb  Callbacks
}

// to allow testing
var newBus = func(portName string) (CANBus, error) {
	return can.NewBusForInterfaceWithName(portName)
}

func Connect(portName string) (*Connection, error) {
	bus, err := newBus(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open can interface %s", portName)
	}
	return &Connection{
		bus: bus,
	}, nil
}

// Start blocks reading frames until ctx is done or the bus fails.
func (c *Connection) Start(ctx context.Context, cb Callbacks) error {
	c.cb = cb
	c.bus.SubscribeFunc(c.handleFrame)
	log.Info("CAN bus opened and subscribed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Infof("stopping can bus: %v", ctx.Err())
			if err := c.bus.Disconnect(); err != nil {
				log.WithField("err", err).Warn("unable to disconnect canbus after context")
			}
		case <-done:
		}
	}()

	return c.bus.ConnectAndPublish()
}

func (c *Connection) Close() error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	return c.bus.Disconnect()
}

func (c *Connection) handleFrame(frame can.Frame) {
	log.WithField("canID", frame.ID).
		WithField("length", frame.Length).
		Debug("received canbus frame")

	var (
		cb     IntResultFn
		signed bool
	)
	switch frame.ID {
	case frameOilTemp:
		cb = c.cb.OilTemp
	case frameCoolantTemp:
		cb = c.cb.CoolantTemp
	case frameFuel:
		cb = c.cb.Fuel
	case frameAmbientTemp:
		cb = c.cb.AmbientTemp
		signed = true
	default:
		log.WithField("canID", frame.ID).Debug("ignoring unknown canID")
		return
	}

	if cb == nil {
		log.WithField("canID", frame.ID).Debug("no callback registered")
		return
	}

	v, err := uint16Result(frame)
	if err != nil {
		log.WithField("canID", frame.ID).WithError(err).Warn("unable to convert to uint16")
		return
	}
	if signed {
		v = int(int16(v))
	}
	cb(v)
}

func uint16Result(frame can.Frame) (int, error) {
	if frame.Length != 2 {
		return 0, errors.Errorf("incorrect frame size for uint16: %v", frame.Length)
	}
	return int(binary.LittleEndian.Uint16(frame.Data[0:2])), nil
}
