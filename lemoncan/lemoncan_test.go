package lemoncan

import (
	"context"
	"encoding/binary"
	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type busStub struct {
	mu           sync.Mutex
	disconnected bool
	subscribed   bool
	stopChan     chan struct{}
	startedChan  chan struct{}
}

func (bus *busStub) SubscribeFunc(can.HandlerFunc) {
	bus.subscribed = true
}

func (bus *busStub) ConnectAndPublish() error {
	bus.startedChan <- struct{}{}
	<-bus.stopChan
	return nil
}

func (bus *busStub) Disconnect() error {
	bus.mu.Lock()
	bus.disconnected = true
	bus.mu.Unlock()
	bus.stopChan <- struct{}{}
	return nil
}

func TestConnect(t *testing.T) {
	origNewBus := newBus
	bus := &busStub{
		stopChan: make(chan struct{}, 1),
	}
	newBus = func(string) (CANBus, error) {
		return bus, nil
	}
	defer func() {
		newBus = origNewBus
	}()

	c, err := Connect("fakeport")
	assert.NotNil(t, c)
	assert.NoError(t, err)
	assert.IsType(t, &busStub{}, c.bus)

	assert.NoError(t, c.Close())
	assert.True(t, bus.disconnected)

	assert.Error(t, (&Connection{}).Close())
}

func TestStart(t *testing.T) {
	bus := &busStub{
		stopChan:    make(chan struct{}),
		startedChan: make(chan struct{}),
	}

	c := &Connection{
		bus: bus,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cb := Callbacks{
		Fuel: func(int) {},
	}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		assert.NoError(t, c.Start(ctx, cb))
		wg.Done()
	}()
	<-bus.startedChan
	assert.True(t, bus.subscribed)
	assert.NotNil(t, c.cb.Fuel)
	cancel()
	wg.Wait()
	bus.mu.Lock()
	assert.True(t, bus.disconnected)
	bus.mu.Unlock()
}

func frame(id uint32, v uint16) can.Frame {
	buf := [8]byte{}
	binary.LittleEndian.PutUint16(buf[0:2], v)
	return can.Frame{
		ID:     id,
		Length: 2,
		Data:   buf,
	}
}

func TestHandleFrame(t *testing.T) {
	data := struct {
		OilTemp     int
		CoolantTemp int
		Fuel        int
		AmbientTemp int
	}{}

	c := &Connection{
		cb: Callbacks{
			OilTemp: func(v int) {
				data.OilTemp = v
			},
			CoolantTemp: func(v int) {
				data.CoolantTemp = v
			},
			Fuel: func(v int) {
				data.Fuel = v
			},
			AmbientTemp: func(v int) {
				data.AmbientTemp = v
			},
		},
	}
	expectedData := data

	c.handleFrame(frame(frameOilTemp, 1))
	expectedData.OilTemp = 1
	assert.Equal(t, expectedData, data)

	c.handleFrame(frame(frameCoolantTemp, 2))
	expectedData.CoolantTemp = 2
	assert.Equal(t, expectedData, data)

	c.handleFrame(frame(frameFuel, 3))
	expectedData.Fuel = 3
	assert.Equal(t, expectedData, data)

	// ambient temperature is signed
	c.handleFrame(frame(frameAmbientTemp, 0xfffb))
	expectedData.AmbientTemp = -5
	assert.Equal(t, expectedData, data)

	// send unknown CAN frame
	c.handleFrame(can.Frame{
		ID: 400,
	})
	// no change to data
	assert.Equal(t, expectedData, data)

	// send too short a frame
	c.handleFrame(can.Frame{
		ID: frameOilTemp,
	})
	// no change to data
	assert.Equal(t, expectedData, data)

	// no callback registered
	c.cb.Fuel = nil
	c.handleFrame(frame(frameFuel, 9))
	assert.Equal(t, expectedData, data)
}

func TestUint16Result(t *testing.T) {
	_, err := uint16Result(can.Frame{})
	assert.Error(t, err)
	_, err = uint16Result(can.Frame{
		Length: 3,
	})
	assert.Error(t, err)

	n, err := uint16Result(frame(0, 300))
	require.NoError(t, err)
	assert.Equal(t, 300, n)
}
