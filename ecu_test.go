package vbox

import (
	"context"
	"github.com/jd3nn1s/kw1281"
	"github.com/jd3nn1s/vbox/obd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func TestRunECU(t *testing.T) {
	updater := createUpdaterStub()

	origECUConnect := ecuConnect
	defer func() {
		ecuConnect = origECUConnect
	}()

	stub := createECUStub()
	ecuConnect = func(p string) (KW1281, error) {
		return stub, nil
	}

	ecuRetryable := &ecuRetryable{
		stream: updater,
	}

	// close before opening
	assert.NoError(t, ecuRetryable.Close())
	assert.NoError(t, ecuRetryable.Open())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		_ = ecuRetryable.Start(ctx)
		wg.Done()
	}()
	<-stub.startChan

	stub.fnChan <- func() {
		stub.callbacks.ECUDetails(&kw1281.ECUDetails{
			PartNumber: "fakeecu",
			Details: []string{
				"line 1",
				"line 2",
			},
		})
	}

	measurements := []*kw1281.Measurement{
		{
			Metric: kw1281.MetricRPM,
			MeasurementValue: &kw1281.MeasurementValue{
				Value: 3200,
				Units: "RPM",
			},
		}, {
			Metric: kw1281.MetricCoolantTemp,
			MeasurementValue: &kw1281.MeasurementValue{
				Value: 53,
				Units: "Deg",
			},
		}, {
			Metric:           0,
			MeasurementValue: nil,
		},
	}
	stub.fnChan <- func() {
		stub.callbacks.Measurement(kw1281.GroupRPMCoolantTemp, measurements)
	}
	readings := <-updater.batchChan
	require.Len(t, readings, 2)
	assert.Equal(t, obd.Reading{Kind: obd.KindRPM, Value: 3200}, readings[0])
	assert.Equal(t, obd.Reading{Kind: obd.KindCoolantTemp, Value: 53}, readings[1])
	cancel()
	wg.Wait()
}

func TestECUReadings(t *testing.T) {
	readings := ecuReadings([]*kw1281.Measurement{
		nil,
		{
			Metric: kw1281.MetricBatteryVoltage,
			MeasurementValue: &kw1281.MeasurementValue{
				Value: float32(13.5),
				Units: "V",
			},
		}, {
			Metric: kw1281.MetricThrottleAngle,
			MeasurementValue: &kw1281.MeasurementValue{
				Value: "closed",
				Units: "",
			},
		}, {
			Metric: kw1281.MetricSpeed,
			MeasurementValue: &kw1281.MeasurementValue{
				Value: 88.0,
				Units: "km/h",
			},
		},
	})
	assert.Equal(t, []obd.Reading{
		{Kind: obd.KindBatteryVoltage, Value: 13.5},
		{Kind: obd.KindSpeed, Value: 88},
	}, readings)

	assert.Empty(t, ecuReadings(nil))
}

func TestCastToFloat64(t *testing.T) {
	v, ok := castToFloat64(7)
	assert.True(t, ok)
	assert.Equal(t, float64(7), v)

	v, ok = castToFloat64(float32(1.5))
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = castToFloat64("7")
	assert.False(t, ok)
}
