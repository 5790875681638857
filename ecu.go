package vbox

import (
	"context"
	"github.com/jd3nn1s/kw1281"
	"github.com/jd3nn1s/vbox/obd"
	log "github.com/sirupsen/logrus"
)

type ecuRetryable struct {
	c      KW1281
	port   string
	stream Updater
}

// to allow testing
var ecuConnect = func(p string) (KW1281, error) {
	c, err := kw1281.Connect(p)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *ecuRetryable) Name() string {
	return "ecu"
}

func (e *ecuRetryable) Open() error {
	c, err := ecuConnect(e.port)
	e.c = c
	return err
}

func (e *ecuRetryable) Close() error {
	if e.c == nil {
		return nil
	}
	return e.c.Close()
}

func (e *ecuRetryable) Start(ctx context.Context) error {
	return e.c.Start(ctx, kw1281.Callbacks{
		ECUDetails: func(details *kw1281.ECUDetails) {
			log.WithField("partNumber", details.PartNumber).Info()
			for _, line := range details.Details {
				log.Infof("ECU: %s", line)
			}
		},
		Measurement: func(group kw1281.MeasurementGroup, measurements []*kw1281.Measurement) {
			if readings := ecuReadings(measurements); len(readings) > 0 {
				e.stream.UpdateBatch(readings)
			}
		},
	})
}

func ecuReadings(measurements []*kw1281.Measurement) []obd.Reading {
	var readings []obd.Reading
	for _, m := range measurements {
		if m == nil || m.MeasurementValue == nil {
			continue
		}
		kind, ok := ecuKind(m)
		if !ok {
			continue
		}
		v, ok := castToFloat64(m.Value)
		if !ok {
			log.WithField("metric", m.Metric).Debugf("unexpected value type %T", m.Value)
			continue
		}
		readings = append(readings, obd.Reading{Kind: kind, Value: v})
	}
	return readings
}

// ecuKind is the diagnostic kind a K-line metric is published under.
func ecuKind(m *kw1281.Measurement) (obd.Kind, bool) {
	switch m.Metric {
	case kw1281.MetricRPM:
		return obd.KindRPM, true
	case kw1281.MetricBatteryVoltage:
		return obd.KindBatteryVoltage, true
	case kw1281.MetricThrottleAngle:
		return obd.KindThrottle, true
	case kw1281.MetricAirIntakeTemp:
		return obd.KindIntakeTemp, true
	case kw1281.MetricSpeed:
		return obd.KindSpeed, true
	case kw1281.MetricCoolantTemp:
		return obd.KindCoolantTemp, true
	}
	return "", false
}

func castToFloat64(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
