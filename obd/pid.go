package obd

import (
	"fmt"
	"math"
)

// PID is a parameter identifier as sent by the Freematics adapter.
type PID uint16

const (
	PIDSpeed                  PID = 0x10D
	PIDRPM                    PID = 0x10C
	PIDEngineLoad             PID = 0x104
	PIDCoolantTemp            PID = 0x105
	PIDThrottle               PID = 0x111
	PIDRuntime                PID = 0x11F
	PIDEngineFuelRate         PID = 0x159
	PIDEngineTorquePercentage PID = 0x15B

	PIDFuelLevel PID = 0x12F

	PIDIntakeTemp  PID = 0x10F
	PIDAmbientTemp PID = 0x146
	PIDBarometric  PID = 0x133

	PIDDistance PID = 0x131

	// adapter specific
	PIDGPSLatitude  PID = 0xF00A
	PIDGPSLongitude PID = 0xF00B
	PIDGPSAltitude  PID = 0x000C
	PIDGPSSpeed     PID = 0xF00D
	PIDGPSHeading   PID = 0xF00E
	PIDGPSSatCount  PID = 0xF00F
	PIDGPSTime      PID = 0xF010

	PIDAccelerometer PID = 0xF020
	PIDGyroscope     PID = 0xF021
)

// Kind is the stable key a diagnostic value is published under.
type Kind string

const (
	KindSpeed                  Kind = "speed"
	KindRPM                    Kind = "rpm"
	KindEngineLoad             Kind = "engineLoad"
	KindCoolantTemp            Kind = "coolantTemp"
	KindThrottle               Kind = "throttle"
	KindRuntime                Kind = "runtime"
	KindEngineFuelRate         Kind = "engineFuelRate"
	KindEngineTorquePercentage Kind = "engineTorquePercentage"
	KindFuelLevel              Kind = "fuelLevel"
	KindIntakeTemp             Kind = "intakeTemp"
	KindAmbientTemp            Kind = "ambientTemp"
	KindBarometric             Kind = "barometric"
	KindDistance               Kind = "distance"
	KindGPSLatitude            Kind = "gpsLatitude"
	KindGPSLongitude           Kind = "gpsLongitude"
	KindGPSAltitude            Kind = "gpsAltitude"
	KindGPSSpeed               Kind = "gpsSpeed"
	KindGPSHeading             Kind = "gpsHeading"
	KindGPSSatCount            Kind = "gpsSatCount"
	KindGPSTime                Kind = "gpsTime"
	KindAccelX                 Kind = "accelX"
	KindAccelY                 Kind = "accelY"
	KindAccelZ                 Kind = "accelZ"
	KindGyroX                  Kind = "gyroX"
	KindGyroY                  Kind = "gyroY"
	KindGyroZ                  Kind = "gyroZ"

	// not sent over BLE, reported by the K-line ECU and the CAN sensor board
	KindOilTemp        Kind = "oilTemp"
	KindBatteryVoltage Kind = "batteryVoltage"
)

var kindNames = map[Kind]string{
	KindSpeed:                  "Speed",
	KindRPM:                    "RPM",
	KindEngineLoad:             "Engine Load",
	KindCoolantTemp:            "Coolant Temp",
	KindThrottle:               "Throttle",
	KindRuntime:                "Runtime",
	KindEngineFuelRate:         "Engine Fuel Rate",
	KindEngineTorquePercentage: "Engine Torque Percentage",
	KindFuelLevel:              "Fuel",
	KindIntakeTemp:             "Intake Temp",
	KindAmbientTemp:            "Ambient Temp",
	KindBarometric:             "Barometric",
	KindDistance:               "Distance",
	KindGPSLatitude:            "GPS Latitude",
	KindGPSLongitude:           "GPS Longitude",
	KindGPSAltitude:            "GPS Altitude",
	KindGPSSpeed:               "GPS Speed",
	KindGPSHeading:             "GPS Heading",
	KindGPSSatCount:            "GPS Satellites",
	KindGPSTime:                "GPS Time",
	KindAccelX:                 "Accel X",
	KindAccelY:                 "Accel Y",
	KindAccelZ:                 "Accel Z",
	KindGyroX:                  "Gyro X",
	KindGyroY:                  "Gyro Y",
	KindGyroZ:                  "Gyro Z",
	KindOilTemp:                "Oil Temp",
	KindBatteryVoltage:         "Battery Voltage",
}

// DisplayName returns the human readable label, e.g. "Coolant Temp".
func (k Kind) DisplayName() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return string(k)
}

type pidInfo struct {
	name  string
	unit  string
	kinds []Kind
	min   float64
	max   float64
	// raw adapter value to physical unit
	convert func(float32) float64
}

func identity(v float32) float64 {
	return float64(v)
}

var (
	inf = math.Inf(1)

	pids = map[PID]pidInfo{
		PIDSpeed:                  {"Speed", "km/h", []Kind{KindSpeed}, 0, 1000, identity},
		PIDRPM:                    {"RPM", "rpm", []Kind{KindRPM}, 0, 100000, identity},
		PIDEngineLoad:             {"Engine Load", "%", []Kind{KindEngineLoad}, 0, 150, identity},
		PIDCoolantTemp:            {"Coolant Temp", "°C", []Kind{KindCoolantTemp}, 0, 500, identity},
		PIDThrottle:               {"Throttle", "%", []Kind{KindThrottle}, 0, 1000, identity},
		PIDRuntime:                {"Runtime", "s", []Kind{KindRuntime}, 0, inf, identity},
		PIDEngineFuelRate:         {"Engine Fuel Rate", "L/h", []Kind{KindEngineFuelRate}, 0, 1000, identity},
		PIDEngineTorquePercentage: {"Engine Torque Percentage", "%", []Kind{KindEngineTorquePercentage}, 0, 150, identity},
		PIDFuelLevel:              {"Fuel", "%", []Kind{KindFuelLevel}, 0, 150, identity},
		PIDIntakeTemp:             {"Intake Temp", "°C", []Kind{KindIntakeTemp}, 0, 1000, identity},
		PIDAmbientTemp:            {"Ambient Temp", "°C", []Kind{KindAmbientTemp}, 0, 1000, identity},
		PIDBarometric:             {"Barometric", "kPa", []Kind{KindBarometric}, 0, 500, identity},
		PIDDistance:               {"Distance", "km", []Kind{KindDistance}, 0, 10000000, identity},
		PIDGPSLatitude:            {"GPS Latitude", "deg", []Kind{KindGPSLatitude}, -90, 90, identity},
		PIDGPSLongitude:           {"GPS Longitude", "deg", []Kind{KindGPSLongitude}, -180, 180, identity},
		PIDGPSAltitude:            {"GPS Altitude", "m", []Kind{KindGPSAltitude}, -inf, inf, identity},
		PIDGPSSpeed:               {"GPS Speed", "km/h", []Kind{KindGPSSpeed}, 0, inf, identity},
		PIDGPSHeading:             {"GPS Heading", "deg", []Kind{KindGPSHeading}, 0, 360, identity},
		PIDGPSSatCount:            {"GPS Satellites", "count", []Kind{KindGPSSatCount}, 0, inf, identity},
		PIDGPSTime:                {"GPS Time", "raw", []Kind{KindGPSTime}, 0, inf, identity},
		PIDAccelerometer:          {"Accelerometer", "g", []Kind{KindAccelX, KindAccelY, KindAccelZ}, -inf, inf, identity},
		PIDGyroscope:              {"Gyroscope", "deg/s", []Kind{KindGyroX, KindGyroY, KindGyroZ}, -inf, inf, identity},
	}
)

// Known reports whether the PID is in the adapter's table.
func (p PID) Known() bool {
	_, ok := pids[p]
	return ok
}

func (p PID) String() string {
	if info, ok := pids[p]; ok {
		return info.name
	}
	return fmt.Sprintf("PID(0x%X)", uint16(p))
}

// Unit of the converted value, empty for unknown PIDs.
func (p PID) Unit() string {
	return pids[p].unit
}

// Kinds lists the diagnostic kinds carried by one packet of this PID, in
// value order.
func (p PID) Kinds() []Kind {
	info, ok := pids[p]
	if !ok {
		return nil
	}
	return append([]Kind(nil), info.kinds...)
}

// Valid reports whether a converted value is inside the PID's accepted
// range. NaN and infinities are never valid.
func (p PID) Valid(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	info, ok := pids[p]
	if !ok {
		return false
	}
	return v >= info.min && v <= info.max
}

// PacketSize is the number of bytes a packet for this PID occupies. The
// adapter frames every PID in 12 bytes, so motion packets carry only their
// X value; with extended set they carry all three axes.
func (p PID) PacketSize(extended bool) int {
	n := 1
	if info, ok := pids[p]; ok && extended {
		n = len(info.kinds)
	}
	return headerSize + valueSize*n
}
