package obd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxRetries is how many further notifications a partial packet is
// kept for before it is dropped.
const DefaultMaxRetries = 3

// Reading is one decoded diagnostic value.
type Reading struct {
	Kind  Kind
	PID   PID
	Value float64
	// adapter clock in milliseconds
	DeviceTime uint32
}

// Decoder turns notification payloads into readings. It keeps the tail of
// a payload that ends mid-packet and prefixes it to the next payload.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	MaxRetries int
	// ExtendedMotion frames accelerometer and gyroscope packets with three
	// values instead of the adapter's single X value.
	ExtendedMotion bool

	pending []byte
	retries int
}

func NewDecoder() *Decoder {
	return &Decoder{
		MaxRetries: DefaultMaxRetries,
	}
}

// Pending returns the number of retained bytes.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) Reset() {
	d.pending = nil
	d.retries = 0
}

// Decode returns the readings of every valid packet in data. The returned
// error describes the first packet that could not be used; it never
// prevents the remaining packets from decoding, except for a checksum
// failure, after which nothing in the buffer can be trusted.
func (d *Decoder) Decode(data []byte) ([]Reading, error) {
	if len(data) == 0 {
		return nil, nil
	}
	hadTail := len(d.pending) > 0
	buf := make([]byte, 0, len(d.pending)+len(data))
	buf = append(buf, d.pending...)
	buf = append(buf, data...)
	d.pending = nil

	var (
		readings []Reading
		firstErr error
		progress bool
	)
	for len(buf) >= headerSize {
		size := peekPID(buf).PacketSize(d.ExtendedMotion)
		if len(buf) < size {
			break
		}
		p, err := parsePacket(buf[:size])
		if err != nil {
			log.WithField("bytes", len(buf)).Debug("dropping buffer after checksum failure")
			d.retries = 0
			if firstErr == nil {
				firstErr = err
			}
			return readings, firstErr
		}
		buf = buf[size:]
		progress = true

		r, err := packetReadings(p)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		readings = append(readings, r...)
	}

	if len(buf) == 0 {
		d.retries = 0
		return readings, firstErr
	}

	if hadTail && !progress {
		d.retries++
	} else {
		d.retries = 0
	}
	if d.retries > d.MaxRetries {
		log.WithField("bytes", len(buf)).
			WithField("retries", d.retries).
			Debug("dropping incomplete frame")
		d.retries = 0
		if firstErr == nil {
			firstErr = errors.Wrapf(ErrIncomplete, "%d bytes after %d notifications", len(buf), d.MaxRetries+1)
		}
		return readings, firstErr
	}
	d.pending = append([]byte(nil), buf...)
	return readings, firstErr
}

func packetReadings(p Packet) ([]Reading, error) {
	info, ok := pids[p.PID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPID, "0x%X", uint16(p.PID))
	}
	readings := make([]Reading, 0, len(info.kinds))
	for i, kind := range info.kinds {
		if i >= len(p.Values) {
			break
		}
		v := info.convert(p.Values[i])
		if !p.PID.Valid(v) {
			return nil, errors.Wrapf(ErrOutOfRange, "%s: %v", kind.DisplayName(), v)
		}
		readings = append(readings, Reading{
			Kind:       kind,
			PID:        p.PID,
			Value:      v,
			DeviceTime: p.Time,
		})
	}
	return readings, nil
}
