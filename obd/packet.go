package obd

import (
	"encoding/binary"
	"github.com/pkg/errors"
	"math"
)

const (
	headerSize = 8
	valueSize  = 4

	// LegacyPacketSize is the size of a single value packet.
	LegacyPacketSize = headerSize + valueSize
)

var (
	ErrChecksum   = errors.New("checksum mismatch")
	ErrUnknownPID = errors.New("unknown pid")
	ErrOutOfRange = errors.New("value out of range")
	ErrIncomplete = errors.New("incomplete frame dropped")
)

// Packet is one adapter record: a timestamp, PID, flags and up to three
// float32 values.
type Packet struct {
	Time     uint32
	PID      PID
	Flags    uint8
	Checksum uint8
	Values   []float32
}

// Checksum XORs the bytes of b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// Encode serialises p in the adapter's 12 byte framing and sets its
// checksum so that the XOR over the whole packet is zero. Only the first
// value is written; a missing value is written as 0.
func Encode(p Packet) []byte {
	return encode(p, p.PID.PacketSize(false))
}

// EncodeExtended writes motion packets with all three axes.
func EncodeExtended(p Packet) []byte {
	return encode(p, p.PID.PacketSize(true))
}

func encode(p Packet, size int) []byte {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], p.Time)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.PID))
	buf[6] = p.Flags
	for i := 0; headerSize+i*valueSize < size && i < len(p.Values); i++ {
		off := headerSize + i*valueSize
		binary.LittleEndian.PutUint32(buf[off:off+valueSize], math.Float32bits(p.Values[i]))
	}
	buf[7] = Checksum(buf)
	return buf
}

func peekPID(b []byte) PID {
	return PID(binary.LittleEndian.Uint16(b[4:6]))
}

// parsePacket expects exactly one packet's worth of bytes.
func parsePacket(b []byte) (Packet, error) {
	if Checksum(b) != 0 {
		return Packet{}, errors.Wrapf(ErrChecksum, "packet % x", b)
	}
	p := Packet{
		Time:     binary.LittleEndian.Uint32(b[0:4]),
		PID:      peekPID(b),
		Flags:    b[6],
		Checksum: b[7],
	}
	for off := headerSize; off+valueSize <= len(b); off += valueSize {
		p.Values = append(p.Values, math.Float32frombits(binary.LittleEndian.Uint32(b[off:off+valueSize])))
	}
	return p, nil
}
