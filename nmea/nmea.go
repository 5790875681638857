// Package nmea reads position fixes from an NMEA 0183 GPS receiver on a
// serial port.
package nmea

import (
	"bufio"
	"context"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const knotsToKPH = 1.852

// hdop to horizontal accuracy in meters, assuming a 5 m receiver UERE
const uere = 5.0

var (
	ErrChecksum  = errors.New("nmea checksum mismatch")
	ErrMalformed = errors.New("malformed nmea sentence")
)

// Fix is a position reported by an RMC sentence combined with the most
// recent GGA data.
type Fix struct {
	Time       time.Time
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64 // km/h
	Heading    float64
	HDOP       float64
	Satellites int
}

// HorizontalAccuracy estimates the horizontal error in meters from HDOP.
func (f Fix) HorizontalAccuracy() float64 {
	return f.HDOP * uere
}

type Callbacks struct {
	Fix func(Fix)
}

type GPS struct {
	port   io.ReadCloser
	parser Parser
}

func Open(portName string, baudRate int) (*GPS, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", portName)
	}
	log.WithFields(log.Fields{
		"port": portName,
		"baud": baudRate,
	}).Info("opened nmea gps")
	return New(port), nil
}

// New reads sentences from r.
func New(r io.ReadCloser) *GPS {
	return &GPS{port: r}
}

func (g *GPS) Close() error {
	return g.port.Close()
}

// Start reads sentences until ctx is done or the port fails, calling
// cb.Fix for every valid RMC sentence.
func (g *GPS) Start(ctx context.Context, cb Callbacks) error {
	lines := make(chan string)
	errChan := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(g.port)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		errChan <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errChan:
			return errors.Wrap(err, "reading nmea")
		case line := <-lines:
			fix, ok, err := g.parser.Parse(line)
			if err != nil {
				log.WithError(err).WithField("sentence", line).Debug("skipping sentence")
				continue
			}
			if ok && cb.Fix != nil {
				cb.Fix(fix)
			}
		}
	}
}

// Parser tracks GGA data between RMC sentences.
type Parser struct {
	altitude   float64
	hdop       float64
	satellites int
}

// Parse consumes one sentence and reports a fix when it completes one.
func (p *Parser) Parse(line string) (Fix, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false, nil
	}
	if !validChecksum(line) {
		return Fix{}, false, ErrChecksum
	}
	fields := split(line)
	if len(fields[0]) < 5 {
		return Fix{}, false, ErrMalformed
	}
	switch fields[0][2:] {
	case "GGA":
		return Fix{}, false, p.gga(fields)
	case "RMC":
		return p.rmc(fields)
	}
	return Fix{}, false, nil
}

// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,q,ss,h.h,a.a,M,...
func (p *Parser) gga(fields []string) error {
	if len(fields) < 10 {
		return ErrMalformed
	}
	if fields[6] == "0" {
		// no fix
		return nil
	}
	if n, err := strconv.Atoi(fields[7]); err == nil {
		p.satellites = n
	}
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		p.hdop = v
	}
	if v, err := strconv.ParseFloat(fields[9], 64); err == nil {
		p.altitude = v
	}
	return nil
}

// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,...
func (p *Parser) rmc(fields []string) (Fix, bool, error) {
	if len(fields) < 10 {
		return Fix{}, false, ErrMalformed
	}
	if fields[2] != "A" {
		return Fix{}, false, nil
	}
	lat, err := coordinate(fields[3], fields[4])
	if err != nil {
		return Fix{}, false, err
	}
	lon, err := coordinate(fields[5], fields[6])
	if err != nil {
		return Fix{}, false, err
	}
	ts, err := time.Parse("020106150405", fields[9]+trimFraction(fields[1]))
	if err != nil {
		return Fix{}, false, errors.Wrap(ErrMalformed, "bad timestamp")
	}
	if frac := fractionNanos(fields[1]); frac > 0 {
		ts = ts.Add(time.Duration(frac))
	}

	fix := Fix{
		Time:       ts,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   p.altitude,
		HDOP:       p.hdop,
		Satellites: p.satellites,
	}
	if v, err := strconv.ParseFloat(fields[7], 64); err == nil {
		fix.Speed = v * knotsToKPH
	}
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		fix.Heading = v
	}
	return fix, true, nil
}

func split(line string) []string {
	if i := strings.Index(line, "*"); i >= 0 {
		line = line[:i]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// coordinate converts ddmm.mmmm plus hemisphere to decimal degrees.
func coordinate(raw, hemisphere string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrap(ErrMalformed, "bad coordinate")
	}
	deg := math.Floor(v / 100)
	deg += (v - deg*100) / 60
	switch hemisphere {
	case "S", "W":
		deg = -deg
	case "N", "E":
	default:
		return 0, errors.Wrap(ErrMalformed, "bad hemisphere")
	}
	return deg, nil
}

func trimFraction(s string) string {
	if i := strings.Index(s, "."); i >= 0 {
		return s[:i]
	}
	return s
}

func fractionNanos(s string) int64 {
	i := strings.Index(s, ".")
	if i < 0 {
		return 0
	}
	v, err := strconv.ParseFloat("0"+s[i:], 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(v * 1e9))
}

func validChecksum(line string) bool {
	i := strings.Index(line, "*")
	if i < 0 || i+3 > len(line) {
		return false
	}
	var sum byte
	for _, c := range []byte(line[1:i]) {
		sum ^= c
	}
	want, err := strconv.ParseUint(line[i+1:i+3], 16, 8)
	return err == nil && byte(want) == sum
}
