package nmea

import (
	"context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"io/ioutil"
	"strings"
	"testing"
	"time"
)

const (
	gga        = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	rmc        = "$GPRMC,123519.50,A,4807.038,N,01131.000,W,022.4,084.4,230394,003.1,W*53"
	rmcVoid    = "$GPRMC,123520,V,,,,,,,230394,,*39"
	rmcSouth   = "$GNRMC,123521,A,3345.000,S,15112.000,E,000.0,000.0,230394,,*10"
	rmcCorrupt = "$GPRMC,123519.50,A,4807.038,N,01131.000,W,022.4,084.4,230394,003.1,W*54"
)

func TestParse(t *testing.T) {
	var p Parser

	_, ok, err := p.Parse(gga)
	require.NoError(t, err)
	assert.False(t, ok)

	fix, ok, err := p.Parse(rmc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-9)
	assert.InDelta(t, -11.516667, fix.Longitude, 1e-6)
	assert.InDelta(t, 41.4848, fix.Speed, 1e-9)
	assert.Equal(t, 84.4, fix.Heading)
	assert.Equal(t, 545.4, fix.Altitude)
	assert.Equal(t, 0.9, fix.HDOP)
	assert.Equal(t, 8, fix.Satellites)
	assert.InDelta(t, 4.5, fix.HorizontalAccuracy(), 1e-9)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 500000000, time.UTC), fix.Time)

	_, ok, err = p.Parse(rmcVoid)
	require.NoError(t, err)
	assert.False(t, ok)

	fix, ok, err = p.Parse(rmcSouth)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -33.75, fix.Latitude, 1e-9)
	assert.InDelta(t, 151.2, fix.Longitude, 1e-9)
}

func TestParseErrors(t *testing.T) {
	var p Parser
	_, _, err := p.Parse(rmcCorrupt)
	assert.Equal(t, ErrChecksum, err)

	_, _, err = p.Parse("$GPRMC,123519")
	assert.Equal(t, ErrChecksum, err)

	_, ok, err := p.Parse("garbage")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStart(t *testing.T) {
	input := strings.Join([]string{gga, rmcCorrupt, rmc, rmcVoid, rmcSouth}, "\r\n")
	g := New(ioutil.NopCloser(strings.NewReader(input)))

	var fixes []Fix
	err := g.Start(context.Background(), Callbacks{
		Fix: func(f Fix) {
			fixes = append(fixes, f)
		},
	})
	assert.Equal(t, io.EOF, errors.Cause(err))
	require.Len(t, fixes, 2)
	assert.True(t, fixes[0].Time.Before(fixes[1].Time))
	require.NoError(t, g.Close())
}

func TestStartCancelled(t *testing.T) {
	r, w := io.Pipe()
	g := New(r)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- g.Start(ctx, Callbacks{})
	}()
	_, err := w.Write([]byte(gga + "\n"))
	require.NoError(t, err)
	cancel()
	assert.NoError(t, <-done)
	w.Close()
}
