package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/jd3nn1s/vbox"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/jd3nn1s/vbox/ble/bluez"
	"github.com/jd3nn1s/vbox/config"
	"github.com/jd3nn1s/vbox/store"
	"github.com/jd3nn1s/vbox/store/sqlite"
	"github.com/jd3nn1s/vbox/trip"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var configPath = flag.String("config", "", "path to a toml or yaml config file")
var testMode = flag.Bool("testmode", false, "generate test data")
var record = flag.Bool("record", false, "record a trip until interrupted")
var printTelemetry = flag.Bool("print-telemetry", false, "print telemetry to stdout")

type historyStore interface {
	trip.HistoryStore
	io.Closer
}

type memoryStore struct {
	*store.Memory
}

func (memoryStore) Close() error {
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [run|history]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("unable to load config: ", err)
	}
	log.SetLevel(cfg.LogLevel())

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal("unable to open store: ", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "", "run":
		err = run(ctx, cfg, st)
	case "history":
		err = printHistory(ctx, st)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func openStore(cfg config.StoreConfig) (historyStore, error) {
	if cfg.Type == config.StoreMemory {
		return memoryStore{store.NewMemory()}, nil
	}
	s, err := sqlite.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func run(ctx context.Context, cfg *config.Config, st trip.HistoryStore) error {
	var radio ble.Radio
	if *testMode {
		radio = vbox.NewSimRadio()
	} else {
		r, err := bluez.Connect(cfg.BLE.Adapter)
		if err != nil {
			return err
		}
		radio = r
	}

	s := vbox.NewSession(cfg, radio, st)
	s.SetTestMode(*testMode)

	if *record {
		id, err := s.StartTrip()
		if err != nil {
			return err
		}
		log.WithField("trip", id).Info("recording")
	}
	if *printTelemetry {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fmt.Println(s.Telemetry())
				}
			}
		}()
	}
	return s.Run(ctx)
}

func printHistory(ctx context.Context, st trip.HistoryStore) error {
	h, err := st.History(ctx)
	if err != nil {
		return err
	}
	for _, t := range h.Trips() {
		fmt.Printf("%s  %s  %8s  %7.2f km  avg %5.1f km/h  max %5.1f km/h\n",
			t.ID,
			t.StartTime.Local().Format("2006-01-02 15:04"),
			trip.FormatDuration(t.Duration()),
			t.TotalDistance/1000,
			t.AvgSpeed,
			t.MaxSpeed)
	}
	stats := h.Statistics()
	fmt.Printf("%d trips, %.2f km, %s driving, average %.1f km/h\n",
		stats.TripCount,
		stats.TotalDistance/1000,
		trip.HumanDuration(stats.TotalDuration),
		stats.AverageSpeed)
	return nil
}
