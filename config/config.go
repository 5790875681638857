// Package config loads vbox settings from TOML or YAML with environment
// overrides.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	GPSSkyTraq  = "skytraq"
	GPSNMEA     = "nmea"
	GPSDisabled = "disabled"

	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type Config struct {
	Log   LogConfig   `toml:"log" yaml:"log"`
	BLE   BLEConfig   `toml:"ble" yaml:"ble"`
	GPS   GPSConfig   `toml:"gps" yaml:"gps"`
	ECU   ECUConfig   `toml:"ecu" yaml:"ecu"`
	CAN   CANConfig   `toml:"can" yaml:"can"`
	Trip  TripConfig  `toml:"trip" yaml:"trip"`
	Store StoreConfig `toml:"store" yaml:"store"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

type BLEConfig struct {
	Adapter        string   `toml:"adapter" yaml:"adapter"`
	Peripheral     string   `toml:"peripheral" yaml:"peripheral"`
	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	AutoNotify     bool     `toml:"auto_notify" yaml:"auto_notify"`
	// advertise the companion service while running
	Advertise     bool   `toml:"advertise" yaml:"advertise"`
	AdvertiseName string `toml:"advertise_name" yaml:"advertise_name"`
}

type GPSConfig struct {
	Type     string  `toml:"type" yaml:"type"`
	Port     string  `toml:"port" yaml:"port"`
	BaudRate int     `toml:"baud_rate" yaml:"baud_rate"`
	MaxHDOP  float64 `toml:"max_hdop" yaml:"max_hdop"`
}

type ECUConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Port    string `toml:"port" yaml:"port"`
}

type CANConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Interface string `toml:"interface" yaml:"interface"`
}

type TripConfig struct {
	MaxHorizontalAccuracy float64 `toml:"max_horizontal_accuracy" yaml:"max_horizontal_accuracy"`
	MaxJumpMeters         float64 `toml:"max_jump_meters" yaml:"max_jump_meters"`
	DiscardEmpty          bool    `toml:"discard_empty" yaml:"discard_empty"`
}

type StoreConfig struct {
	Type string `toml:"type" yaml:"type"`
	Path string `toml:"path" yaml:"path"`
}

// Duration accepts strings such as "10s" in both file formats.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		BLE: BLEConfig{
			Adapter:        "hci0",
			Peripheral:     "obd",
			ConnectTimeout: Duration{ble.DefaultConnectTimeout},
			AutoNotify:     true,
			AdvertiseName:  "vBox",
		},
		GPS: GPSConfig{
			Type:     GPSSkyTraq,
			Port:     "/dev/ttyO1",
			BaudRate: 9600,
			MaxHDOP:  5,
		},
		ECU: ECUConfig{Port: "/dev/ttyO2"},
		CAN: CANConfig{Interface: "can0"},
		Trip: TripConfig{
			MaxHorizontalAccuracy: 30,
			MaxJumpMeters:         500,
		},
		Store: StoreConfig{
			Type: StoreSQLite,
			Path: "vbox.db",
		},
	}
}

// Load reads the file at path, choosing the format by extension. An empty
// path yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", path)
	}
	defer file.Close()

	cfg, err := LoadFromReader(file, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load %s", path)
	}
	log.WithField("path", path).Info("loaded configuration")
	return cfg, nil
}

// LoadFromReader decodes a configuration in the format named by ext
// (".toml", ".yaml" or ".yml") over the defaults.
func LoadFromReader(r io.Reader, ext string) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, errors.Wrap(err, "invalid toml")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "invalid yaml")
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Log.Level, "VBOX_LOG_LEVEL")
	setString(&c.BLE.Adapter, "VBOX_BLE_ADAPTER")
	setString(&c.BLE.Peripheral, "VBOX_BLE_PERIPHERAL")
	setString(&c.GPS.Type, "VBOX_GPS_TYPE")
	setString(&c.GPS.Port, "VBOX_GPS_PORT")
	if v := os.Getenv("VBOX_GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		} else {
			log.WithField("value", v).Warn("ignoring invalid VBOX_GPS_BAUD")
		}
	}
	setString(&c.ECU.Port, "VBOX_ECU_PORT")
	setString(&c.CAN.Interface, "VBOX_CAN_INTERFACE")
	setString(&c.Store.Type, "VBOX_STORE_TYPE")
	setString(&c.Store.Path, "VBOX_STORE_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if _, err := ble.ParsePeripheralKind(c.BLE.Peripheral); err != nil {
		return errors.Wrap(err, "ble.peripheral")
	}
	if c.BLE.ConnectTimeout.Duration <= 0 {
		return errors.New("ble.connect_timeout must be positive")
	}
	switch c.GPS.Type {
	case GPSSkyTraq, GPSNMEA:
		if c.GPS.Port == "" {
			return errors.New("gps.port is required")
		}
	case GPSDisabled:
	default:
		return errors.Errorf("unknown gps.type %q", c.GPS.Type)
	}
	if c.GPS.Type == GPSNMEA && c.GPS.BaudRate <= 0 {
		return errors.New("gps.baud_rate must be positive")
	}
	if c.Trip.MaxHorizontalAccuracy <= 0 || c.Trip.MaxJumpMeters <= 0 {
		return errors.New("trip limits must be positive")
	}
	switch c.Store.Type {
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown store.type %q", c.Store.Type)
	}
	return nil
}

// Peripheral is the validated BLE peripheral kind.
func (c *Config) Peripheral() ble.PeripheralKind {
	k, _ := ble.ParsePeripheralKind(c.BLE.Peripheral)
	return k
}

// LogLevel is the validated log level.
func (c *Config) LogLevel() log.Level {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return l
}
