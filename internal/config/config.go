// Package config loads the daemon configuration from a TOML file.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/bigbag/papyrix-ota/internal/serial"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

// DefaultPath is where serve looks for its configuration.
const DefaultPath = "/etc/papyrix-ota/config.toml"

// Restart methods
const (
	RestartLogin1  = "login1"
	RestartSystemd = "systemd"
	RestartCommand = "command"
	RestartNone    = "none"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	Storage StorageConfig `toml:"storage"`
	Update  UpdateConfig  `toml:"update"`
	BLE     BLEConfig     `toml:"ble"`
	Serial  SerialConfig  `toml:"serial"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Restart RestartConfig `toml:"restart"`
}

// StorageConfig locates the A/B slots.
type StorageConfig struct {
	Dir       string `toml:"dir"`
	SlotSize  int64  `toml:"slot_size"`
	Validator string `toml:"validator"`
}

// UpdateConfig tunes the state machine.
type UpdateConfig struct {
	VerifyChecksum bool `toml:"verify_checksum"`
	StrictBounds   bool `toml:"strict_bounds"`
}

// BLEConfig enables the BlueZ GATT peripheral.
type BLEConfig struct {
	Enabled   bool   `toml:"enabled"`
	Adapter   string `toml:"adapter"`
	LocalName string `toml:"local_name"`
}

// SerialConfig enables the serial bridge link.
type SerialConfig struct {
	Port     string `toml:"port"`
	BaudRate int    `toml:"baud_rate"`
}

// MQTTConfig enables the status mirror.
type MQTTConfig struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      int    `toml:"qos"`
}

// RestartConfig selects how a completed update boots.
type RestartConfig struct {
	Method       string   `toml:"method"`
	Command      []string `toml:"command"`
	Delay        string   `toml:"delay"`
	PollInterval string   `toml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Dir:       "/var/lib/papyrix-ota",
			SlotSize:  4 << 20,
			Validator: "none",
		},
		Update: UpdateConfig{
			VerifyChecksum: true,
			StrictBounds:   true,
		},
		BLE: BLEConfig{
			Enabled:   true,
			Adapter:   "hci0",
			LocalName: "Papyrix OTA",
		},
		Serial: SerialConfig{
			BaudRate: serial.DefaultBaudRate,
		},
		MQTT: MQTTConfig{
			ClientID: "papyrix-ota",
			Topic:    "papyrix/ota/status",
		},
		Restart: RestartConfig{
			Method:       RestartLogin1,
			Delay:        "1s",
			PollInterval: "100ms",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults
// when allowMissing is set.
func Load(path string, allowMissing bool) (Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(raw)
}

// Parse decodes raw TOML over the defaults. Keys absent from raw keep their
// default value.
func Parse(raw []byte) (Config, error) {
	user, err := toml.LoadBytes(raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}

	defaults, err := toml.Marshal(Default())
	if err != nil {
		return Config{}, errors.Wrap(err, "encode defaults")
	}
	tree, err := toml.LoadBytes(defaults)
	if err != nil {
		return Config{}, errors.Wrap(err, "load defaults")
	}
	merge(tree, user, nil)

	cfg := Config{}
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// merge copies every leaf of src into dst.
func merge(dst, src *toml.Tree, prefix []string) {
	for _, key := range src.Keys() {
		path := append(append([]string{}, prefix...), key)
		value := src.GetPath([]string{key})
		if sub, ok := value.(*toml.Tree); ok {
			merge(dst, sub, path)
			continue
		}
		dst.SetPath(path, value)
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Storage.Dir == "" {
		return errors.New("storage.dir is required")
	}
	if c.Storage.SlotSize <= 0 {
		return errors.New("storage.slot_size must be positive")
	}
	if _, err := storage.ValidatorByName(c.Storage.Validator); err != nil {
		return errors.WithMessage(err, "storage.validator")
	}
	if !c.BLE.Enabled && c.Serial.Port == "" {
		return errors.New("no transport enabled: set ble.enabled or serial.port")
	}
	if c.Serial.Port != "" && c.Serial.BaudRate <= 0 {
		return errors.New("serial.baud_rate must be positive")
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.topic is required with mqtt.broker")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errors.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
		}
	}

	switch c.Restart.Method {
	case RestartLogin1, RestartSystemd, RestartNone:
	case RestartCommand:
		if len(c.Restart.Command) == 0 {
			return errors.New("restart.command is required with method \"command\"")
		}
	default:
		return errors.Errorf("unknown restart.method %q", c.Restart.Method)
	}
	if _, err := c.RestartDelay(); err != nil {
		return err
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	return nil
}

// RestartDelay returns the parsed restart.delay.
func (c *Config) RestartDelay() (time.Duration, error) {
	return parseDuration("restart.delay", c.Restart.Delay)
}

// PollInterval returns the parsed restart.poll_interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration("restart.poll_interval", c.Restart.PollInterval)
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative", key)
	}
	return d, nil
}
