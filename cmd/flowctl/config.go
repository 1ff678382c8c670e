package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/ble"
	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
)

const (
	defaultServiceUUID        = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	defaultCharacteristicUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	simChunkSize              = 20
)

var ErrNoPeripheral = errors.New("either -address or -name is required unless -sim is set")

// appConfig holds the settings of one flowctl run.
type appConfig struct {
	Address         string
	Name            string
	AdapterID       int
	Service         string
	Characteristics []string
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	ChunkSize       int
	LogLevel        log.Level
	Simulate        bool
	Flow            flow.Config
}

func defaultAppConfig() appConfig {
	return appConfig{
		AdapterID:       ble.DefaultAdapterID,
		Service:         defaultServiceUUID,
		Characteristics: []string{defaultCharacteristicUUID},
		ConnectTimeout:  20 * time.Second,
		CommandTimeout:  30 * time.Second,
		LogLevel:        log.LevelWarning,
		Flow:            flow.DefaultConfig(),
	}
}

// config.toml key mapping to appConfig.
type fileConfig struct {
	Address         string   `toml:"address"`
	Name            string   `toml:"name"`
	AdapterID       int      `toml:"adapter_id"`
	Service         string   `toml:"service"`
	Characteristics []string `toml:"characteristics"`
	ConnectTimeout  string   `toml:"connect_timeout"`
	CommandTimeout  string   `toml:"command_timeout"`
	ChunkSize       int      `toml:"chunk_size"`
	LogLevel        string   `toml:"log_level"`
	Simulate        bool     `toml:"simulate"`
	Flow            struct {
		ReadyToken     string `toml:"ready_token"`
		StallTimeout   string `toml:"stall_timeout"`
		EventBuffer    int    `toml:"event_buffer"`
		ReportProgress bool   `toml:"report_progress"`
	} `toml:"flow"`
}

// loadConfigFile overlays the keys present in the TOML file at path onto cfg.
func loadConfigFile(path string, cfg *appConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load flowctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warning("Ignoring unknown keys in %s: %v", path, undecoded)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("adapter_id") {
		cfg.AdapterID = raw.AdapterID
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("characteristics") {
		cfg.Characteristics = raw.Characteristics
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("command_timeout") {
		if cfg.CommandTimeout, err = parseDuration("command_timeout", raw.CommandTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = log.ParseLevel(raw.LogLevel); err != nil {
			return fmt.Errorf("load flowctl config: %w", err)
		}
	}
	if meta.IsDefined("simulate") {
		cfg.Simulate = raw.Simulate
	}
	if meta.IsDefined("flow", "ready_token") {
		cfg.Flow.ReadyToken = []byte(raw.Flow.ReadyToken)
	}
	if meta.IsDefined("flow", "stall_timeout") {
		if cfg.Flow.StallTimeout, err = parseDuration("flow.stall_timeout", raw.Flow.StallTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("flow", "event_buffer") {
		cfg.Flow.EventBuffer = raw.Flow.EventBuffer
	}
	if meta.IsDefined("flow", "report_progress") {
		cfg.Flow.ReportProgress = raw.Flow.ReportProgress
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("load flowctl config: invalid %s: %w", key, err)
	}
	return d, nil
}

// commandLine holds flag values before they are merged into appConfig.
type commandLine struct {
	configPath     string
	debug          bool
	address        string
	name           string
	adapterID      int
	service        string
	characteristic string
	connectTimeout time.Duration
	commandTimeout time.Duration
	chunkSize      int
	readyToken     string
	stallTimeout   time.Duration
	progress       bool
	simulate       bool
}

func (c *commandLine) register(fs *flag.FlagSet) {
	defaults := defaultAppConfig()
	fs.StringVar(&c.configPath, "config", "", "Load settings from TOML `file`; flags override file values")
	fs.BoolVar(&c.debug, "debug", false, "Enable verbose debugging messages")
	fs.StringVar(&c.address, "address", "", "Connect to the peripheral with this Bluetooth `address`")
	fs.StringVar(&c.name, "name", "", "Scan for a peripheral advertising this local `name`")
	fs.IntVar(&c.adapterID, "adapter", defaults.AdapterID, "HCI adapter `id`; -1 selects the default adapter")
	fs.StringVar(&c.service, "service", defaults.Service, "GATT service `UUID`")
	fs.StringVar(&c.characteristic, "characteristic", strings.Join(defaults.Characteristics, ","), "Comma-separated characteristic `UUIDs` to discover")
	fs.DurationVar(&c.connectTimeout, "connect-timeout", defaults.ConnectTimeout, "Set timeout for establishing the connection")
	fs.DurationVar(&c.commandTimeout, "timeout", defaults.CommandTimeout, "Set timeout for each command")
	fs.IntVar(&c.chunkSize, "chunk-size", 0, "Override the chunk size derived from the MTU")
	fs.StringVar(&c.readyToken, "ready-token", string(defaults.Flow.ReadyToken), "Notification value that releases the next chunk")
	fs.DurationVar(&c.stallTimeout, "stall-timeout", defaults.Flow.StallTimeout, "Give up on a transfer after this long without a ready token; 0 waits forever")
	fs.BoolVar(&c.progress, "progress", false, "Print an event for every chunk written")
	fs.BoolVar(&c.simulate, "sim", false, "Use an in-memory receiver instead of a Bluetooth peripheral")
}

// resolveConfig builds the effective configuration: defaults, then the config file, then every
// flag the user set explicitly, then FLOWCTL_VERBOSE.
func resolveConfig(fs *flag.FlagSet, c *commandLine, lookupEnv func(string) (string, bool)) (appConfig, error) {
	cfg := defaultAppConfig()
	if c.configPath != "" {
		if err := loadConfigFile(c.configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Address = c.address
		case "name":
			cfg.Name = c.name
		case "adapter":
			cfg.AdapterID = c.adapterID
		case "service":
			cfg.Service = c.service
		case "characteristic":
			cfg.Characteristics = splitList(c.characteristic)
		case "connect-timeout":
			cfg.ConnectTimeout = c.connectTimeout
		case "timeout":
			cfg.CommandTimeout = c.commandTimeout
		case "chunk-size":
			cfg.ChunkSize = c.chunkSize
		case "ready-token":
			cfg.Flow.ReadyToken = []byte(c.readyToken)
		case "stall-timeout":
			cfg.Flow.StallTimeout = c.stallTimeout
		case "progress":
			cfg.Flow.ReportProgress = c.progress
		case "sim":
			cfg.Simulate = c.simulate
		}
	})

	debug := c.debug
	if !debug {
		if debugEnv, ok := lookupEnv("FLOWCTL_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		cfg.LogLevel = log.LevelDebug
	}

	if err := cfg.Flow.Validate(); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize < 0 {
		return cfg, fmt.Errorf("invalid chunk size %d", cfg.ChunkSize)
	}
	if !cfg.Simulate && cfg.Address == "" && cfg.Name == "" {
		return cfg, ErrNoPeripheral
	}
	if len(cfg.Characteristics) == 0 {
		return cfg, errors.New("at least one characteristic is required")
	}
	return cfg, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
