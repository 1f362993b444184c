package server

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dhhagan/go-opc/internal/transport"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	Sensor  SensorConfig  `yaml:"sensor" json:"sensor"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

// SensorConfig selects and configures the transfer channel to the device.
type SensorConfig struct {
	// Transport is "spi", "usbiss" or "sim".
	Transport string `yaml:"transport" json:"transport"`

	SPI    transport.SPIConfig    `yaml:"spi" json:"spi"`
	USBISS transport.USBISSConfig `yaml:"usbiss" json:"usbiss"`
	Sim    transport.SimConfig    `yaml:"sim" json:"sim"`

	// PollMs is the interval between histogram reads. Each read resets the
	// device's bin accumulation, so this is also the sampling period.
	PollMs int `yaml:"poll_ms" json:"pollMs"`

	// NumberConcentration reports bins as particles/ml instead of raw
	// counts. Modern firmwares only.
	NumberConcentration bool `yaml:"number_concentration" json:"numberConcentration"`

	// Debug logs every byte moved over the channel.
	Debug bool `yaml:"debug" json:"debug"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log rows
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sensor: SensorConfig{
			Transport: "sim",
			SPI: transport.SPIConfig{
				Port: "SPI0.0",
			},
			USBISS: transport.USBISSConfig{
				Port:    "/dev/ttyACM0",
				SPIMode: 1,
				Divisor: 11,
			},
			PollMs: 2000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/opcdash",
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OPC_TRANSPORT, OPC_SPI_PORT, OPC_SPI_HZ, OPC_USBISS_PORT,
// OPC_POLL_MS, OPC_NUMBER_CONC, OPC_DEBUG, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPC_TRANSPORT"); v != "" {
		c.Sensor.Transport = v
	}
	if v := os.Getenv("OPC_SPI_PORT"); v != "" {
		c.Sensor.SPI.Port = v
	}
	if v := os.Getenv("OPC_SPI_HZ"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sensor.SPI.SpeedHz = n
		}
	}
	if v := os.Getenv("OPC_USBISS_PORT"); v != "" {
		c.Sensor.USBISS.Port = v
	}
	if v := os.Getenv("OPC_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sensor.PollMs = n
		}
	}
	if v := os.Getenv("OPC_NUMBER_CONC"); v != "" {
		c.Sensor.NumberConcentration = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("OPC_DEBUG"); v != "" {
		c.Sensor.Debug = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
