// Package config provides configuration management for the miner firmware.
// Values come from compiled-in defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
// Wi-Fi credentials are normally injected at build time:
//
//	go build -ldflags "-X github.com/bardlex/gompminer/internal/config.buildSSID=... \
//	                   -X github.com/bardlex/gompminer/internal/config.buildPassword=..."
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

// Set with -ldflags -X at build time.
var (
	buildSSID     string
	buildPassword string
)

// Board variants and their default VCore targets in volts.
const (
	VariantMax   = "max"
	VariantUltra = "ultra"
)

var variantTargets = map[string]float32{
	VariantMax:   1.4,
	VariantUltra: 1.2,
}

// Config holds the firmware configuration
type Config struct {
	// Service identification
	ServiceName string `yaml:"service_name"`
	Version     string `yaml:"version"`
	DeviceID    string `yaml:"device_id"`

	// Pool session
	PoolAddr              string  `yaml:"pool_addr"`
	PoolNetwork           string  `yaml:"pool_network"`
	ClientName            string  `yaml:"client_name"`
	WorkerUser            string  `yaml:"worker_user"`
	WorkerPassword        string  `yaml:"worker_password"`
	VersionRollingMask    uint32  `yaml:"version_rolling_mask"`
	VersionRollingMinBits uint32  `yaml:"version_rolling_min_bits"`
	MinimumDifficulty     float64 `yaml:"minimum_difficulty"`

	// Session timing
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PollWindow           time.Duration `yaml:"poll_window"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	SubmitInterval       time.Duration `yaml:"submit_interval"`
	GateRetryDelay       time.Duration `yaml:"gate_retry_delay"`
	DecodeErrorThreshold int           `yaml:"decode_error_threshold"`

	// Wireless link
	WiFiSSID         string        `yaml:"wifi_ssid"`
	WiFiPassword     string        `yaml:"wifi_password"`
	WiFiInterface    string        `yaml:"wifi_interface"`
	WPACtrlDir       string        `yaml:"wpa_ctrl_dir"`
	LinkBackoff      time.Duration `yaml:"link_backoff"`
	LinkPollInterval time.Duration `yaml:"link_poll_interval"`

	// Power
	BoardVariant      string        `yaml:"board_variant"`
	VCoreTarget       float32       `yaml:"vcore_target"`
	RegulatorInterval time.Duration `yaml:"regulator_interval"`
	I2CBus            string        `yaml:"i2c_bus"`
	DS4432Addr        uint16        `yaml:"ds4432_addr"`
	DS4432RFS         uint32        `yaml:"ds4432_rfs"`
	INA260Addr        uint16        `yaml:"ina260_addr"`

	// Telemetry
	InfluxURL    string        `yaml:"influx_url"`
	InfluxToken  string        `yaml:"influx_token"`
	InfluxOrg    string        `yaml:"influx_org"`
	InfluxBucket string        `yaml:"influx_bucket"`
	RedisAddr    string        `yaml:"redis_addr"`
	StatusTTL    time.Duration `yaml:"status_ttl"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	PostgresURL  string        `yaml:"postgres_url"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the compiled-in configuration
func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		ServiceName: "gompminer",
		Version:     "dev",
		DeviceID:    hostname,

		PoolAddr:              "68.235.52.36:21496", // public-pool
		PoolNetwork:           "mainnet",
		ClientName:            "esp-miner-rs",
		WorkerUser:            "1HLQGxzAQWnLore3fWHc2W8UP1CgMv1GKQ.miner1",
		WorkerPassword:        "x",
		VersionRollingMask:    0x1fffe000,
		VersionRollingMinBits: 16,
		MinimumDifficulty:     256,

		ConnectTimeout:       5 * time.Second,
		ReconnectDelay:       1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		PollWindow:           250 * time.Millisecond,
		WriteTimeout:         10 * time.Second,
		SubmitInterval:       2 * time.Second,
		GateRetryDelay:       500 * time.Millisecond,
		DecodeErrorThreshold: 5,

		WiFiSSID:         buildSSID,
		WiFiPassword:     buildPassword,
		WiFiInterface:    "wlan0",
		WPACtrlDir:       "/var/run/wpa_supplicant",
		LinkBackoff:      5 * time.Second,
		LinkPollInterval: 500 * time.Millisecond,

		BoardVariant:      VariantMax,
		RegulatorInterval: 1 * time.Second,
		DS4432Addr:        0x48,
		DS4432RFS:         80_000, // RFS0 on Max/Ultra; RFS1 not populated
		INA260Addr:        0x40,

		InfluxOrg:    "gomp",
		InfluxBucket: "miners",
		StatusTTL:    30 * time.Second,
		KafkaTopic:   "miner.telemetry",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.VCoreTarget == 0 {
		cfg.VCoreTarget = variantTargets[strings.ToLower(cfg.BoardVariant)]
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.DeviceID = getEnv("DEVICE_ID", c.DeviceID)

	c.PoolAddr = getEnv("POOL_ADDR", c.PoolAddr)
	c.PoolNetwork = getEnv("POOL_NETWORK", c.PoolNetwork)
	c.ClientName = getEnv("CLIENT_NAME", c.ClientName)
	c.WorkerUser = getEnv("WORKER_USER", c.WorkerUser)
	c.WorkerPassword = getEnv("WORKER_PASSWORD", c.WorkerPassword)
	c.VersionRollingMask = getEnvHex32("VERSION_ROLLING_MASK", c.VersionRollingMask)
	c.VersionRollingMinBits = uint32(getEnvInt("VERSION_ROLLING_MIN_BITS", int(c.VersionRollingMinBits)))
	c.MinimumDifficulty = getEnvFloat("MIN_DIFFICULTY", c.MinimumDifficulty)

	c.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", c.ReconnectDelay)
	c.ReconnectMaxDelay = getEnvDuration("RECONNECT_MAX_DELAY", c.ReconnectMaxDelay)
	c.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.PollWindow = getEnvDuration("POLL_WINDOW", c.PollWindow)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.SubmitInterval = getEnvDuration("SUBMIT_INTERVAL", c.SubmitInterval)
	c.GateRetryDelay = getEnvDuration("GATE_RETRY_DELAY", c.GateRetryDelay)
	c.DecodeErrorThreshold = getEnvInt("DECODE_ERROR_THRESHOLD", c.DecodeErrorThreshold)

	c.WiFiSSID = getEnv("WIFI_SSID", c.WiFiSSID)
	c.WiFiPassword = getEnv("WIFI_PASSWORD", c.WiFiPassword)
	c.WiFiInterface = getEnv("WIFI_INTERFACE", c.WiFiInterface)
	c.WPACtrlDir = getEnv("WPA_CTRL_DIR", c.WPACtrlDir)
	c.LinkBackoff = getEnvDuration("LINK_BACKOFF", c.LinkBackoff)
	c.LinkPollInterval = getEnvDuration("LINK_POLL_INTERVAL", c.LinkPollInterval)

	c.BoardVariant = getEnv("BOARD_VARIANT", c.BoardVariant)
	c.VCoreTarget = float32(getEnvFloat("VCORE_TARGET", float64(c.VCoreTarget)))
	c.RegulatorInterval = getEnvDuration("REGULATOR_INTERVAL", c.RegulatorInterval)
	c.I2CBus = getEnv("I2C_BUS", c.I2CBus)
	c.DS4432Addr = uint16(getEnvInt("DS4432_ADDR", int(c.DS4432Addr)))
	c.DS4432RFS = uint32(getEnvInt("DS4432_RFS", int(c.DS4432RFS)))
	c.INA260Addr = uint16(getEnvInt("INA260_ADDR", int(c.INA260Addr)))

	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.StatusTTL = getEnvDuration("STATUS_TTL", c.StatusTTL)
	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// ChainParams returns the network parameters the payout address is checked against
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.PoolNetwork) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("POOL_NETWORK %q is not a known network", c.PoolNetwork)
	}
}

// PayoutAddress returns the worker user up to the first '.'
func (c *Config) PayoutAddress() string {
	addr, _, _ := strings.Cut(c.WorkerUser, ".")
	return addr
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	ap, err := netip.ParseAddrPort(c.PoolAddr)
	if err != nil {
		return fmt.Errorf("POOL_ADDR must be a literal ip:port: %w", err)
	}
	if !ap.Addr().Is4() || ap.Port() == 0 {
		return fmt.Errorf("POOL_ADDR must be an IPv4 address with a non-zero port")
	}

	if c.ClientName == "" {
		return fmt.Errorf("CLIENT_NAME cannot be empty")
	}

	params, err := c.ChainParams()
	if err != nil {
		return err
	}
	addr, err := btcutil.DecodeAddress(c.PayoutAddress(), params)
	if err != nil {
		return fmt.Errorf("WORKER_USER payout address is invalid: %w", err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("WORKER_USER payout address is not for %s", params.Name)
	}

	if c.VersionRollingMinBits > 32 {
		return fmt.Errorf("VERSION_ROLLING_MIN_BITS must be at most 32")
	}
	if c.MinimumDifficulty < 0 {
		return fmt.Errorf("MIN_DIFFICULTY cannot be negative")
	}

	timings := []struct {
		key   string
		value time.Duration
	}{
		{"CONNECT_TIMEOUT", c.ConnectTimeout},
		{"RECONNECT_DELAY", c.ReconnectDelay},
		{"HANDSHAKE_TIMEOUT", c.HandshakeTimeout},
		{"POLL_WINDOW", c.PollWindow},
		{"WRITE_TIMEOUT", c.WriteTimeout},
		{"SUBMIT_INTERVAL", c.SubmitInterval},
		{"GATE_RETRY_DELAY", c.GateRetryDelay},
		{"LINK_BACKOFF", c.LinkBackoff},
		{"LINK_POLL_INTERVAL", c.LinkPollInterval},
		{"REGULATOR_INTERVAL", c.RegulatorInterval},
	}
	for _, d := range timings {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be at least RECONNECT_DELAY")
	}
	if c.DecodeErrorThreshold <= 0 {
		return fmt.Errorf("DECODE_ERROR_THRESHOLD must be positive")
	}

	if _, ok := variantTargets[strings.ToLower(c.BoardVariant)]; !ok {
		return fmt.Errorf("BOARD_VARIANT must be %q or %q", VariantMax, VariantUltra)
	}
	// Below the TPS40305 feedback reference the DAC cannot regulate at all.
	if c.VCoreTarget <= 0.6 || c.VCoreTarget >= 1.6 {
		return fmt.Errorf("VCORE_TARGET must be between 0.6V and 1.6V")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 0, 64); err == nil {
			return int(parsed)
		}
	}
	return defaultValue
}

func getEnvHex32(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		value = strings.TrimPrefix(strings.ToLower(value), "0x")
		if parsed, err := strconv.ParseUint(value, 16, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
