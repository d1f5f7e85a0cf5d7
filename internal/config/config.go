package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// OandaStreamBaseURL is the oanda broker base streaming url.
	OandaStreamBaseURL = "https://stream-fxtrade.oanda.com/v3/"
	// OandaRESTBaseURL is the oanda broker base REST url.
	OandaRESTBaseURL = "https://api-fxtrade.oanda.com/v3/"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON config file.
type Config struct {
	Broker      string     `json:"broker"`
	Instruments []string   `json:"instruments"`
	Storages    []string   `json:"storages"`
	Retry       Retry      `json:"retry"`
	Connection  Connection `json:"connection"`
	TTL         TTL        `json:"ttl"`
	Movement    Movement   `json:"movement"`
	Control     Control    `json:"control"`
	Metrics     Metrics    `json:"metrics"`
	Log         Log        `json:"log"`
	SecretsFile string     `json:"secrets_file"`
}

// Retry contains config values for the stream retry process.
type Retry struct {
	Number    int `json:"number"`
	GapSec    int `json:"gap_sec"`
	MaxGapSec int `json:"max_gap_sec"`
	ResetSec  int `json:"reset_sec"`
}

// Connection contains config values for different API and storage connections.
type Connection struct {
	Stream   Stream   `json:"stream"`
	REST     REST     `json:"rest"`
	Redis    Redis    `json:"redis"`
	Terminal Terminal `json:"terminal"`
}

// Stream contains config values for the broker pricing stream connection.
type Stream struct {
	ConnTimeoutSec      int `json:"conn_timeout_sec"`
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec"`
}

// REST contains config values for REST API connection.
type REST struct {
	ReqTimeoutSec       int `json:"request_timeout_sec"`
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// Redis contains config values for redis.
type Redis struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	DB               int    `json:"db"`
	Password         string `json:"password"`
	ConnTimeoutSec   int    `json:"conn_timeout_sec"`
	ReqTimeoutSec    int    `json:"request_timeout_sec"`
	KeyPrefix        string `json:"key_prefix"`
	PriceCommitBuf   int    `json:"price_commit_buffer"`
	FlushIntervalMS  int    `json:"flush_interval_ms"`
	WriteRetries     int    `json:"write_retries"`
	WriteRetryGapMS  int    `json:"write_retry_gap_ms"`
	SweepIntervalSec int    `json:"sweep_interval_sec"`
	PurgeOnStart     bool   `json:"purge_on_start"`
}

// Terminal contains config values for terminal display.
type Terminal struct {
	PriceCommitBuf int `json:"price_commit_buffer"`
}

// TTL contains config values for stored price record lifetimes.
type TTL struct {
	PriceDataSec  int `json:"price_data"`
	PriceIndexSec int `json:"price_index"`
}

// Movement contains config values for the price movement tracker.
type Movement struct {
	Rows    int    `json:"rows"`
	Compare string `json:"compare"`
}

// Control contains config values for the runtime instrument command queue.
type Control struct {
	CommandList  string `json:"command_list"`
	ResponseList string `json:"response_list"`
}

// Metrics contains config values for the metrics endpoint.
type Metrics struct {
	Addr string `json:"addr"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}

// Load reads the JSON config file at the given path, applies defaults for
// missing values and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	cfgFile, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "not able to open config file: %v", path)
	}
	defer cfgFile.Close()
	if err = jsoniter.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "not able to parse JSON from config file: %v", path)
	}
	cfg.ApplyDefaults()
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the app defaults.
func (c *Config) ApplyDefaults() {
	if c.Broker == "" {
		c.Broker = "oanda"
	}
	if len(c.Instruments) == 0 {
		c.Instruments = []string{"USD_CAD"}
	}
	if len(c.Storages) == 0 {
		c.Storages = []string{"redis"}
	}
	if c.Retry.Number == 0 {
		c.Retry.Number = 10
	}
	if c.Retry.GapSec == 0 {
		c.Retry.GapSec = 2
	}
	if c.Retry.MaxGapSec == 0 {
		c.Retry.MaxGapSec = 60
	}
	if c.Retry.ResetSec == 0 {
		c.Retry.ResetSec = 300
	}
	if c.Connection.Stream.ConnTimeoutSec == 0 {
		c.Connection.Stream.ConnTimeoutSec = 30
	}
	if c.Connection.Stream.HeartbeatTimeoutSec == 0 {
		c.Connection.Stream.HeartbeatTimeoutSec = 15
	}
	if c.Connection.REST.ReqTimeoutSec == 0 {
		c.Connection.REST.ReqTimeoutSec = 30
	}
	if c.Connection.Redis.Host == "" {
		c.Connection.Redis.Host = "localhost"
	}
	if c.Connection.Redis.Port == 0 {
		c.Connection.Redis.Port = 6379
	}
	if c.Connection.Redis.ConnTimeoutSec == 0 {
		c.Connection.Redis.ConnTimeoutSec = 5
	}
	if c.Connection.Redis.ReqTimeoutSec == 0 {
		c.Connection.Redis.ReqTimeoutSec = 5
	}
	if c.Connection.Redis.KeyPrefix == "" {
		c.Connection.Redis.KeyPrefix = "prices:"
	}
	if c.Connection.Redis.PriceCommitBuf == 0 {
		c.Connection.Redis.PriceCommitBuf = 8
	}
	if c.Connection.Redis.FlushIntervalMS == 0 {
		c.Connection.Redis.FlushIntervalMS = 500
	}
	if c.Connection.Redis.WriteRetries == 0 {
		c.Connection.Redis.WriteRetries = 2
	}
	if c.Connection.Redis.WriteRetryGapMS == 0 {
		c.Connection.Redis.WriteRetryGapMS = 100
	}
	if c.Connection.Redis.SweepIntervalSec == 0 {
		c.Connection.Redis.SweepIntervalSec = 300
	}
	if c.Connection.Terminal.PriceCommitBuf == 0 {
		c.Connection.Terminal.PriceCommitBuf = 1
	}
	if c.TTL.PriceDataSec == 0 {
		c.TTL.PriceDataSec = 14400
	}
	if c.TTL.PriceIndexSec == 0 {
		c.TTL.PriceIndexSec = c.TTL.PriceDataSec
	}
	if c.Movement.Rows == 0 {
		c.Movement.Rows = 5000
	}
	if c.Movement.Compare == "" {
		c.Movement.Compare = "previous"
	}
	if c.Control.CommandList == "" {
		c.Control.CommandList = "price_streamer_commands"
	}
	if c.Control.ResponseList == "" {
		c.Control.ResponseList = "price_streamer_responses"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.FilePath == "" {
		c.Log.FilePath = "pricestream"
	}
	if c.SecretsFile == "" {
		c.SecretsFile = "./config/secrets.json"
	}
}

// Validate checks user defined config values which the app cannot run with.
func (c *Config) Validate() error {
	if c.Broker != "oanda" {
		return errors.Errorf("unsupported broker: %v", c.Broker)
	}
	var redisStr bool
	for _, str := range c.Storages {
		switch str {
		case "redis":
			redisStr = true
		case "terminal":
		default:
			return errors.Errorf("unknown storage: %v", str)
		}
	}
	if !redisStr {
		return errors.New("redis storage is required")
	}
	switch c.Movement.Compare {
	case "previous", "oldest":
	default:
		return errors.Errorf("movement compare should be previous or oldest, got: %v", c.Movement.Compare)
	}
	if c.TTL.PriceDataSec < 1 {
		return errors.New("price_data ttl should be greater than zero")
	}
	if c.TTL.PriceIndexSec < 1 {
		return errors.New("price_index ttl should be greater than zero")
	}
	if c.Movement.Rows < 1 {
		return errors.New("movement rows should be greater than zero")
	}
	return nil
}
