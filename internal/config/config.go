package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	PairInfo    PairInfoConfig    `yaml:"pair_info"`
	Feed        FeedConfig        `yaml:"feed"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Watch       WatchConfig       `yaml:"watch"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Timescale   TimescaleConfig   `yaml:"timescale"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerConfig struct {
	RPCURL            string          `yaml:"rpc_url"`
	Timeout           time.Duration   `yaml:"timeout"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	Concurrency       int             `yaml:"concurrency"`
	Contracts         ContractsConfig `yaml:"contracts"`
}

// ContractsConfig holds the protocol contract addresses as hex strings.
type ContractsConfig struct {
	PairStorage    string `yaml:"pair_storage"`
	TradingStorage string `yaml:"trading_storage"`
	PairInfos      string `yaml:"pair_infos"`
	Referral       string `yaml:"referral"`
}

type PairInfoConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type FeedConfig struct {
	WSURL        string        `yaml:"ws_url"`
	HTTPURL      string        `yaml:"http_url"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AggregationConfig struct {
	// BlendAssetWeight is the share of the asset-level figure in blended
	// utilization and skew; the category-level figure gets the rest.
	BlendAssetWeight *float64 `yaml:"blend_asset_weight"`
	RefreshRegistry  bool     `yaml:"refresh_registry"`
}

func (a AggregationConfig) AssetWeight() float64 {
	if a.BlendAssetWeight == nil {
		return DefaultBlendAssetWeight
	}
	return *a.BlendAssetWeight
}

type WatchConfig struct {
	Pairs            []string      `yaml:"pairs"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const DefaultBlendAssetWeight = 0.5

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LEDGER_RPC_URL")); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Ledger.Timeout == 0 {
		cfg.Ledger.Timeout = 10 * time.Second
	}
	if cfg.Ledger.RequestsPerSecond == 0 {
		cfg.Ledger.RequestsPerSecond = 25
	}
	if cfg.Ledger.Burst == 0 {
		cfg.Ledger.Burst = 10
	}
	if cfg.Ledger.Concurrency == 0 {
		cfg.Ledger.Concurrency = 8
	}
	if cfg.PairInfo.Timeout == 0 {
		cfg.PairInfo.Timeout = 10 * time.Second
	}
	if cfg.Feed.WSURL == "" {
		cfg.Feed.WSURL = "wss://hermes.pyth.network/ws"
	}
	if cfg.Feed.HTTPURL == "" {
		cfg.Feed.HTTPURL = deriveHTTPURL(cfg.Feed.WSURL)
	}
	if cfg.Feed.BaseDelay == 0 {
		cfg.Feed.BaseDelay = time.Second
	}
	if cfg.Feed.MaxAttempts == 0 {
		cfg.Feed.MaxAttempts = 5
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Feed.Timeout == 0 {
		cfg.Feed.Timeout = 10 * time.Second
	}
	if cfg.Watch.SnapshotInterval == 0 {
		cfg.Watch.SnapshotInterval = time.Minute
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

// deriveHTTPURL maps a websocket endpoint onto its REST counterpart.
func deriveHTTPURL(wsURL string) string {
	url := strings.TrimSuffix(strings.TrimRight(wsURL, "/"), "/ws")
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimPrefix(url, "ws://")
	default:
		return url
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return errors.New("ledger.rpc_url is required")
	}
	contracts := map[string]string{
		"pair_storage":    cfg.Ledger.Contracts.PairStorage,
		"trading_storage": cfg.Ledger.Contracts.TradingStorage,
		"pair_infos":      cfg.Ledger.Contracts.PairInfos,
		"referral":        cfg.Ledger.Contracts.Referral,
	}
	for name, addr := range contracts {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return fmt.Errorf("ledger.contracts.%s must be a hex address", name)
		}
	}
	if cfg.Ledger.Concurrency < 0 {
		return errors.New("ledger.concurrency must be >= 0")
	}
	if cfg.PairInfo.Enabled && strings.TrimSpace(cfg.PairInfo.BaseURL) == "" {
		return errors.New("pair_info.base_url is required when pair_info is enabled")
	}
	if w := cfg.Aggregation.AssetWeight(); w < 0 || w > 1 {
		return errors.New("aggregation.blend_asset_weight must be within [0, 1]")
	}
	if cfg.Feed.MaxAttempts < 0 {
		return errors.New("feed.max_attempts must be > 0")
	}
	if cfg.Feed.BaseDelay < 0 {
		return errors.New("feed.base_delay must be > 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
