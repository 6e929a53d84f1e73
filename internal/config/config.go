// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/ipwatch/internal/analysis"
)

// APIKeyEnv holds the shared agent/server bearer key
const APIKeyEnv = "IPWATCH_API_KEY"

// AgentConfig for the log-shipping agent
type AgentConfig struct {
	ServerURL     string        `yaml:"server_url"`
	LogFile       string        `yaml:"log_file"`
	MonitoredIP   string        `yaml:"monitored_ip"`
	StateFile     string        `yaml:"state_file"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	LogLevel      string        `yaml:"log_level"`
	APIKey        string        `yaml:"-"` // from env only
}

// LLMEndpoint represents one LLM provider in the fallback chain
type LLMEndpoint struct {
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var name for API key
	APIKey    string `yaml:"-"`           // resolved at load time
}

// EnrichmentConfig configures the GeoIP, AbuseIPDB and Shodan sources
type EnrichmentConfig struct {
	GeoIPURL        string        `yaml:"geoip_url"`
	AbuseIPDBKeyEnv string        `yaml:"abuseipdb_key_env"`
	ShodanKeyEnv    string        `yaml:"shodan_key_env"`
	Timeout         time.Duration `yaml:"timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheSize       int           `yaml:"cache_size"`
	AbuseIPDBKey    string        `yaml:"-"`
	ShodanKey       string        `yaml:"-"`
}

// ServerConfig for the central ipwatch server
type ServerConfig struct {
	ListenAddr      string              `yaml:"listen_addr"`
	DBPath          string              `yaml:"db_path"`
	MaxPayloadBytes int64               `yaml:"max_payload_bytes"`
	TLSCert         string              `yaml:"tls_cert"`
	TLSKey          string              `yaml:"tls_key"`
	Debounce        time.Duration       `yaml:"debounce"`
	HistoryCap      int                 `yaml:"history_cap"`
	BlockThreshold  int                 `yaml:"block_threshold"`
	QueueSize       int                 `yaml:"queue_size"`
	AnalysisTimeout time.Duration       `yaml:"analysis_timeout"`
	RiskLevels      analysis.Thresholds `yaml:"risk_levels"`
	LLMEndpoints    []LLMEndpoint       `yaml:"llm_endpoints"` // fallback chain
	LLMTimeout      time.Duration       `yaml:"llm_timeout"`
	Enrichment      EnrichmentConfig    `yaml:"enrichment"`
	NATSURL         string              `yaml:"nats_url"`
	NATSSubject     string              `yaml:"nats_subject"`
	MetricsPath     string              `yaml:"metrics_path"`
	LogLevel        string              `yaml:"log_level"`
	APIKey          string              `yaml:"-"` // agent auth, from env
}

// LoadAgentConfig loads agent config from YAML file with env overrides
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Env overrides
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.APIKey = key
	}
	if ip := os.Getenv("IPWATCH_MONITORED_IP"); ip != "" {
		cfg.MonitoredIP = ip
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.StateFile == "" {
		c.StateFile = "/var/lib/ipwatch/agent.offset"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *AgentConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.LogFile == "" {
		return fmt.Errorf("log_file is required")
	}
	if c.MonitoredIP == "" {
		return fmt.Errorf("monitored_ip is required")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// LoadServerConfig loads server config from YAML file with env overrides
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Env overrides
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv("IPWATCH_NATS_URL"); url != "" {
		cfg.NATSURL = url
	}

	// Resolve API keys for each LLM endpoint from env vars
	for i := range cfg.LLMEndpoints {
		if cfg.LLMEndpoints[i].APIKeyEnv != "" {
			cfg.LLMEndpoints[i].APIKey = os.Getenv(cfg.LLMEndpoints[i].APIKeyEnv)
		}
	}
	if env := cfg.Enrichment.AbuseIPDBKeyEnv; env != "" {
		cfg.Enrichment.AbuseIPDBKey = os.Getenv(env)
	}
	if env := cfg.Enrichment.ShodanKeyEnv; env != "" {
		cfg.Enrichment.ShodanKey = os.Getenv(env)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.DBPath == "" {
		c.DBPath = "/var/lib/ipwatch/ipwatch.db"
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.Debounce == 0 {
		c.Debounce = 10 * time.Second
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = 200
	}
	if c.BlockThreshold == 0 {
		c.BlockThreshold = analysis.DefaultBlockThreshold
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.AnalysisTimeout == 0 {
		c.AnalysisTimeout = 90 * time.Second
	}
	if c.RiskLevels == (analysis.Thresholds{}) {
		c.RiskLevels = analysis.DefaultThresholds()
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.Enrichment.GeoIPURL == "" {
		c.Enrichment.GeoIPURL = "http://ip-api.com/json"
	}
	if c.Enrichment.Timeout == 0 {
		c.Enrichment.Timeout = 5 * time.Second
	}
	if c.Enrichment.CacheTTL == 0 {
		c.Enrichment.CacheTTL = time.Hour
	}
	if c.Enrichment.CacheSize == 0 {
		c.Enrichment.CacheSize = 4096
	}
	if c.NATSSubject == "" {
		c.NATSSubject = "ipwatch.risk"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *ServerConfig) validate() error {
	durations := map[string]time.Duration{
		"debounce":             c.Debounce,
		"analysis_timeout":     c.AnalysisTimeout,
		"llm_timeout":          c.LLMTimeout,
		"enrichment.timeout":   c.Enrichment.Timeout,
		"enrichment.cache_ttl": c.Enrichment.CacheTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HistoryCap < 1 {
		return fmt.Errorf("history_cap must be at least 1")
	}
	if c.BlockThreshold < analysis.MinScore || c.BlockThreshold > analysis.MaxScore {
		return fmt.Errorf("block_threshold must be within [0,100]")
	}
	lv := c.RiskLevels
	if !(lv.Medium <= lv.High && lv.High <= lv.Critical) {
		return fmt.Errorf("risk_levels must satisfy medium <= high <= critical")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	for i, ep := range c.LLMEndpoints {
		if ep.URL == "" {
			return fmt.Errorf("llm_endpoints[%d]: url is required", i)
		}
	}
	return nil
}
