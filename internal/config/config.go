package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/mconf/mcs-core/internal/domain"
)

// HostEntry is one configured media-server pool member.
type HostEntry struct {
	URL       string `mapstructure:"url"`
	IP        string `mapstructure:"ip"`
	MediaType string `mapstructure:"media_type"`
}

// BalancerConfig selects the host placement strategy and its limits.
type BalancerConfig struct {
	Strategy          string         `mapstructure:"strategy"`
	Retries           int            `mapstructure:"retries"`
	RetryDelay        time.Duration  `mapstructure:"retry_delay"`
	FailoverTimeout   time.Duration  `mapstructure:"failover_timeout"`
	ReconnectInterval time.Duration  `mapstructure:"reconnect_interval"`
	AllowMixing       bool           `mapstructure:"allow_mixing"`
	Ceilings          map[string]int `mapstructure:"ceilings"`
}

// KurentoConfig is the Kurento-style backend pool.
type KurentoConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Hosts   []HostEntry `mapstructure:"hosts"`
}

// FreeswitchConfig is the FreeSWITCH backend: ESL control plus the SIP leg.
type FreeswitchConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Hosts         []HostEntry   `mapstructure:"hosts"`
	Password      string        `mapstructure:"password"`
	SIPPort       int           `mapstructure:"sip_port"`
	Hostname      string        `mapstructure:"hostname"`
	UserAgent     string        `mapstructure:"user_agent"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// MediasoupConfig drives the local worker pool.
type MediasoupConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	WorkerBin   string `mapstructure:"worker_bin"`
	WorkerCount int    `mapstructure:"worker_count"`
	LogLevel    string `mapstructure:"log_level"`
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	RTPPortMin  int    `mapstructure:"rtp_port_min"`
	RTPPortMax  int    `mapstructure:"rtp_port_max"`

	RecorderBin      string        `mapstructure:"recorder_bin"`
	RecorderListenIP string        `mapstructure:"recorder_listen_ip"`
	KeyframeInterval time.Duration `mapstructure:"keyframe_interval"`
}

// ThresholdConfig bounds per-room and per-user resource usage. Zero means
// unlimited.
type ThresholdConfig struct {
	MaxMediasPerRoom   int           `mapstructure:"max_medias_per_room"`
	MaxSessionsPerUser int           `mapstructure:"max_sessions_per_user"`
	EjectGrace         time.Duration `mapstructure:"eject_grace"`
}

// RecordingConfig maps recording profiles to container formats.
type RecordingConfig struct {
	Formats map[string]string `mapstructure:"formats"`
}

// RateLimitConfig throttles inbound signaling requests per client.
type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	DefaultAdapter           string            `mapstructure:"default_adapter"`
	Strategies               []string          `mapstructure:"strategies"`
	MediaSpecs               domain.MediaSpecs `mapstructure:"media_specs"`
	HeaderExtensionAllowlist []string          `mapstructure:"header_extension_allowlist"`

	Thresholds ThresholdConfig  `mapstructure:"thresholds"`
	Balancer   BalancerConfig   `mapstructure:"balancer"`
	Kurento    KurentoConfig    `mapstructure:"kurento"`
	Freeswitch FreeswitchConfig `mapstructure:"freeswitch"`
	Mediasoup  MediasoupConfig  `mapstructure:"mediasoup"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("default_adapter", "mediasoup")
	v.SetDefault("strategies", []string{})
	v.SetDefault("thresholds.max_medias_per_room", 0)
	v.SetDefault("thresholds.max_sessions_per_user", 0)
	v.SetDefault("thresholds.eject_grace", "30s")
	v.SetDefault("balancer.strategy", "round-robin")
	v.SetDefault("mediasoup.worker_count", 0)
	v.SetDefault("mediasoup.rtp_port_min", 40000)
	v.SetDefault("mediasoup.rtp_port_max", 49999)
	v.SetDefault("recording.formats", map[string]string{
		"main":    "webm",
		"audio":   "ogg",
		"content": "webm",
	})
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).
			Msg("config file not found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
