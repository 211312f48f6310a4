package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/john/chatmux/internal/logs"
)

var validate = validator.New()

// Config holds the application configuration
type Config struct {
	Log       logs.Options    `yaml:"log"`
	Twitch    TwitchConfig    `yaml:"twitch"`
	Kick      KickConfig      `yaml:"kick"`
	YouTube   YouTubeConfig   `yaml:"youtube"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Emotes    EmotesConfig    `yaml:"emotes"`
	S3        S3Config        `yaml:"s3"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Uploader  UploaderConfig  `yaml:"uploader"`
	Health    HealthConfig    `yaml:"health"`
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Username  string   `yaml:"username" validate:"required_with=OAuth"`
	OAuth     string   `yaml:"oauth"`
	Anonymous bool     `yaml:"anonymous"` // read-only guest login even when oauth is set
	Channels  []string `yaml:"channels" validate:"dive,required"`
	URL       string   `yaml:"url" validate:"omitempty,url"`
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	Token    string   `yaml:"token"` // public API bearer token, enables sending
	Channels []string `yaml:"channels" validate:"dive,required"`

	// Chatrooms pins slug -> chatroom id and skips the site lookup
	Chatrooms map[string]int `yaml:"chatrooms" validate:"dive,gt=0"`

	// Relay reads chat through kick-chat-wrapper instead of the gateway
	Relay bool `yaml:"relay"`

	SiteURL    string `yaml:"site_url" validate:"omitempty,url"`
	APIURL     string `yaml:"api_url" validate:"omitempty,url"`
	GatewayURL string `yaml:"gateway_url" validate:"omitempty,url"`
}

// YouTubeConfig holds YouTube Data API configuration
type YouTubeConfig struct {
	APIKey   string   `yaml:"api_key"`
	Token    string   `yaml:"token"` // OAuth access token, enables sending
	Videos   []string `yaml:"videos" validate:"dive,required"`
	Endpoint string   `yaml:"endpoint" validate:"omitempty,url"`
}

// ReconnectConfig bounds the reconnection backoff
type ReconnectConfig struct {
	Base time.Duration `yaml:"base" validate:"gte=0"`
	Cap  time.Duration `yaml:"cap" validate:"gte=0"`
}

// ReconcileConfig tunes echo matching and repeat suppression
type ReconcileConfig struct {
	HistorySize  int           `yaml:"history_size" validate:"gte=0"`
	EchoWindow   time.Duration `yaml:"echo_window" validate:"gte=0"`
	DedupWindow  time.Duration `yaml:"dedup_window"` // negative disables
	FanoutWindow time.Duration `yaml:"fanout_window" validate:"gte=0"`
}

// EmotesConfig configures the third-party emote catalog
type EmotesConfig struct {
	Disabled   bool          `yaml:"disabled"`
	SevenTVURL string        `yaml:"seventv_url" validate:"omitempty,url"`
	BTTVURL    string        `yaml:"bttv_url" validate:"omitempty,url"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// S3Config holds S3 upload configuration. Uploads are off when Bucket is
// empty.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region" validate:"required_with=Bucket"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"` // For S3-compatible services
}

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	OutputDir       string `yaml:"output_dir"`
	RotateMinutes   int    `yaml:"rotate_minutes" validate:"gte=0"`
	RotateMegabytes int    `yaml:"rotate_megabytes" validate:"gte=0"`
	BufferSize      int    `yaml:"buffer_size" validate:"gte=0"`
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	CheckIntervalSeconds int   `yaml:"check_interval_seconds" validate:"gte=0"`
	DeleteAfterUpload    *bool `yaml:"delete_after_upload"`
	MaxRetries           int   `yaml:"max_retries" validate:"gte=0"`
}

// HealthConfig holds the status server address
type HealthConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// envOverrides are read from the process environment after the file
type envOverrides struct {
	TwitchOAuth     string `env:"TWITCH_OAUTH"`
	KickToken       string `env:"KICK_TOKEN"`
	YouTubeAPIKey   string `env:"YOUTUBE_API_KEY"`
	YouTubeToken    string `env:"YOUTUBE_TOKEN"`
	RoleARN         string `env:"AWS_ROLE_ARN"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	LogLevel        string `env:"CHATMUX_LOG_LEVEL"`
	HealthAddr      string `env:"CHATMUX_HEALTH_ADDR"`
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Twitch.OAuth, o.TwitchOAuth)
	set(&c.Kick.Token, o.KickToken)
	set(&c.YouTube.APIKey, o.YouTubeAPIKey)
	set(&c.YouTube.Token, o.YouTubeToken)
	set(&c.S3.RoleARN, o.RoleARN)
	set(&c.S3.AccessKeyID, o.AccessKeyID)
	set(&c.S3.SecretAccessKey, o.SecretAccessKey)
	set(&c.Log.Level, o.LogLevel)
	set(&c.Health.Addr, o.HealthAddr)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = 100
	}
	if c.Recorder.RotateMinutes == 0 {
		c.Recorder.RotateMinutes = 60
	}
	if c.Recorder.RotateMegabytes == 0 {
		c.Recorder.RotateMegabytes = 100
	}
	if c.Recorder.OutputDir == "" {
		c.Recorder.OutputDir = "./data"
	}
	if c.Uploader.CheckIntervalSeconds == 0 {
		c.Uploader.CheckIntervalSeconds = 60
	}
	if c.Uploader.MaxRetries == 0 {
		c.Uploader.MaxRetries = 3
	}
	if c.Uploader.DeleteAfterUpload == nil {
		yes := true
		c.Uploader.DeleteAfterUpload = &yes
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
	c.Twitch.Channels = normalizeChannels(c.Twitch.Channels, "#")
	c.Kick.Channels = normalizeChannels(c.Kick.Channels, "")
}

// Validate checks struct tags and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Twitch.Channels)+len(c.Kick.Channels)+len(c.YouTube.Videos) == 0 {
		return errors.New("at least one twitch channel, kick channel or youtube video is required")
	}
	if len(c.YouTube.Videos) > 0 && c.YouTube.APIKey == "" && c.YouTube.Token == "" {
		return errors.New("youtube.api_key or youtube.token is required (or set YOUTUBE_API_KEY)")
	}
	// Either OIDC role or static credentials required
	if c.S3.Bucket != "" && c.S3.RoleARN == "" && c.S3.AccessKeyID == "" {
		return errors.New("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
	}
	return nil
}

// UploadEnabled reports whether transcripts are archived to S3
func (c *Config) UploadEnabled() bool {
	return c.S3.Bucket != ""
}

func normalizeChannels(in []string, prefix string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, ch := range in {
		ch = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ch), prefix)))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
