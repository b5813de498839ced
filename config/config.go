package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. FORMFETCH_SPEECH_API_KEY
const EnvPrefix = "FORMFETCH"

// Config represents the application configuration
type Config struct {
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Identity  IdentityConfig  `yaml:"identity" mapstructure:"identity"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Form      FormConfig      `yaml:"form" mapstructure:"form"`
	Stealth   StealthConfig   `yaml:"stealth" mapstructure:"stealth"`
	Challenge ChallengeConfig `yaml:"challenge" mapstructure:"challenge"`
	Speech    SpeechConfig    `yaml:"speech" mapstructure:"speech"`
	Audio     AudioConfig     `yaml:"audio" mapstructure:"audio"`
	Limits    LimitsConfig    `yaml:"limits" mapstructure:"limits"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Headless     bool          `yaml:"headless" mapstructure:"headless"`
	Path         string        `yaml:"path" mapstructure:"path"`
	UserDataDir  string        `yaml:"user_data_dir" mapstructure:"user_data_dir"`
	ImplicitWait time.Duration `yaml:"implicit_wait" mapstructure:"implicit_wait"`
}

// IdentityConfig points at the rotation lists
type IdentityConfig struct {
	UserAgentsFile string `yaml:"user_agents_file" mapstructure:"user_agents_file"`
	ProxiesFile    string `yaml:"proxies_file" mapstructure:"proxies_file"`
	UseUserAgent   bool   `yaml:"use_user_agent" mapstructure:"use_user_agent"`
	UseProxy       bool   `yaml:"use_proxy" mapstructure:"use_proxy"`
}

type SessionConfig struct {
	RotateUserAgentOnReset bool `yaml:"rotate_user_agent_on_reset" mapstructure:"rotate_user_agent_on_reset"`
	// ChangeProxyOnRetry switches proxy on the live browser before falling back to a full reset
	ChangeProxyOnRetry     bool `yaml:"change_proxy_on_retry" mapstructure:"change_proxy_on_retry"`
}

type FetchConfig struct {
	MaxRetry     int           `yaml:"max_retry" mapstructure:"max_retry"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

type FormConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout" mapstructure:"check_timeout"`
}

// StealthConfig contains pacing and fingerprint settings
type StealthConfig struct {
	Enabled     bool              `yaml:"enabled" mapstructure:"enabled"`
	MinOffset   float64           `yaml:"min_offset" mapstructure:"min_offset"`
	MaxOffset   float64           `yaml:"max_offset" mapstructure:"max_offset"`
	Timing      TimingConfig      `yaml:"timing" mapstructure:"timing"`
	Fingerprint FingerprintConfig `yaml:"fingerprint" mapstructure:"fingerprint"`
}

// TimingConfig bounds each randomized pause
type TimingConfig struct {
	NavigateMin  time.Duration `yaml:"navigate_min" mapstructure:"navigate_min"`
	NavigateMax  time.Duration `yaml:"navigate_max" mapstructure:"navigate_max"`
	FieldMin     time.Duration `yaml:"field_min" mapstructure:"field_min"`
	FieldMax     time.Duration `yaml:"field_max" mapstructure:"field_max"`
	PointerMin   time.Duration `yaml:"pointer_min" mapstructure:"pointer_min"`
	PointerMax   time.Duration `yaml:"pointer_max" mapstructure:"pointer_max"`
	ChallengeMin time.Duration `yaml:"challenge_min" mapstructure:"challenge_min"`
	ChallengeMax time.Duration `yaml:"challenge_max" mapstructure:"challenge_max"`
	Settle       time.Duration `yaml:"settle" mapstructure:"settle"`
}

// FingerprintConfig for browser fingerprint masking
type FingerprintConfig struct {
	RandomViewport    bool `yaml:"random_viewport" mapstructure:"random_viewport"`
	MinViewportWidth  int  `yaml:"min_viewport_width" mapstructure:"min_viewport_width"`
	MaxViewportWidth  int  `yaml:"max_viewport_width" mapstructure:"max_viewport_width"`
	MinViewportHeight int  `yaml:"min_viewport_height" mapstructure:"min_viewport_height"`
	MaxViewportHeight int  `yaml:"max_viewport_height" mapstructure:"max_viewport_height"`
}

type ChallengeConfig struct {
	SearchAttempts   int `yaml:"search_attempts" mapstructure:"search_attempts"`
	MaxAudioAttempts int `yaml:"max_audio_attempts" mapstructure:"max_audio_attempts"`
}

type SpeechConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	Language string `yaml:"language" mapstructure:"language"`
}

type AudioConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	SampleRate int    `yaml:"sample_rate" mapstructure:"sample_rate"`
	// Timeout bounds one clip download, in seconds
	Timeout int `yaml:"timeout" mapstructure:"timeout"`
}

// LimitsConfig contains per-host pacing settings
type LimitsConfig struct {
	MinDelay       time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	HourlyFetches  int           `yaml:"hourly_fetches" mapstructure:"hourly_fetches"`
	DailyFetches   int           `yaml:"daily_fetches" mapstructure:"daily_fetches"`
	BurstLimit     int           `yaml:"burst_limit" mapstructure:"burst_limit"`
	BurstWindow    time.Duration `yaml:"burst_window" mapstructure:"burst_window"`
	RandomizeDelay bool          `yaml:"randomize_delay" mapstructure:"randomize_delay"`
	JitterPercent  float64       `yaml:"jitter_percent" mapstructure:"jitter_percent"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	Output     string `yaml:"output" mapstructure:"output"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
}

// LoadConfig loads configuration from file, .env and environment variables.
// A missing file is created with the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := createDefaultConfig(v, configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.implicit_wait", "3s")

	v.SetDefault("identity.user_agents_file", "./data/user_agents.txt")
	v.SetDefault("identity.proxies_file", "./data/proxies.txt")
	v.SetDefault("identity.use_user_agent", true)
	v.SetDefault("identity.use_proxy", true)

	v.SetDefault("session.rotate_user_agent_on_reset", true)
	v.SetDefault("session.change_proxy_on_retry", false)

	v.SetDefault("fetch.max_retry", 5)
	v.SetDefault("fetch.wait_timeout", "3s")
	v.SetDefault("fetch.poll_interval", "500ms")

	v.SetDefault("form.check_timeout", "3s")

	v.SetDefault("stealth.enabled", true)
	v.SetDefault("stealth.min_offset", 0.1)
	v.SetDefault("stealth.max_offset", 0.9)
	v.SetDefault("stealth.timing.navigate_min", "500ms")
	v.SetDefault("stealth.timing.navigate_max", "3s")
	v.SetDefault("stealth.timing.field_min", "1s")
	v.SetDefault("stealth.timing.field_max", "5s")
	v.SetDefault("stealth.timing.pointer_min", "1s")
	v.SetDefault("stealth.timing.pointer_max", "2s")
	v.SetDefault("stealth.timing.challenge_min", "1s")
	v.SetDefault("stealth.timing.challenge_max", "5s")
	v.SetDefault("stealth.timing.settle", "3s")
	v.SetDefault("stealth.fingerprint.random_viewport", true)
	v.SetDefault("stealth.fingerprint.min_viewport_width", 1200)
	v.SetDefault("stealth.fingerprint.max_viewport_width", 1920)
	v.SetDefault("stealth.fingerprint.min_viewport_height", 800)
	v.SetDefault("stealth.fingerprint.max_viewport_height", 1080)

	v.SetDefault("challenge.search_attempts", 2)
	v.SetDefault("challenge.max_audio_attempts", 5)

	v.SetDefault("speech.endpoint", "http://www.google.com/speech-api/v2/recognize")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.language", "en-US")

	v.SetDefault("audio.ffmpeg_path", "ffmpeg")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.timeout", 30)

	v.SetDefault("limits.min_delay", "2s")
	v.SetDefault("limits.max_delay", "10s")
	v.SetDefault("limits.hourly_fetches", 60)
	v.SetDefault("limits.daily_fetches", 500)
	v.SetDefault("limits.burst_limit", 5)
	v.SetDefault("limits.burst_window", "30s")
	v.SetDefault("limits.randomize_delay", true)
	v.SetDefault("limits.jitter_percent", 20.0)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "./data/history.db")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}

// createDefaultConfig writes the defaults to configPath, leaving secrets to the environment
func createDefaultConfig(v *viper.Viper, configPath string) error {
	settings := v.AllSettings()
	if speech, ok := settings["speech"].(map[string]interface{}); ok {
		delete(speech, "api_key")
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Fetch.MaxRetry <= 0 {
		return fmt.Errorf("fetch max_retry must be positive")
	}
	if config.Challenge.MaxAudioAttempts <= 0 {
		return fmt.Errorf("challenge max_audio_attempts must be positive")
	}
	if config.Challenge.SearchAttempts <= 0 {
		return fmt.Errorf("challenge search_attempts must be positive")
	}
	if config.Stealth.MinOffset < 0 || config.Stealth.MaxOffset > 1 || config.Stealth.MinOffset > config.Stealth.MaxOffset {
		return fmt.Errorf("stealth offsets must satisfy 0 <= min_offset <= max_offset <= 1")
	}
	t := config.Stealth.Timing
	for name, pair := range map[string][2]time.Duration{
		"navigate":  {t.NavigateMin, t.NavigateMax},
		"field":     {t.FieldMin, t.FieldMax},
		"pointer":   {t.PointerMin, t.PointerMax},
		"challenge": {t.ChallengeMin, t.ChallengeMax},
	} {
		if pair[0] < 0 || pair[0] > pair[1] {
			return fmt.Errorf("stealth timing %s: min must not exceed max", name)
		}
	}
	switch config.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text, got %q", config.Logging.Format)
	}
	return nil
}
