// Package config loads the engine's runtime configuration from a file,
// environment variables, and documented defaults, using Viper the way
// tvarr's internal/config does. It binds exactly the options spec.md §6
// recognizes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartAtKind tags the alternative ways a presentation's initial position
// can be specified (spec §6 startAt, §9 "tagged variants for alternatives").
type StartAtKind string

const (
	StartAtNone              StartAtKind = ""
	StartAtPosition          StartAtKind = "position"
	StartAtWallClockTime     StartAtKind = "wall_clock_time"
	StartAtFromFirstPosition StartAtKind = "from_first_position"
	StartAtFromLastPosition  StartAtKind = "from_last_position"
	StartAtPercentage        StartAtKind = "percentage"
)

// StartAt is the tagged-variant configuration for the initial seek (spec
// §4.10, §9). Exactly one of the fields is meaningful, selected by Kind.
type StartAt struct {
	Kind          StartAtKind   `mapstructure:"kind"`
	Position      time.Duration `mapstructure:"position"`
	WallClockTime time.Time     `mapstructure:"wall_clock_time"`
	FromFirstPos  time.Duration `mapstructure:"from_first_position"`
	FromLastPos   time.Duration `mapstructure:"from_last_position"`
	Percentage    float64       `mapstructure:"percentage"`
}

// ABRConfig binds the ABR-related knobs of spec §6.
type ABRConfig struct {
	MinAutoBitrate int `mapstructure:"min_auto_bitrate"`
	MaxAutoBitrate int `mapstructure:"max_auto_bitrate"`
	// ManualBitrate < 0 means auto (ABR-driven); >= 0 pins the
	// representation choice.
	ManualBitrate  int `mapstructure:"manual_bitrate"`
	InitialBitrate int `mapstructure:"initial_bitrate"`
}

// RetryConfig binds the fetcher's retry/timeout knobs (spec §6, §7).
type RetryConfig struct {
	MaxRetry          int           `mapstructure:"max_retry"` // 0 means unlimited
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// BufferConfig binds buffering knobs (spec §6).
type BufferConfig struct {
	WantedBufferAhead time.Duration `mapstructure:"wanted_buffer_ahead"`
	MaxBufferAhead    time.Duration `mapstructure:"max_buffer_ahead"`
	MaxBufferBehind   time.Duration `mapstructure:"max_buffer_behind"`
}

// Config is the complete engine configuration.
type Config struct {
	LowLatencyMode             bool         `mapstructure:"low_latency_mode"`
	Buffer                     BufferConfig `mapstructure:"buffer"`
	ABR                        ABRConfig    `mapstructure:"abr"`
	Retry                      RetryConfig  `mapstructure:"retry"`
	CheckMediaSegmentIntegrity bool         `mapstructure:"check_media_segment_integrity"`
	StartAt                    StartAt      `mapstructure:"start_at"`
	AutoPlay                   bool         `mapstructure:"auto_play"`
	PreferredAudioLanguage     string       `mapstructure:"preferred_audio_language"`

	LogLevel  string `mapstructure:"log_level"`
	ServeAddr string `mapstructure:"serve_addr"`

	// ManifestURL is the presentation this engine instance streams. The
	// teacher's ChannelConfig supported many named channels behind one
	// process; this engine models one streaming session per process and
	// lets the host application run many instances, so only a single
	// manifest URL is configured here.
	ManifestURL string `mapstructure:"manifest_url"`
	UserAgent   string `mapstructure:"user_agent"`
}

// Validate checks invariants Viper's unmarshal can't express.
func (c *Config) Validate() error {
	if c.ManifestURL == "" {
		return errors.New("manifest_url must be set")
	}
	if c.ABR.MinAutoBitrate < 0 {
		return errors.New("abr.min_auto_bitrate must be >= 0")
	}
	if c.ABR.MaxAutoBitrate > 0 && c.ABR.MaxAutoBitrate < c.ABR.MinAutoBitrate {
		return errors.New("abr.max_auto_bitrate must be >= abr.min_auto_bitrate")
	}
	switch c.StartAt.Kind {
	case StartAtNone, StartAtPosition, StartAtWallClockTime, StartAtFromFirstPosition, StartAtFromLastPosition, StartAtPercentage:
	default:
		return fmt.Errorf("start_at.kind %q is not recognized", c.StartAt.Kind)
	}
	return nil
}

// SetDefaults installs the documented defaults from spec §4.2 and §4.6.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("low_latency_mode", false)

	v.SetDefault("buffer.wanted_buffer_ahead", 30*time.Second)
	v.SetDefault("buffer.max_buffer_ahead", 0) // 0 == unbounded
	v.SetDefault("buffer.max_buffer_behind", 30*time.Second)

	v.SetDefault("abr.min_auto_bitrate", 0)
	v.SetDefault("abr.max_auto_bitrate", 0) // 0 == unbounded
	v.SetDefault("abr.manual_bitrate", -1)  // auto
	v.SetDefault("abr.initial_bitrate", 0)

	v.SetDefault("retry.max_retry", 0) // unlimited, bounded per-attempt
	v.SetDefault("retry.request_timeout", 15*time.Second)
	v.SetDefault("retry.connection_timeout", 5*time.Second)

	v.SetDefault("check_media_segment_integrity", false)
	v.SetDefault("start_at.kind", string(StartAtNone))
	v.SetDefault("auto_play", false)

	v.SetDefault("log_level", "info")
	v.SetDefault("serve_addr", ":8080")
}

// Load reads configuration from configPath (if non-empty), then
// ENGINE_-prefixed environment variables, layered over SetDefaults.
// Mirrors tvarr's config.Load shape.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/streamengine")
	}

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Low-latency mode tightens the buffer-ahead default unless the user
	// explicitly overrode it; match it to the §4.2 low-latency rebuffer
	// profile expectation of a much smaller live buffer. Only a value from
	// the config file or the environment counts as an override; the
	// SetDefaults value does not.
	explicitBufferAhead := v.InConfig("buffer.wanted_buffer_ahead") || os.Getenv("ENGINE_BUFFER_WANTED_BUFFER_AHEAD") != ""
	if cfg.LowLatencyMode && !explicitBufferAhead {
		cfg.Buffer.WantedBufferAhead = 4 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolveStartPosition implements spec §8's percentage boundary behavior:
// 0 -> 0, >=100 -> duration, negative treated as 0, else duration*ratio.
func ResolveStartPosition(s StartAt, duration time.Duration) time.Duration {
	switch s.Kind {
	case StartAtPosition:
		return s.Position
	case StartAtFromFirstPosition:
		return s.FromFirstPos
	case StartAtFromLastPosition:
		if s.FromLastPos > duration {
			return 0
		}
		return duration - s.FromLastPos
	case StartAtPercentage:
		pct := s.Percentage
		if pct <= 0 {
			return 0
		}
		if pct >= 100 {
			return duration
		}
		return time.Duration(float64(duration) * pct / 100)
	default:
		return 0
	}
}
